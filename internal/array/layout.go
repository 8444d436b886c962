// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package array

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
)

// blockPaths picks the block file paths for a new file. Disk roots are
// shuffled per file so slot 0 (and with it the parity of row 0) doesn't
// always land on the same disk. Files are bucketed by creation date.
func blockPaths(roots []string, id string, now time.Time) []string {
	day := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"))
	paths := make([]string, len(roots))
	for i, r := range rand.Perm(len(roots)) {
		paths[i] = filepath.Join(roots[r], day, fmt.Sprintf("%s.%d.blk", id, i))
	}
	return paths
}

// rebuiltPath is where a rebuilt block goes: next to the old one, under a
// name that can't clash with it.
func rebuiltPath(old, id string, slot int, now time.Time) string {
	return filepath.Join(filepath.Dir(old), fmt.Sprintf("%s.%d.r%d.blk", id, slot, now.UnixNano()))
}

// layoutFromRecords builds the layout a reader needs. Blocks that aren't
// Normal get an empty path so the stream treats them as unavailable.
func layoutFromRecords(f *core.LogicalFile, blocks []core.DataBlock) (core.BlockLayout, error) {
	if len(blocks) != f.Disks {
		return core.BlockLayout{}, fmt.Errorf("%s has %d of %d blocks: %w",
			f.Path, len(blocks), f.Disks, core.ErrCorruptData.Error())
	}
	l := core.BlockLayout{
		FileID:     f.ID,
		Path:       f.Path,
		Paths:      make([]string, f.Disks),
		StripeSize: f.StripeSize,
		Size:       f.Size,
		Checksum:   f.Checksum,
		Modified:   f.Modified,
	}
	for _, b := range blocks {
		if b.Status == core.BlockNormal {
			l.Paths[b.Slot] = b.Path
		}
	}
	return l, nil
}

// layoutCache caches layouts by file id, and maps logical paths to ids so a
// file can be found by either. A logical path shadows an id spelled the same,
// so a bare id is only served from the cache after the store resolved it as
// an id.
type layoutCache struct {
	lock    sync.Mutex
	forward *lru.Cache        // id -> core.BlockLayout
	back    map[string]string // logical path -> id
	byID    map[string]bool   // ids the store resolved as ids
}

func newLayoutCache(maxEntries int) *layoutCache {
	lc := &layoutCache{back: make(map[string]string), byID: make(map[string]bool)}
	lc.forward = lru.New(maxEntries)
	lc.forward.OnEvicted = lc.evicted
	return lc
}

// evicted is called when an entry is removed from the lru cache, either by
// getting bumped, or explicit removal. The lock must already be held.
func (lc *layoutCache) evicted(key lru.Key, value interface{}) {
	delete(lc.back, value.(core.BlockLayout).Path)
	delete(lc.byID, key.(string))
}

// put caches 'l', which the store found under 'key'.
func (lc *layoutCache) put(key string, l core.BlockLayout) {
	lc.lock.Lock()
	defer lc.lock.Unlock()
	// Remove first so that the reverse map gets updated properly.
	lc.forward.Remove(l.FileID)
	lc.forward.Add(l.FileID, l)
	lc.back[l.Path] = l.FileID
	if key != l.Path {
		lc.byID[l.FileID] = true
	}
}

// get looks a layout up by logical path, or by file id.
func (lc *layoutCache) get(key string) (core.BlockLayout, bool) {
	lc.lock.Lock()
	defer lc.lock.Unlock()
	if id, ok := lc.back[key]; ok {
		key = id
	} else if !lc.byID[key] {
		return core.BlockLayout{}, false
	}
	if v, ok := lc.forward.Get(key); ok {
		return copyLayout(v.(core.BlockLayout)), true
	}
	return core.BlockLayout{}, false
}

// invalidate drops the layout cached under file id 'id'. It's also called
// with a new logical path, which from then on shadows an id spelled the same.
func (lc *layoutCache) invalidate(id string) {
	lc.lock.Lock()
	defer lc.lock.Unlock()
	lc.forward.Remove(id)
	delete(lc.byID, id)
}

// clear drops everything. Used when a block status changes, since we only
// know the block path then.
func (lc *layoutCache) clear() {
	lc.lock.Lock()
	defer lc.lock.Unlock()
	lc.forward.Clear()
	lc.back = make(map[string]string)
	lc.byID = make(map[string]bool)
}

// copyLayout keeps callers from changing cached paths.
func copyLayout(l core.BlockLayout) core.BlockLayout {
	l.Paths = append([]string(nil), l.Paths...)
	return l
}
