// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package array maps logical files onto RAID5 block files spread over a set
// of disks, and keeps their layouts in a metadata store.
package array

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/time/rate"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/internal/metadata"
	"github.com/westerndigitalcorporation/raidblob/internal/raid"
	"github.com/westerndigitalcorporation/raidblob/internal/server"
	"github.com/westerndigitalcorporation/raidblob/pkg/disk"
)

// Coordinator stores and retrieves logical files.
type Coordinator struct {
	cfg   Config
	store metadata.Store

	// Source of new file ids.
	ids *core.IDGenerator

	// Admission gate for metadata mutations.
	gate server.Semaphore

	// Serializes delete, repair and scrub of one file.
	locks *server.FileLock

	layouts *layoutCache

	readOnly atomic.Bool

	// Limits scrub reads to cfg.ScrubRate bytes per second.
	limiter *rate.Limiter

	// Parity verifiers by disk count.
	encLock  sync.Mutex
	encoders map[int]reedsolomon.Encoder

	// Background scrubbing.
	scrubLock   sync.Mutex
	scrubCancel context.CancelFunc
	scrubDone   chan struct{}
}

// New creates a coordinator over 'store'. The store is owned by the caller.
func New(cfg Config, store metadata.Store) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	roots, err := absRoots(cfg.DiskRoots)
	if err != nil {
		return nil, err
	}
	cfg.DiskRoots = roots
	ids, err := core.NewIDGenerator(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		ids:      ids,
		gate:     server.NewSemaphore(cfg.MaxPendingMeta),
		locks:    server.NewFileLock(),
		layouts:  newLayoutCache(cfg.LayoutCacheSize),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		encoders: make(map[int]reedsolomon.Encoder),
	}
	if cfg.ScrubRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ScrubRate), int(cfg.ScrubRate))
	}
	return c, nil
}

// Config returns the configuration the coordinator was created with.
func (c *Coordinator) Config() Config {
	cfg := c.cfg
	cfg.DiskRoots = append([]string(nil), cfg.DiskRoots...)
	return cfg
}

// Initialize checks the disks and makes sure the metadata indexes exist.
// Low free space is only logged.
func (c *Coordinator) Initialize(ctx context.Context) (err error) {
	op := opm.Start("initialize")
	defer op.EndWithError(&err)

	if err = c.cfg.Validate(); err != nil {
		return err
	}
	for i, root := range c.cfg.DiskRoots {
		u, err := disk.FileSystemUsage(root)
		if err != nil {
			log.Errorf("disk %d (%s): couldn't get free space: %s", i, root, err)
			continue
		}
		diskAvail.WithLabelValues(root).Set(float64(u.Avail))
		if u.Avail < c.cfg.DiskLowThreshold {
			log.Warningf("disk %d (%s) is low on space: %d of %d bytes available", i, root, u.Avail, u.Total)
		} else {
			log.Infof("disk %d (%s): %d of %d bytes available (%.1f%%)", i, root, u.Avail, u.Total, 100*u.Free())
		}
	}

	// Startup waits its turn instead of failing.
	if err = c.gate.AcquireContext(ctx); err != nil {
		return core.ErrCanceled.Error()
	}
	defer c.gate.Release()
	if err = c.store.CreateIndexes(ctx); err != nil {
		log.Errorf("failed to create metadata indexes: %s", err)
	}
	return err
}

// admit takes a slot in the metadata gate, or fails with ErrTooBusy.
func (c *Coordinator) admit() (func(), error) {
	if !c.gate.TryAcquire() {
		log.Warningf("too many pending metadata operations, rejecting")
		return nil, core.ErrTooBusy.Error()
	}
	return c.gate.Release, nil
}

// PendingMeta returns how many metadata mutations are in flight.
func (c *Coordinator) PendingMeta() int {
	return c.gate.InUse()
}

// ReadOnlyMode returns whether mutations are currently refused.
func (c *Coordinator) ReadOnlyMode() bool {
	return c.readOnly.Load()
}

// SetReadOnlyMode turns refusing mutations on or off.
func (c *Coordinator) SetReadOnlyMode(ro bool) {
	c.readOnly.Store(ro)
}

func (c *Coordinator) checkWritable() error {
	if c.readOnly.Load() {
		return core.ErrReadOnlyMode.Error()
	}
	return nil
}

// WriteData stripes everything read from 'r' over fresh block files and
// records it as logical file 'path'. Nothing is recorded, and no block file
// is left behind, unless the whole input was written.
func (c *Coordinator) WriteData(ctx context.Context, r io.Reader, path string) (res core.WriteResult, err error) {
	op := opm.Start("write")
	defer op.EndWithError(&err)

	if err = c.checkWritable(); err != nil {
		return res, err
	}
	if path == "" {
		return res, fmt.Errorf("empty path: %w", core.ErrInvalidArgument.Error())
	}
	// Only the path namespace matters here; an id spelled like 'path' is
	// shadowed once this file exists.
	if f, err := c.store.FindFile(ctx, path); err == nil && f.Path == path {
		return res, fmt.Errorf("%q: %w", path, core.ErrAlreadyExists.Error())
	} else if err != nil && !core.ErrNotFound.Is(err) {
		return res, err
	}

	id := c.ids.NewFileID()
	now := time.Now()
	paths := blockPaths(c.cfg.DiskRoots, id, now)

	s, err := raid.Open(ctx, raid.Config{
		Paths:      paths,
		StripeSize: c.cfg.StripeSize,
		Mode:       raid.ModeWrite,
		DropCache:  c.cfg.DropCache,
	})
	if err != nil {
		log.Errorf("%s: failed to create block files: %s", path, err)
		return res, err
	}
	if res, err = s.WriteFrom(ctx, r); err != nil {
		log.Errorf("%s: write failed after %d bytes, discarding: %s", path, res.Total, err)
		s.Discard()
		return res, err
	}
	if err = s.Close(); err != nil {
		log.Errorf("%s: failed to close block files, discarding: %s", path, err)
		disk.RemoveAll(paths)
		return res, err
	}
	if ctx.Err() != nil {
		disk.RemoveAll(paths)
		return res, core.ErrCanceled.Error()
	}

	file := &core.LogicalFile{
		ID:         id,
		Path:       path,
		Size:       res.Total,
		StripeSize: c.cfg.StripeSize,
		Disks:      len(paths),
		Checksum:   res.Checksum,
		Created:    now,
		Modified:   now,
	}
	blocks := make([]core.DataBlock, len(paths))
	for i, p := range paths {
		blocks[i] = core.DataBlock{FileID: id, Path: p, Slot: i, Size: res.PerDisk[i], Status: core.BlockNormal}
	}

	release, err := c.admit()
	if err != nil {
		disk.RemoveAll(paths)
		return res, err
	}
	defer release()
	if err = c.store.InsertFile(ctx, file, blocks); err != nil {
		log.Errorf("%s: failed to record, discarding block files: %s", path, err)
		disk.RemoveAll(paths)
		return res, err
	}
	c.layouts.invalidate(path)
	bytesWritten.Add(float64(res.Total))
	log.V(1).Infof("wrote %s (%s): %d bytes over %d disks", path, id, res.Total, len(paths))
	return res, nil
}

// GetBlockPaths returns the layout of the file with path or id 'key'. Slots
// whose block isn't Normal have an empty path.
func (c *Coordinator) GetBlockPaths(ctx context.Context, key string) (core.BlockLayout, error) {
	if l, ok := c.layouts.get(key); ok {
		return l, nil
	}
	f, err := c.store.FindFile(ctx, key)
	if err != nil {
		return core.BlockLayout{}, err
	}
	blocks, err := c.store.FindBlocks(ctx, f.ID)
	if err != nil {
		return core.BlockLayout{}, err
	}
	l, err := layoutFromRecords(f, blocks)
	if err != nil {
		return l, err
	}
	c.layouts.put(key, l)
	return copyLayout(l), nil
}

// OpenStream opens a seekable stream over the file with path or id 'key'.
// The caller must Close it.
func (c *Coordinator) OpenStream(ctx context.Context, key string) (*raid.Stream, error) {
	l, err := c.GetBlockPaths(ctx, key)
	if err != nil {
		return nil, err
	}
	return raid.Open(ctx, raid.Config{
		Paths:      l.Paths,
		StripeSize: l.StripeSize,
		Length:     l.Size,
		Mode:       raid.ModeRead,
		DropCache:  c.cfg.DropCache,
	})
}

// ReadData copies the whole file with path or id 'key' to 'w'. If the file
// has a checksum it is verified; a mismatch is reported as ErrCorruptData
// after the data has been written.
func (c *Coordinator) ReadData(ctx context.Context, w io.Writer, key string) (err error) {
	op := opm.Start("read")
	defer op.EndWithError(&err)

	l, err := c.GetBlockPaths(ctx, key)
	if err != nil {
		return err
	}
	s, err := raid.Open(ctx, raid.Config{
		Paths:      l.Paths,
		StripeSize: l.StripeSize,
		Length:     l.Size,
		Mode:       raid.ModeRead,
		DropCache:  c.cfg.DropCache,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	var h hash.Hash
	if l.Checksum != "" {
		h = sha256.New()
		w = io.MultiWriter(w, h)
	}
	n, err := s.CopyTo(ctx, w)
	if err != nil {
		log.Errorf("%s: read failed after %d bytes: %s", l.Path, n, err)
		return err
	}
	bytesRead.Add(float64(n))
	if h != nil {
		if sum := hex.EncodeToString(h.Sum(nil)); sum != l.Checksum {
			log.Errorf("%s: checksum mismatch, got %s want %s", l.Path, sum, l.Checksum)
			return fmt.Errorf("%s: %w", l.Path, core.ErrCorruptData.Error())
		}
	}
	return nil
}

// Exists checks the metadata for a file with path or id 'key'. Disks aren't
// touched.
func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := c.layouts.get(key); ok {
		return true, nil
	}
	_, err := c.store.FindFile(ctx, key)
	if core.ErrNotFound.Is(err) {
		return false, nil
	}
	return err == nil, err
}

// Stat returns the records of the file with path or id 'key'.
func (c *Coordinator) Stat(ctx context.Context, key string) (*core.LogicalFile, []core.DataBlock, error) {
	f, err := c.store.FindFile(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	blocks, err := c.store.FindBlocks(ctx, f.ID)
	return f, blocks, err
}

// List returns up to 'limit' files whose path starts with 'prefix'.
func (c *Coordinator) List(ctx context.Context, prefix string, limit int) ([]core.LogicalFile, error) {
	return c.store.ListFiles(ctx, prefix, limit)
}

// Delete removes the records of the file with path or id 'key', then its
// block files. Failing to remove a block file is only logged; it may be gone
// already.
func (c *Coordinator) Delete(ctx context.Context, key string) (err error) {
	op := opm.Start("delete")
	defer op.EndWithError(&err)

	if err = c.checkWritable(); err != nil {
		return err
	}
	f, err := c.store.FindFile(ctx, key)
	if err != nil {
		return err
	}
	c.locks.LockFile(f.ID)
	defer c.locks.UnlockFile(f.ID)

	blocks, err := c.store.FindBlocks(ctx, f.ID)
	if err != nil && !core.ErrNotFound.Is(err) {
		return err
	}

	release, err := c.admit()
	if err != nil {
		return err
	}
	err = c.store.DeleteFile(ctx, f.ID)
	release()
	c.layouts.invalidate(f.ID)
	if err != nil {
		return err
	}

	for _, b := range blocks {
		if err := disk.Remove(b.Path); err != nil {
			log.Errorf("%s: failed to remove block %d at %s: %s", f.Path, b.Slot, b.Path, err)
		}
	}
	log.V(1).Infof("deleted %s (%s)", f.Path, f.ID)
	return nil
}

// SetBlockStatus records the health of the block file at 'blockPath'. Reads
// started after this skip a block that isn't Normal.
func (c *Coordinator) SetBlockStatus(ctx context.Context, blockPath string, status core.BlockStatus) error {
	release, err := c.admit()
	if err != nil {
		return err
	}
	defer release()
	if err := c.store.SetBlockStatus(ctx, blockPath, status); err != nil {
		return err
	}
	c.layouts.clear()
	log.Infof("block %s is now %s", blockPath, status)
	return nil
}

// encoder returns a parity verifier for arrays of 'disks' disks.
func (c *Coordinator) encoder(disks int) (reedsolomon.Encoder, error) {
	c.encLock.Lock()
	defer c.encLock.Unlock()
	if enc, ok := c.encoders[disks]; ok {
		return enc, nil
	}
	// With one parity shard this is plain XOR, same as the stream.
	enc, err := reedsolomon.New(disks-1, 1, reedsolomon.WithFastOneParityMatrix())
	if err != nil {
		return nil, err
	}
	c.encoders[disks] = enc
	return enc, nil
}

// Close stops background work. The metadata store stays open.
func (c *Coordinator) Close() {
	c.StopScrubber()
}
