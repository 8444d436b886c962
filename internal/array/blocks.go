// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package array

import (
	"errors"
	"io"
	"os"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/pkg/disk"
)

var errShortBlock = errors.New("block file is truncated")

// rawBlocks is direct access to the block files of one logical file, for
// scrubbing and repair. Unlike a stream it doesn't hide missing blocks.
type rawBlocks struct {
	files []*disk.BlockFile
	errs  []error // Why files[i] is nil.
}

// openRawBlocks opens every Normal block in 'blocks' for reading. A block file
// smaller than its record counts as failed.
func openRawBlocks(blocks []core.DataBlock, dropCache bool) *rawBlocks {
	flags := os.O_RDONLY
	if dropCache {
		flags |= disk.O_DROPCACHE
	}
	r := &rawBlocks{files: make([]*disk.BlockFile, len(blocks)), errs: make([]error, len(blocks))}
	for _, b := range blocks {
		if b.Status != core.BlockNormal {
			r.errs[b.Slot] = core.ErrDiskUnavailable.Error()
			continue
		}
		f, err := disk.OpenBlockFile(b.Path, flags)
		if err != nil {
			r.errs[b.Slot] = err
			continue
		}
		// Shorter than recorded means rows are gone; don't bother reading.
		if size, err := f.Size(); err != nil || size < b.Size {
			if err == nil {
				err = errShortBlock
			}
			log.Errorf("%s: %d of %d bytes: %s", b.Path, size, b.Size, err)
			f.Close()
			r.errs[b.Slot] = err
			continue
		}
		r.files[b.Slot] = f
	}
	return r
}

// readUnits reads the unit at 'off' of every open slot except 'skip' into
// bufs, concurrently. A slot that fails is closed and stays failed. It
// returns the number of bytes read.
func (r *rawBlocks) readUnits(off int64, bufs [][]byte, skip int) int64 {
	errs := make([]error, len(r.files))
	var g errgroup.Group
	for i, f := range r.files {
		if f == nil || i == skip {
			continue
		}
		i, f := i, f
		g.Go(func() error {
			n, err := f.ReadAt(bufs[i], off)
			if n < len(bufs[i]) {
				if err == nil || err == io.EOF {
					err = errShortBlock
				}
				errs[i] = err
			}
			return nil
		})
	}
	g.Wait()

	var total int64
	for i, err := range errs {
		if r.files[i] == nil || i == skip {
			continue
		}
		if err != nil {
			log.Errorf("%s: read at %d failed: %s", r.files[i].Path(), off, err)
			r.fail(i, err)
			continue
		}
		total += int64(len(bufs[i]))
	}
	return total
}

func (r *rawBlocks) fail(i int, err error) {
	if r.files[i] != nil {
		r.files[i].Close()
		r.files[i] = nil
	}
	r.errs[i] = err
}

// failed returns the slots that can't be read, not counting 'skip'.
func (r *rawBlocks) failed(skip int) []int {
	var out []int
	for i, err := range r.errs {
		if err != nil && i != skip {
			out = append(out, i)
		}
	}
	return out
}

func (r *rawBlocks) close() {
	for i, f := range r.files {
		if f != nil {
			f.Close()
			r.files[i] = nil
		}
	}
}

func unitBuffers(n, size int) [][]byte {
	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, size)
	}
	return bufs
}
