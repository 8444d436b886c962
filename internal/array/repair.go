// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package array

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/internal/raid"
	"github.com/westerndigitalcorporation/raidblob/pkg/disk"
	"github.com/westerndigitalcorporation/raidblob/pkg/parity"
)

// Repair rebuilds block 'slot' of the file with path or id 'key' from the
// other blocks, into a new block file next to the old one. Every other block
// must be readable. On success the new block is recorded as Normal and the
// old block file is removed.
func (c *Coordinator) Repair(ctx context.Context, key string, slot int) (nb core.DataBlock, err error) {
	op := opm.Start("repair")
	defer op.EndWithError(&err)

	if err = c.checkWritable(); err != nil {
		return nb, err
	}
	f, blocks, err := c.Stat(ctx, key)
	if err != nil {
		return nb, err
	}
	if slot < 0 || slot >= f.Disks {
		return nb, fmt.Errorf("slot %d of %d: %w", slot, f.Disks, core.ErrInvalidArgument.Error())
	}
	c.locks.LockFile(f.ID)
	defer c.locks.UnlockFile(f.ID)

	raw := openRawBlocks(blocks, c.cfg.DropCache)
	defer raw.close()
	if bad := raw.failed(slot); len(bad) > 0 {
		log.Errorf("repair %s: slots %v are unusable too, can't rebuild slot %d", f.Path, bad, slot)
		return nb, fmt.Errorf("%s: %w", f.Path, core.ErrRedundancyExhausted.Error())
	}

	// The block is built under a temporary name and renamed into place once
	// it's complete, so a crash never leaves a short block at newPath.
	old := blocks[slot]
	newPath := rebuiltPath(old.Path, f.ID, slot, time.Now())
	tmpPath := newPath + ".tmp"
	out, err := disk.OpenBlockFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY)
	if err != nil {
		log.Errorf("repair %s: failed to create %s: %s", f.Path, tmpPath, err)
		return nb, fmt.Errorf("create %s: %v: %w", tmpPath, err, core.ErrIO.Error())
	}
	done := false
	defer func() {
		if !done {
			out.Close()
			disk.Remove(tmpPath)
		}
	}()

	rows := raid.Rows(f.Size, f.Disks, f.StripeSize)
	bufs := unitBuffers(f.Disks, f.StripeSize)
	others := make([][]byte, 0, f.Disks-1)
	for i := range bufs {
		if i != slot {
			others = append(others, bufs[i])
		}
	}
	for row := int64(0); row < rows; row++ {
		if ctx.Err() != nil {
			return nb, core.ErrCanceled.Error()
		}
		off := row * int64(f.StripeSize)
		raw.readUnits(off, bufs, slot)
		if bad := raw.failed(slot); len(bad) > 0 {
			return nb, fmt.Errorf("%s: row %d: %w", f.Path, row, core.ErrRedundancyExhausted.Error())
		}
		// Any one unit of a row is the XOR of the others, parity or not.
		parity.Compute(bufs[slot], others...)
		if _, err = out.WriteAt(bufs[slot], off); err != nil {
			return nb, fmt.Errorf("write %s: %v: %w", tmpPath, err, core.ErrIO.Error())
		}
	}
	done = true
	// Close syncs, so the data is stable before the rename.
	if err = out.Close(); err != nil {
		disk.Remove(tmpPath)
		return nb, fmt.Errorf("close %s: %v: %w", tmpPath, err, core.ErrIO.Error())
	}
	if err = disk.Rename(tmpPath, newPath); err != nil {
		disk.Remove(tmpPath)
		return nb, fmt.Errorf("rename %s: %v: %w", tmpPath, err, core.ErrIO.Error())
	}

	nb = core.DataBlock{FileID: f.ID, Path: newPath, Slot: slot, Size: rows * int64(f.StripeSize), Status: core.BlockNormal}
	release, err := c.admit()
	if err != nil {
		disk.Remove(newPath)
		return nb, err
	}
	err = c.store.UpdateBlock(ctx, nb)
	release()
	if err != nil {
		disk.Remove(newPath)
		return nb, err
	}
	c.layouts.invalidate(f.ID)

	if err := disk.Remove(old.Path); err != nil {
		log.Errorf("repair %s: failed to remove old block %s: %s", f.Path, old.Path, err)
	}
	log.Infof("repair %s: rebuilt slot %d at %s", f.Path, slot, newPath)
	return nb, nil
}
