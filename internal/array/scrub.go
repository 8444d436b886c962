// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package array

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/internal/raid"
	"github.com/westerndigitalcorporation/raidblob/pkg/parity"
)

// ScrubReport is what scrubbing one file found.
type ScrubReport struct {
	FileID  string
	Path    string
	Rows    int64
	Bytes   int64   // Physical bytes read.
	Missing []int   // Slots whose block file is unusable. They are marked Unavailable.
	BadRows []int64 // Rows whose parity doesn't match their data.
}

// OK returns true if nothing was wrong.
func (r ScrubReport) OK() bool {
	return len(r.Missing) == 0 && len(r.BadRows) == 0
}

// Scrub reads every block of the file with path or id 'key' and checks the
// parity of each row. Blocks that are missing or short get marked
// Unavailable so reads rebuild them from parity. Rows with bad parity are
// reported; with a single parity unit there's no telling which unit is wrong.
func (c *Coordinator) Scrub(ctx context.Context, key string) (ScrubReport, error) {
	f, err := c.store.FindFile(ctx, key)
	if err != nil {
		return ScrubReport{}, err
	}
	c.locks.LockFile(f.ID)
	defer c.locks.UnlockFile(f.ID)
	return c.scrubLocked(ctx, f)
}

// scrubLocked scrubs 'f', whose lock the caller holds. Blocks are looked up
// under the lock so a repair that just finished is seen.
func (c *Coordinator) scrubLocked(ctx context.Context, f *core.LogicalFile) (rep ScrubReport, err error) {
	op := opm.Start("scrub")
	defer op.EndWithError(&err)

	blocks, err := c.store.FindBlocks(ctx, f.ID)
	if err != nil {
		return rep, err
	}
	enc, err := c.encoder(f.Disks)
	if err != nil {
		return rep, err
	}
	rep = ScrubReport{FileID: f.ID, Path: f.Path, Rows: raid.Rows(f.Size, f.Disks, f.StripeSize)}

	raw := openRawBlocks(blocks, true)
	defer raw.close()

	bufs := unitBuffers(f.Disks, f.StripeSize)
	shards := make([][]byte, f.Disks)
	var ds []int
	for row := int64(0); row < rep.Rows; row++ {
		if ctx.Err() != nil {
			return rep, core.ErrCanceled.Error()
		}
		n := raw.readUnits(row*int64(f.StripeSize), bufs, -1)
		rep.Bytes += n
		if err = c.throttle(ctx, n); err != nil {
			return rep, err
		}
		if len(raw.failed(-1)) > 0 {
			// Can't verify a row with a unit missing. Keep reading to find
			// other bad blocks.
			continue
		}

		// Data shards in order, then parity.
		ds = parity.DataSlots(f.Disks, row, ds)
		for j, slot := range ds {
			shards[j] = bufs[slot]
		}
		shards[f.Disks-1] = bufs[parity.Slot(f.Disks, row)]
		if ok, verr := enc.Verify(shards); verr != nil || !ok {
			log.Errorf("scrub %s: row %d parity mismatch (%v)", f.Path, row, verr)
			rep.BadRows = append(rep.BadRows, row)
			scrubBadRows.Inc()
		}
	}
	scrubBytes.Add(float64(rep.Bytes))

	rep.Missing = raw.failed(-1)
	for _, slot := range rep.Missing {
		b := blocks[slot]
		if b.Status != core.BlockNormal {
			continue
		}
		scrubMissing.Inc()
		log.Errorf("scrub %s: block %d at %s is unusable (%s), marking unavailable", f.Path, slot, b.Path, raw.errs[slot])
		if err := c.SetBlockStatus(ctx, b.Path, core.BlockUnavailable); err != nil {
			log.Errorf("scrub %s: failed to mark %s unavailable: %s", f.Path, b.Path, err)
		}
	}
	if rep.OK() {
		log.V(2).Infof("scrub %s: %d rows ok", f.Path, rep.Rows)
	}
	return rep, nil
}

// throttle waits until scrubbing may read another 'n' bytes.
func (c *Coordinator) throttle(ctx context.Context, n int64) error {
	burst := int64(c.limiter.Burst())
	if c.limiter.Limit() == 0 || burst == 0 {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.limiter.WaitN(ctx, int(chunk)); err != nil {
			if ctx.Err() != nil {
				return core.ErrCanceled.Error()
			}
			return err
		}
		n -= chunk
	}
	return nil
}

// ScrubAll scrubs every file once and returns how many had problems. Files
// that are being repaired or deleted are skipped; the next pass gets them.
func (c *Coordinator) ScrubAll(ctx context.Context) (scrubbed, bad int, err error) {
	files, err := c.store.ListFiles(ctx, "", 0)
	if err != nil {
		return 0, 0, err
	}
	start := time.Now()
	var bytes int64
	for i := range files {
		f := &files[i]
		if !c.locks.TryLockFile(f.ID) {
			log.V(1).Infof("scrub: %s is busy, skipping", f.Path)
			scrubSkipped.Inc()
			continue
		}
		rep, err := c.scrubLocked(ctx, f)
		c.locks.UnlockFile(f.ID)
		if core.ErrCanceled.Is(err) {
			return scrubbed, bad, err
		}
		if err != nil {
			// Deleted since we listed it, most likely.
			log.Warningf("scrub of %s failed: %s", f.Path, err)
			continue
		}
		scrubbed++
		bytes += rep.Bytes
		if !rep.OK() {
			bad++
		}
		if scrubbed%10 == 0 {
			logStats(start, scrubbed, bad, len(files), bytes, 2)
		}
	}
	logStats(start, scrubbed, bad, len(files), bytes, 0)
	return scrubbed, bad, nil
}

func logStats(start time.Time, scrubbed, bad, total int, bytes int64, level log.Level) {
	elapsed := time.Since(start)
	bps := bytes / (1 + int64(elapsed.Seconds()))
	log.V(level).Infof("scrub: %d/%d files, %d bad, %d bytes in %s (%d bytes/sec)", scrubbed, total, bad, bytes, elapsed, bps)
}

// StartScrubber scrubs every file, forever, pausing cfg.ScrubInterval
// between passes. It does nothing if the interval or rate is zero.
func (c *Coordinator) StartScrubber() {
	if c.cfg.ScrubInterval <= 0 || c.cfg.ScrubRate == 0 {
		return
	}
	c.scrubLock.Lock()
	defer c.scrubLock.Unlock()
	if c.scrubCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.scrubCancel = cancel
	c.scrubDone = make(chan struct{})
	go c.scrubLoop(ctx, c.scrubDone)
}

func (c *Coordinator) scrubLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTimer(c.cfg.ScrubInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		log.Infof("scrub pass starting")
		if _, _, err := c.ScrubAll(ctx); err != nil && !core.ErrCanceled.Is(err) {
			log.Errorf("scrub pass failed: %s", err)
		}
		t.Reset(c.cfg.ScrubInterval)
	}
}

// StopScrubber stops background scrubbing and waits for it to finish.
func (c *Coordinator) StopScrubber() {
	c.scrubLock.Lock()
	cancel, done := c.scrubCancel, c.scrubDone
	c.scrubCancel, c.scrubDone = nil, nil
	c.scrubLock.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
