// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package raid presents N block files as one linear byte stream with rotating
// XOR parity (RAID5).
//
// Logical byte 'off' lives in stripe row off/((N-1)*S), where S is the stripe
// unit size. Row r occupies bytes [r*S, (r+1)*S) of every block file. Slot
// parity.Slot(N, r) holds the XOR of the row's N-1 data units; the other slots
// hold data units in slot order. The last row is zero padded on disk.
//
// Reads tolerate one unavailable slot by rebuilding the missing unit from the
// others. Writes need every slot.
package raid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/pkg/disk"
	"github.com/westerndigitalcorporation/raidblob/pkg/parity"
)

// Stream is a RAID5 byte stream over N block files.
//
// A Stream is not safe for concurrent use. Different streams may be used
// concurrently.
type Stream struct {
	mode       Mode
	n          int
	stripeSize int
	rowSize    int64
	slots      []*slot

	// Context from Open, used by the io.Reader methods.
	ctx context.Context

	// Logical length. In write mode, the bytes written so far.
	length int64

	// Logical position of the next Read.
	pos int64

	// The row currently assembled in the slot buffers, -1 if none.
	loadedRow int64

	// Data slots of loadedRow, in order.
	rowSlots []int

	// Scratch for parity math.
	units [][]byte

	// Write mode only.
	hash   hash.Hash
	sealed bool // a partial row was written, nothing may follow

	closed bool
}

// Open opens a stream as described by 'cfg'. In read mode a block file that
// is missing or can't be opened leaves its slot unavailable. In write mode
// every block file is created and any failure removes the ones made so far.
func Open(ctx context.Context, cfg Config) (s *Stream, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	op := opm.Start("open_" + cfg.Mode.String())
	defer op.EndWithError(&err)

	n := len(cfg.Paths)
	s = &Stream{
		mode:       cfg.Mode,
		n:          n,
		stripeSize: cfg.StripeSize,
		rowSize:    RowSize(n, cfg.StripeSize),
		slots:      make([]*slot, n),
		ctx:        ctx,
		loadedRow:  -1,
		rowSlots:   make([]int, 0, n-1),
		units:      make([][]byte, 0, n-1),
	}
	for i, p := range cfg.Paths {
		bufp := units.get(cfg.StripeSize)
		s.slots[i] = &slot{state: slotUnavailable, path: p, bufp: bufp, buf: *bufp}
	}

	flags := os.O_RDONLY
	if cfg.Mode == ModeWrite {
		flags = os.O_CREATE | os.O_EXCL | os.O_WRONLY
	}
	if cfg.DropCache {
		flags |= disk.O_DROPCACHE
	}

	switch cfg.Mode {
	case ModeRead:
		s.length = cfg.Length
		s.openForRead(flags)
	case ModeWrite:
		s.hash = sha256.New()
		if err := s.openForWrite(ctx, flags); err != nil {
			s.release()
			return nil, err
		}
	}
	return s, nil
}

func (s *Stream) openForRead(flags int) {
	for i, sl := range s.slots {
		if sl.path == "" {
			sl.markUnavailable(core.ErrDiskUnavailable.Error())
			log.Infof("slot %d is marked unavailable", i)
			continue
		}
		f, err := disk.OpenBlockFile(sl.path, flags)
		if err != nil {
			log.Warningf("slot %d: failed to open %s, continuing without it: %s", i, sl.path, err)
			sl.markUnavailable(err)
			unavailableSlots.Inc()
			continue
		}
		sl.file, sl.state = f, slotOpen
	}
}

func (s *Stream) openForWrite(ctx context.Context, flags int) error {
	var created []string
	for _, sl := range s.slots {
		if err := ctx.Err(); err != nil {
			s.closeSlots()
			disk.RemoveAll(created)
			return core.ErrCanceled.Error()
		}
		f, err := disk.OpenBlockFile(sl.path, flags)
		if err != nil {
			s.closeSlots()
			disk.RemoveAll(created)
			return ioError("create", sl.path, err)
		}
		created = append(created, sl.path)
		sl.file, sl.state = f, slotOpen
	}
	return nil
}

// Len returns the logical length of the stream.
func (s *Stream) Len() int64 {
	return s.length
}

// Disks returns the number of slots.
func (s *Stream) Disks() int {
	return s.n
}

// Unavailable returns the slots that are not being read.
func (s *Stream) Unavailable() []int {
	var out []int
	for i, sl := range s.slots {
		if sl.state == slotUnavailable {
			out = append(out, i)
		}
	}
	return out
}

// Seek implements io.Seeker. Seeking is only allowed in read mode, and only to
// offsets within [0, Len()].
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.mode != ModeRead || s.closed {
		return s.pos, core.ErrInvalidArgument.Error()
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.pos
	case io.SeekEnd:
		offset += s.length
	default:
		return s.pos, core.ErrInvalidArgument.Error()
	}
	if offset < 0 || offset > s.length {
		return s.pos, fmt.Errorf("seek to %d of %d: %w", offset, s.length, core.ErrOutOfRange.Error())
	}
	s.pos = offset
	return offset, nil
}

// Read implements io.Reader using the context the stream was opened with.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(s.ctx, p)
}

// ReadContext reads up to len(p) bytes from the current position, one stripe
// row at a time. It returns io.EOF only when nothing is left to read.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (n int, err error) {
	if s.mode != ModeRead || s.closed {
		return 0, core.ErrInvalidArgument.Error()
	}
	if s.pos >= s.length {
		return 0, io.EOF
	}
	for n < len(p) && s.pos < s.length {
		row := s.pos / s.rowSize
		if err = s.loadRow(ctx, row); err != nil {
			return n, err
		}
		c := s.copyRow(p[n:], s.pos-row*s.rowSize, s.rowEnd(row))
		n += c
		s.pos += int64(c)
	}
	return n, nil
}

// CopyTo writes everything from the current position to the end of the
// stream into 'w', straight from the row buffers.
func (s *Stream) CopyTo(ctx context.Context, w io.Writer) (total int64, err error) {
	if s.mode != ModeRead || s.closed {
		return 0, core.ErrInvalidArgument.Error()
	}
	for s.pos < s.length {
		row := s.pos / s.rowSize
		if err = s.loadRow(ctx, row); err != nil {
			return total, err
		}
		end := s.rowEnd(row)
		off := s.pos - row*s.rowSize
		for off < end {
			u := off / int64(s.stripeSize)
			in := off - u*int64(s.stripeSize)
			stop := int64(s.stripeSize)
			if rest := end - u*int64(s.stripeSize); rest < stop {
				stop = rest
			}
			n, werr := w.Write(s.slots[s.rowSlots[u]].buf[in:stop])
			total += int64(n)
			s.pos += int64(n)
			off += int64(n)
			if werr != nil {
				return total, werr
			}
		}
	}
	return total, nil
}

// rowEnd is how many logical bytes of row 'row' exist.
func (s *Stream) rowEnd(row int64) int64 {
	if rest := s.length - row*s.rowSize; rest < s.rowSize {
		return rest
	}
	return s.rowSize
}

// copyRow copies bytes [off, end) of the loaded row into 'dst', as many as
// fit, and returns how many it copied.
func (s *Stream) copyRow(dst []byte, off, end int64) int {
	n := 0
	for off < end && n < len(dst) {
		u := off / int64(s.stripeSize)
		in := off - u*int64(s.stripeSize)
		stop := int64(s.stripeSize)
		if rest := end - u*int64(s.stripeSize); rest < stop {
			stop = rest
		}
		c := copy(dst[n:], s.slots[s.rowSlots[u]].buf[in:stop])
		n += c
		off += int64(c)
	}
	return n
}

// loadRow assembles row 'row' in the data slot buffers. If one slot is
// unavailable, or becomes unavailable while reading, its unit is rebuilt from
// the rest of the row. Two unavailable slots fail the row.
func (s *Stream) loadRow(ctx context.Context, row int64) (err error) {
	if row == s.loadedRow {
		return nil
	}
	if ctx.Err() != nil {
		return core.ErrCanceled.Error()
	}

	op := opm.Start("read_row")
	defer op.EndWithError(&err)

	s.loadedRow = -1
	ps := parity.Slot(s.n, row)
	s.rowSlots = parity.DataSlots(s.n, row, s.rowSlots)
	off := row * int64(s.stripeSize)

	// Each pass either assembles the row or loses at least one more slot, so
	// this ends.
	for {
		missing := -1
		down := 0
		for i, sl := range s.slots {
			if sl.state == slotUnavailable {
				down++
				if i != ps {
					missing = i
				}
			}
		}
		if down > 1 {
			log.Errorf("row %d: %d of %d slots unavailable", row, down, s.n)
			return fmt.Errorf("row %d: %w", row, core.ErrRedundancyExhausted.Error())
		}

		// Read data slots, plus parity when a data slot is missing.
		errs := make([]error, s.n)
		var g errgroup.Group
		for i := range s.slots {
			if i == missing || (i == ps && missing < 0) {
				continue
			}
			i := i
			g.Go(func() error {
				errs[i] = s.slots[i].readUnit(off)
				return nil
			})
		}
		g.Wait()

		if ctx.Err() != nil {
			return core.ErrCanceled.Error()
		}

		failed := false
		for i, e := range errs {
			if e != nil {
				log.Warningf("row %d: slot %d (%s) failed, treating as unavailable: %s", row, i, s.slots[i].path, e)
				s.slots[i].markUnavailable(e)
				failed = true
			}
		}
		if failed {
			continue
		}

		if missing >= 0 {
			s.rebuild(missing, ps)
		}
		s.loadedRow = row
		return nil
	}
}

// rebuild rebuilds the unit of slot 'missing' from parity and the other data
// units of the loaded row.
func (s *Stream) rebuild(missing, ps int) {
	op := opm.Start("recover")
	defer op.End()

	known := s.units[:0]
	for _, i := range s.rowSlots {
		if i != missing {
			known = append(known, s.slots[i].buf)
		}
	}
	parity.Recover(s.slots[missing].buf, s.slots[ps].buf, known...)
	degradedRows.Inc()
}

// WriteFrom appends everything read from 'r' to the stream, one stripe row at
// a time. Each row's N units are written concurrently, and the next row isn't
// started until they are all done. A partial final row is zero padded; once
// one is written the stream accepts nothing more.
func (s *Stream) WriteFrom(ctx context.Context, r io.Reader) (res core.WriteResult, err error) {
	if s.mode != ModeWrite || s.closed || s.sealed {
		return res, core.ErrInvalidArgument.Error()
	}
	row := Rows(s.length, s.n, s.stripeSize)
	for !s.sealed {
		if ctx.Err() != nil {
			return s.result(), core.ErrCanceled.Error()
		}
		got, eof, err := s.fillRow(r, row)
		if err != nil {
			return s.result(), err
		}
		if got == 0 {
			break
		}
		if err = s.writeRow(ctx, row); err != nil {
			return s.result(), err
		}
		s.length += int64(got)
		if eof {
			s.sealed = true
			break
		}
		row++
	}
	return s.result(), nil
}

// fillRow reads the data units of row 'row' from 'r' and computes parity. It
// returns the number of logical bytes in the row and whether 'r' is drained.
func (s *Stream) fillRow(r io.Reader, row int64) (got int, eof bool, err error) {
	ps := parity.Slot(s.n, row)
	s.rowSlots = parity.DataSlots(s.n, row, s.rowSlots)
	data := s.units[:0]
	for _, i := range s.rowSlots {
		buf := s.slots[i].buf
		data = append(data, buf)
		if eof {
			zero(buf)
			continue
		}
		n, rerr := io.ReadFull(r, buf)
		got += n
		s.hash.Write(buf[:n])
		switch rerr {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			zero(buf[n:])
			eof = true
		default:
			log.Errorf("failed to read input: %s", rerr)
			return got, eof, rerr
		}
	}
	parity.Compute(s.slots[ps].buf, data...)
	return got, eof, nil
}

// writeRow writes every slot buffer at row 'row'.
func (s *Stream) writeRow(ctx context.Context, row int64) (err error) {
	op := opm.Start("write_row")
	defer op.EndWithError(&err)

	// The input may have been slow enough for the caller to give up.
	if ctx.Err() != nil {
		return core.ErrCanceled.Error()
	}
	off := row * int64(s.stripeSize)
	var g errgroup.Group
	for _, sl := range s.slots {
		sl := sl
		g.Go(func() error { return sl.writeUnit(off) })
	}
	return g.Wait()
}

func (s *Stream) result() core.WriteResult {
	res := core.WriteResult{
		Total:    s.length,
		PerDisk:  make([]int64, s.n),
		Checksum: hex.EncodeToString(s.hash.Sum(nil)),
	}
	for i, sl := range s.slots {
		res.PerDisk[i] = sl.written
	}
	return res
}

// Close closes every block file (syncing them in write mode) and returns the
// stream's buffers. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	err := s.closeSlots()
	s.release()
	return err
}

// Discard closes a write mode stream and removes its block files. It's used
// when the file being written will never be recorded.
func (s *Stream) Discard() error {
	if s.mode != ModeWrite {
		return core.ErrInvalidArgument.Error()
	}
	s.Close()
	paths := make([]string, s.n)
	for i, sl := range s.slots {
		paths[i] = sl.path
	}
	disk.RemoveAll(paths)
	return nil
}

func (s *Stream) closeSlots() error {
	var errs []error
	for _, sl := range s.slots {
		if err := sl.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Stream) release() {
	for _, sl := range s.slots {
		if sl.bufp != nil {
			units.put(sl.bufp)
			sl.bufp, sl.buf = nil, nil
		}
	}
	s.loadedRow = -1
	s.closed = true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
