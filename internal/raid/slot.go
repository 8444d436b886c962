// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/pkg/disk"
)

// slotState is the state of one disk of a stream. Every row operation
// switches on it.
type slotState int

const (
	slotOpen slotState = iota
	slotUnavailable
)

// errShortRead is recorded when a block file ends inside a row that the
// logical length says must be there.
var errShortRead = errors.New("block file is truncated")

// slot is one disk of a stream.
type slot struct {
	state slotState
	path  string

	// Valid only in slotOpen.
	file *disk.BlockFile

	// Why the slot is unavailable, for logging.
	reason error

	// One stripe unit of scratch, owned by the stream.
	bufp *[]byte
	buf  []byte

	// Physical bytes written, write mode only.
	written int64
}

// markUnavailable closes the slot's file, if any, and stops using it.
func (s *slot) markUnavailable(reason error) {
	if s.state == slotOpen {
		if err := s.file.Close(); err != nil {
			log.Errorf("%s: close failed: %s", s.path, err)
		}
		s.file = nil
		unavailableSlots.Inc()
	}
	s.state = slotUnavailable
	s.reason = reason
}

// readUnit reads the stripe unit at 'off' into the slot buffer. Any failure,
// including a short read, means the slot can't be trusted.
func (s *slot) readUnit(off int64) error {
	switch s.state {
	case slotOpen:
		n, err := s.file.ReadAt(s.buf, off)
		if n == len(s.buf) {
			return nil
		}
		if err == nil || err == io.EOF {
			err = errShortRead
		}
		return err
	case slotUnavailable:
		return core.ErrDiskUnavailable.Error()
	}
	panic("unknown slot state")
}

// writeUnit writes the slot buffer at 'off'.
func (s *slot) writeUnit(off int64) error {
	switch s.state {
	case slotOpen:
		if _, err := s.file.WriteAt(s.buf, off); err != nil {
			return ioError("write", s.path, err)
		}
		s.written += int64(len(s.buf))
		return nil
	case slotUnavailable:
		return core.ErrDiskUnavailable.Error()
	}
	panic("unknown slot state")
}

// close syncs (in write mode) and closes the slot's file.
func (s *slot) close() error {
	switch s.state {
	case slotOpen:
		err := s.file.Close()
		s.file = nil
		s.state = slotUnavailable
		s.reason = errClosed
		if err != nil {
			return ioError("close", s.path, err)
		}
	case slotUnavailable:
	}
	return nil
}

var errClosed = errors.New("stream closed")

// ioError logs an OS level error and turns it into a core error, keeping the
// original text.
func ioError(op, path string, err error) error {
	log.Errorf("%s %s: %s", op, path, err)
	if os.IsExist(err) {
		return fmt.Errorf("%s %s: %w", op, path, core.ErrAlreadyExists.Error())
	}
	return fmt.Errorf("%s %s: %v: %w", op, path, err, core.ErrIO.Error())
}
