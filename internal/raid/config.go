// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"fmt"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
)

// Mode says whether a Stream reads an existing file or writes a new one.
type Mode int

const (
	// ModeRead opens existing block files. Missing ones are tolerated.
	ModeRead Mode = iota
	// ModeWrite creates fresh block files. All of them must be created.
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Config describes the stream to open.
type Config struct {
	// Block file paths in slot order. In read mode an empty path marks a
	// slot that must not be read.
	Paths []string

	// Bytes per stripe unit.
	StripeSize int

	// Logical length of the file. Only used in read mode.
	Length int64

	Mode Mode

	// Ask the kernel to drop cached block data on close. Useful for scrubbing
	// and bulk copies that shouldn't push out hot data.
	DropCache bool
}

// Validate checks that the config describes a usable array.
func (c Config) Validate() error {
	if len(c.Paths) < core.MinDisks {
		return fmt.Errorf("%w: need at least %d disks, have %d",
			core.ErrConfiguration.Error(), core.MinDisks, len(c.Paths))
	}
	if c.StripeSize <= 0 {
		return fmt.Errorf("%w: stripe size must be positive, got %d",
			core.ErrConfiguration.Error(), c.StripeSize)
	}
	if c.Length < 0 {
		return fmt.Errorf("%w: negative length %d", core.ErrInvalidArgument.Error(), c.Length)
	}
	if c.Mode != ModeRead && c.Mode != ModeWrite {
		return fmt.Errorf("%w: bad mode %s", core.ErrInvalidArgument.Error(), c.Mode)
	}
	if c.Mode == ModeWrite {
		for i, p := range c.Paths {
			if p == "" {
				return fmt.Errorf("%w: empty path for slot %d", core.ErrConfiguration.Error(), i)
			}
		}
	}
	return nil
}

// RowSize is the number of logical bytes held by one stripe row of an array
// of 'disks' disks.
func RowSize(disks, stripeSize int) int64 {
	return int64(disks-1) * int64(stripeSize)
}

// Rows is the number of stripe rows needed to hold 'length' logical bytes.
func Rows(length int64, disks, stripeSize int) int64 {
	rs := RowSize(disks, stripeSize)
	return (length + rs - 1) / rs
}
