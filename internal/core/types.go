// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"time"
)

// MinDisks is the smallest array we support: two data disks and one parity.
const MinDisks = 3

// BlockStatus is the health of one physical block file as recorded in
// metadata. It is changed by scrubbing, repair or an external health monitor,
// and consulted only when a file is opened for reading.
type BlockStatus int

const (
	// BlockNormal means the block file is expected to be readable.
	BlockNormal BlockStatus = iota
	// BlockUnavailable means the block file must not be read.
	BlockUnavailable
)

func (s BlockStatus) String() string {
	switch s {
	case BlockNormal:
		return "Normal"
	case BlockUnavailable:
		return "Unavailable"
	}
	return fmt.Sprintf("BlockStatus(%d)", int(s))
}

// LogicalFile is one stored object. It exists only after all of its data has
// been striped to disk.
type LogicalFile struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`        // Caller supplied, unique.
	Size       int64     `json:"size"`        // Logical length in bytes.
	StripeSize int       `json:"stripe_size"` // Bytes per stripe unit, fixed at creation.
	Disks      int       `json:"disks"`       // Number of block files.
	Checksum   string    `json:"checksum,omitempty"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
}

// DataBlock is one disk's slot of a LogicalFile.
type DataBlock struct {
	FileID string      `json:"file_id"`
	Path   string      `json:"path"` // Absolute, unique across all blocks.
	Slot   int         `json:"slot"`
	Size   int64       `json:"size"`
	Status BlockStatus `json:"status"`
}

// BlockLayout is what a reader needs to open a stream over a logical file.
// Paths are in slot order; a slot that must not be read has an empty path.
type BlockLayout struct {
	FileID     string
	Path       string
	Paths      []string
	StripeSize int
	Size       int64
	Checksum   string
	Modified   time.Time
}

// WriteResult is what a completed write produced.
type WriteResult struct {
	Total    int64   // Logical bytes consumed from the input.
	PerDisk  []int64 // Physical bytes written to each slot, padding included.
	Checksum string  // Hex sha256 of the logical bytes.
}
