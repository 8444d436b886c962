// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package array

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/internal/metadata"
)

// Config encapsulates parameters for the array coordinator.
type Config struct {
	// --- Disks ---
	DiskRoots  []string // One directory per disk. At least three.
	StripeSize int      // Bytes per stripe unit for new files.
	DropCache  bool     // Whether to attempt to keep data out of buffer cache.
	// We warn when the available space on a disk is found to be below this
	// value (in bytes) at initialization.
	DiskLowThreshold uint64

	// --- Metadata ---
	MetadataBackend string // One of metadata.Backend*.
	MetadataPath    string // File or directory of the metadata store.
	// Metadata mutations are rejected with ErrTooBusy above this many in flight.
	MaxPendingMeta int
	// How many file layouts to keep cached.
	LayoutCacheSize int

	// --- Scrubbing ---
	ScrubRate     uint64        // How many bytes per second for data scrubbing.
	ScrubInterval time.Duration // Pause between background scrub passes. 0 disables them.

	// Snowflake node number for file ids.
	NodeID int64
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if len(c.DiskRoots) < core.MinDisks {
		return fmt.Errorf("need at least %d disk roots, have %d: %w",
			core.MinDisks, len(c.DiskRoots), core.ErrConfiguration.Error())
	}
	if _, err := absRoots(c.DiskRoots); err != nil {
		return err
	}
	if c.StripeSize <= 0 {
		return fmt.Errorf("StripeSize must be positive: %w", core.ErrConfiguration.Error())
	}
	if c.MaxPendingMeta <= 0 {
		return fmt.Errorf("MaxPendingMeta must be positive: %w", core.ErrConfiguration.Error())
	}
	if c.NodeID < 0 || c.NodeID > maxNodeID {
		return fmt.Errorf("NodeID must be in [0, %d]: %w", maxNodeID, core.ErrConfiguration.Error())
	}
	switch c.MetadataBackend {
	case metadata.BackendBolt, metadata.BackendBadger, metadata.BackendSqlite:
	default:
		return fmt.Errorf("unknown metadata backend %q: %w", c.MetadataBackend, core.ErrConfiguration.Error())
	}
	return nil
}

// Snowflake ids have 10 bits of node number.
const maxNodeID = 1023

// absRoots resolves the disk roots against the working directory. Block paths
// are recorded under these, so they have to mean the same thing from
// anywhere. The same disk given twice is an error however it is spelled.
func absRoots(roots []string) ([]string, error) {
	out := make([]string, len(roots))
	seen := make(map[string]bool)
	for i, r := range roots {
		if r == "" {
			return nil, fmt.Errorf("empty disk root: %w", core.ErrConfiguration.Error())
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("disk root %s: %s: %w", r, err, core.ErrConfiguration.Error())
		}
		if seen[abs] {
			return nil, fmt.Errorf("disk root %s listed twice: %w", abs, core.ErrConfiguration.Error())
		}
		seen[abs] = true
		out[i] = abs
	}
	return out, nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production. Disk roots and the metadata path have to be filled in.
var DefaultProdConfig = Config{
	StripeSize:       64 * 1024,
	DropCache:        true,
	DiskLowThreshold: 1024 * 1024 * 1024,

	MetadataBackend: metadata.BackendBolt,
	MaxPendingMeta:  64,
	LayoutCacheSize: 10000,

	// Assuming 4TB per disk, this rate will let us read all our data once every 15.4 days.
	ScrubRate:     3 * 1000 * 1000,
	ScrubInterval: 24 * time.Hour,

	NodeID: 1,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	StripeSize:       64,
	DropCache:        false,
	DiskLowThreshold: 0,

	MetadataBackend: metadata.BackendBolt,
	MaxPendingMeta:  1000,
	LayoutCacheSize: 100,

	// No background scrubbing; tests call Scrub directly.
	ScrubRate:     0,
	ScrubInterval: 0,

	NodeID: 1,
}
