// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package metadata persists logical files and their block layouts.
//
// A logical file and its N data blocks are always inserted together in one
// transaction, so a file is either fully recorded or not at all. Logical
// paths and block paths are unique; blocks are also found by file id.
package metadata

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
)

// Store is what the array coordinator needs from a metadata backend. Keys
// passed to FindFile may be a logical path or a file id.
type Store interface {
	// CreateIndexes makes sure the uniqueness constraints on logical and block
	// paths, and the lookup by file id, exist. It is idempotent.
	CreateIndexes(ctx context.Context) error

	// InsertFile records 'file' and its blocks atomically. It fails with
	// core.ErrAlreadyExists if the logical path, the id or any block path is
	// taken.
	InsertFile(ctx context.Context, file *core.LogicalFile, blocks []core.DataBlock) error

	// FindFile returns the file with logical path or id 'key', or
	// core.ErrNotFound. A logical path wins over an id spelled the same.
	FindFile(ctx context.Context, key string) (*core.LogicalFile, error)

	// FindBlocks returns the blocks of a file in slot order.
	FindBlocks(ctx context.Context, fileID string) ([]core.DataBlock, error)

	// DeleteFile removes a file and its blocks.
	DeleteFile(ctx context.Context, fileID string) error

	// SetBlockStatus changes the status of the block stored at 'blockPath'.
	SetBlockStatus(ctx context.Context, blockPath string, status core.BlockStatus) error

	// UpdateBlock replaces the block with the same file id and slot. It's used
	// when a block is rebuilt at a new path.
	UpdateBlock(ctx context.Context, block core.DataBlock) error

	// ListFiles returns up to 'limit' files whose logical path starts with
	// 'prefix', ordered by path. A limit of zero means no limit.
	ListFiles(ctx context.Context, prefix string, limit int) ([]core.LogicalFile, error)

	// Close releases the backend.
	Close() error
}

// Backends that Open knows about.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendSqlite = "sqlite"
)

// Open opens the store of kind 'backend' at 'path'.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendBolt:
		return OpenBolt(path)
	case BackendBadger:
		return OpenBadger(path)
	case BackendSqlite:
		return OpenSqlite(path)
	}
	return nil, fmt.Errorf("unknown metadata backend %q: %w", backend, core.ErrConfiguration.Error())
}

// checkBatch verifies that 'blocks' is a complete layout for 'file'.
func checkBatch(file *core.LogicalFile, blocks []core.DataBlock) error {
	if file == nil || file.ID == "" || file.Path == "" {
		return fmt.Errorf("file needs an id and a path: %w", core.ErrInvalidArgument.Error())
	}
	if len(blocks) != file.Disks || file.Disks < core.MinDisks {
		return fmt.Errorf("%s: %d blocks for %d disks: %w",
			file.Path, len(blocks), file.Disks, core.ErrInvalidArgument.Error())
	}
	seen := make([]bool, len(blocks))
	paths := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		if err := checkBlockPath(b.Path); err != nil {
			return err
		}
		if b.FileID != file.ID || b.Slot < 0 || b.Slot >= len(blocks) || seen[b.Slot] || paths[b.Path] {
			return fmt.Errorf("%s: bad block %+v: %w", file.Path, b, core.ErrInvalidArgument.Error())
		}
		seen[b.Slot] = true
		paths[b.Path] = true
	}
	return nil
}

// checkBlockPath makes sure a block path is absolute and clean, so one
// physical file has one spelling.
func checkBlockPath(path string) error {
	if !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return fmt.Errorf("block path %q must be absolute and clean: %w", path, core.ErrInvalidArgument.Error())
	}
	return nil
}

func notFound(what, key string) error {
	return fmt.Errorf("%s %q: %w", what, key, core.ErrNotFound.Error())
}

func exists(what, key string) error {
	return fmt.Errorf("%s %q: %w", what, key, core.ErrAlreadyExists.Error())
}

// blockKey orders the blocks of one file by slot.
func blockKey(fileID string, slot int) string {
	return fmt.Sprintf("%s/%04d", fileID, slot)
}
