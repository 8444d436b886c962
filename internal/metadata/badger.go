// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/pkg/retry"
)

// Key prefixes. Records and their indexes share one keyspace.
const (
	fileKeyPrefix      = "file:"      // id -> LogicalFile
	pathKeyPrefix      = "path:"      // logical path -> id
	blockKeyPrefix     = "block:"     // blockKey -> DataBlock
	blockPathKeyPrefix = "blockpath:" // block path -> blockKey
	schemaKey          = "meta:schema"
)

const schemaVersion = "1"

// BadgerStore is a Store in a badger LSM tree.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens or creates a badger database in directory 'path'.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	// Small values, many keys.
	opts.Compression = options.Snappy
	opts.ValueThreshold = 1024
	opts.NumMemtables = 2
	opts.NumLevelZeroTables = 2

	db, err := badger.Open(opts)
	if err != nil {
		log.Errorf("failed to open badger db %s: %s", path, err)
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// CreateIndexes implements Store. Index keys are written with the records, so
// this only stamps the schema version.
func (s *BadgerStore) CreateIndexes(ctx context.Context) error {
	return s.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if err == nil {
			return item.Value(func(v []byte) error {
				if string(v) != schemaVersion {
					return fmt.Errorf("schema version %s, want %s: %w", v, schemaVersion, core.ErrConfiguration.Error())
				}
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set([]byte(schemaKey), []byte(schemaVersion))
	})
}

// conflictRetrier reruns transactions that lost a conflict.
var conflictRetrier = retry.Retrier{
	MinSleep:    time.Millisecond,
	MaxSleep:    50 * time.Millisecond,
	MaxAttempts: 5,
	Retriable:   core.IsRetriableError,
}

// update runs 'fn' in a read-write transaction. A conflict with a concurrent
// transaction is retried a few times, then reported as ErrTooBusy.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	return conflictRetrier.Do(context.Background(), func(int) error {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%s: %w", err, core.ErrTooBusy.Error())
		}
		return err
	})
}

func has(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

func getJSON(txn *badger.Txn, key string, out interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

// findFile finds a file by logical path, or failing that by id.
func findFile(txn *badger.Txn, key string) (*core.LogicalFile, error) {
	var f core.LogicalFile
	id, err := getString(txn, pathKeyPrefix+key)
	if err == badger.ErrKeyNotFound {
		id, err = key, nil
	}
	if err == nil {
		err = getJSON(txn, fileKeyPrefix+id, &f)
	}
	if err == badger.ErrKeyNotFound {
		return nil, notFound("file", key)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func putBlock(txn *badger.Txn, b core.DataBlock) error {
	key := blockKey(b.FileID, b.Slot)
	if err := setJSON(txn, blockKeyPrefix+key, b); err != nil {
		return err
	}
	return txn.Set([]byte(blockPathKeyPrefix+b.Path), []byte(key))
}

func findBlocks(txn *badger.Txn, fileID string) ([]core.DataBlock, error) {
	var out []core.DataBlock
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(blockKeyPrefix + fileID + "/")
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var b core.DataBlock
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &b)
		}); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// InsertFile implements Store.
func (s *BadgerStore) InsertFile(ctx context.Context, file *core.LogicalFile, blocks []core.DataBlock) error {
	if err := checkBatch(file, blocks); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		if ok, err := has(txn, pathKeyPrefix+file.Path); err != nil || ok {
			if ok {
				return exists("file", file.Path)
			}
			return err
		}
		if ok, err := has(txn, fileKeyPrefix+file.ID); err != nil || ok {
			if ok {
				return exists("file id", file.ID)
			}
			return err
		}
		for _, b := range blocks {
			if ok, err := has(txn, blockPathKeyPrefix+b.Path); err != nil || ok {
				if ok {
					return exists("block", b.Path)
				}
				return err
			}
		}

		if err := setJSON(txn, fileKeyPrefix+file.ID, file); err != nil {
			return err
		}
		if err := txn.Set([]byte(pathKeyPrefix+file.Path), []byte(file.ID)); err != nil {
			return err
		}
		for _, b := range blocks {
			if err := putBlock(txn, b); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindFile implements Store.
func (s *BadgerStore) FindFile(ctx context.Context, key string) (f *core.LogicalFile, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		f, err = findFile(txn, key)
		return err
	})
	return f, err
}

// FindBlocks implements Store.
func (s *BadgerStore) FindBlocks(ctx context.Context, fileID string) (out []core.DataBlock, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		out, err = findBlocks(txn, fileID)
		return err
	})
	if err == nil && len(out) == 0 {
		err = notFound("blocks of", fileID)
	}
	return out, err
}

// DeleteFile implements Store.
func (s *BadgerStore) DeleteFile(ctx context.Context, fileID string) error {
	return s.update(func(txn *badger.Txn) error {
		var f core.LogicalFile
		if err := getJSON(txn, fileKeyPrefix+fileID, &f); err != nil {
			if err == badger.ErrKeyNotFound {
				return notFound("file id", fileID)
			}
			return err
		}
		blocks, err := findBlocks(txn, fileID)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if err := txn.Delete([]byte(blockKeyPrefix + blockKey(b.FileID, b.Slot))); err != nil {
				return err
			}
			if err := txn.Delete([]byte(blockPathKeyPrefix + b.Path)); err != nil {
				return err
			}
		}
		if err := txn.Delete([]byte(pathKeyPrefix + f.Path)); err != nil {
			return err
		}
		return txn.Delete([]byte(fileKeyPrefix + fileID))
	})
}

// SetBlockStatus implements Store.
func (s *BadgerStore) SetBlockStatus(ctx context.Context, blockPath string, status core.BlockStatus) error {
	return s.update(func(txn *badger.Txn) error {
		key, err := getString(txn, blockPathKeyPrefix+blockPath)
		if err == badger.ErrKeyNotFound {
			return notFound("block", blockPath)
		} else if err != nil {
			return err
		}
		var b core.DataBlock
		if err := getJSON(txn, blockKeyPrefix+key, &b); err != nil {
			return err
		}
		b.Status = status
		return putBlock(txn, b)
	})
}

// UpdateBlock implements Store.
func (s *BadgerStore) UpdateBlock(ctx context.Context, block core.DataBlock) error {
	if err := checkBlockPath(block.Path); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		var old core.DataBlock
		err := getJSON(txn, blockKeyPrefix+blockKey(block.FileID, block.Slot), &old)
		if err == badger.ErrKeyNotFound {
			return notFound("block", blockKey(block.FileID, block.Slot))
		} else if err != nil {
			return err
		}
		if old.Path != block.Path {
			if ok, err := has(txn, blockPathKeyPrefix+block.Path); err != nil || ok {
				if ok {
					return exists("block", block.Path)
				}
				return err
			}
			if err := txn.Delete([]byte(blockPathKeyPrefix + old.Path)); err != nil {
				return err
			}
		}
		return putBlock(txn, block)
	})
}

// ListFiles implements Store.
func (s *BadgerStore) ListFiles(ctx context.Context, prefix string, limit int) (out []core.LogicalFile, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pathKeyPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			f, err := findFile(txn, string(id))
			if err != nil {
				return err
			}
			out = append(out, *f)
		}
		return nil
	})
	return out, err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
