// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
)

var (
	filesBucket      = []byte("files")      // id -> LogicalFile
	pathsBucket      = []byte("paths")      // logical path -> id
	blocksBucket     = []byte("blocks")     // blockKey -> DataBlock
	blockPathsBucket = []byte("blockpaths") // block path -> blockKey

	allBuckets = [][]byte{filesBucket, pathsBucket, blocksBucket, blockPathsBucket}

	errNoIndexes = fmt.Errorf("indexes were not created: %w", core.ErrConfiguration.Error())
)

// BoltStore is a Store in a single bolt file. Uniqueness is kept by index
// buckets updated in the same transaction as the records.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bolt database at 'path'.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, os.FileMode(0600), &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Errorf("failed to open bolt db %s: %s", path, err)
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// CreateIndexes implements Store.
func (s *BoltStore) CreateIndexes(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				log.Errorf("failed to create bucket %s: %s", b, err)
				return err
			}
		}
		return nil
	})
}

// boltTx gives typed access to the buckets of one transaction.
type boltTx struct {
	files, paths, blocks, blockPaths *bolt.Bucket
}

func buckets(tx *bolt.Tx) (*boltTx, error) {
	t := &boltTx{
		files:      tx.Bucket(filesBucket),
		paths:      tx.Bucket(pathsBucket),
		blocks:     tx.Bucket(blocksBucket),
		blockPaths: tx.Bucket(blockPathsBucket),
	}
	if t.files == nil || t.paths == nil || t.blocks == nil || t.blockPaths == nil {
		return nil, errNoIndexes
	}
	return t, nil
}

// file finds a file by logical path, or failing that by id.
func (t *boltTx) file(key string) (*core.LogicalFile, error) {
	var v []byte
	if id := t.paths.Get([]byte(key)); id != nil {
		v = t.files.Get(id)
	} else {
		v = t.files.Get([]byte(key))
	}
	if v == nil {
		return nil, notFound("file", key)
	}
	var f core.LogicalFile
	if err := json.Unmarshal(v, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *boltTx) putBlock(b core.DataBlock) error {
	v, err := json.Marshal(b)
	if err != nil {
		return err
	}
	key := []byte(blockKey(b.FileID, b.Slot))
	if err := t.blocks.Put(key, v); err != nil {
		return err
	}
	return t.blockPaths.Put([]byte(b.Path), key)
}

func (t *boltTx) block(key []byte) (core.DataBlock, error) {
	var b core.DataBlock
	v := t.blocks.Get(key)
	if v == nil {
		return b, notFound("block", string(key))
	}
	err := json.Unmarshal(v, &b)
	return b, err
}

// InsertFile implements Store.
func (s *BoltStore) InsertFile(ctx context.Context, file *core.LogicalFile, blocks []core.DataBlock) error {
	if err := checkBatch(file, blocks); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := buckets(tx)
		if err != nil {
			return err
		}
		if t.paths.Get([]byte(file.Path)) != nil {
			return exists("file", file.Path)
		}
		if t.files.Get([]byte(file.ID)) != nil {
			return exists("file id", file.ID)
		}
		for _, b := range blocks {
			if t.blockPaths.Get([]byte(b.Path)) != nil {
				return exists("block", b.Path)
			}
		}

		v, err := json.Marshal(file)
		if err != nil {
			return err
		}
		if err := t.files.Put([]byte(file.ID), v); err != nil {
			return err
		}
		if err := t.paths.Put([]byte(file.Path), []byte(file.ID)); err != nil {
			return err
		}
		for _, b := range blocks {
			if err := t.putBlock(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindFile implements Store.
func (s *BoltStore) FindFile(ctx context.Context, key string) (f *core.LogicalFile, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		t, err := buckets(tx)
		if err != nil {
			return err
		}
		f, err = t.file(key)
		return err
	})
	return f, err
}

// FindBlocks implements Store.
func (s *BoltStore) FindBlocks(ctx context.Context, fileID string) (out []core.DataBlock, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		t, err := buckets(tx)
		if err != nil {
			return err
		}
		prefix := []byte(fileID + "/")
		c := t.blocks.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var b core.DataBlock
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	if err == nil && len(out) == 0 {
		err = notFound("blocks of", fileID)
	}
	return out, err
}

// DeleteFile implements Store.
func (s *BoltStore) DeleteFile(ctx context.Context, fileID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := buckets(tx)
		if err != nil {
			return err
		}
		v := t.files.Get([]byte(fileID))
		if v == nil {
			return notFound("file id", fileID)
		}
		var f core.LogicalFile
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}

		// Collect first; deleting under a cursor skips keys.
		prefix := []byte(fileID + "/")
		var keys [][]byte
		var paths []string
		c := t.blocks.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var b core.DataBlock
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			keys = append(keys, append([]byte(nil), k...))
			paths = append(paths, b.Path)
		}
		for i := range keys {
			if err := t.blocks.Delete(keys[i]); err != nil {
				return err
			}
			if err := t.blockPaths.Delete([]byte(paths[i])); err != nil {
				return err
			}
		}
		if err := t.paths.Delete([]byte(f.Path)); err != nil {
			return err
		}
		return t.files.Delete([]byte(fileID))
	})
}

// SetBlockStatus implements Store.
func (s *BoltStore) SetBlockStatus(ctx context.Context, blockPath string, status core.BlockStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := buckets(tx)
		if err != nil {
			return err
		}
		key := t.blockPaths.Get([]byte(blockPath))
		if key == nil {
			return notFound("block", blockPath)
		}
		b, err := t.block(key)
		if err != nil {
			return err
		}
		b.Status = status
		return t.putBlock(b)
	})
}

// UpdateBlock implements Store.
func (s *BoltStore) UpdateBlock(ctx context.Context, block core.DataBlock) error {
	if err := checkBlockPath(block.Path); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := buckets(tx)
		if err != nil {
			return err
		}
		key := []byte(blockKey(block.FileID, block.Slot))
		old, err := t.block(key)
		if err != nil {
			return err
		}
		if old.Path != block.Path {
			if t.blockPaths.Get([]byte(block.Path)) != nil {
				return exists("block", block.Path)
			}
			if err := t.blockPaths.Delete([]byte(old.Path)); err != nil {
				return err
			}
		}
		return t.putBlock(block)
	})
}

// ListFiles implements Store.
func (s *BoltStore) ListFiles(ctx context.Context, prefix string, limit int) (out []core.LogicalFile, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		t, err := buckets(tx)
		if err != nil {
			return err
		}
		p := []byte(prefix)
		c := t.paths.Cursor()
		for k, id := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, id = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			f, err := t.file(string(id))
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
func (s *BoltStore) Close() error {
	return s.db.Close()
}
