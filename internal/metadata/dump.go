// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package metadata

import (
	"context"
	"encoding/json"
	"io"

	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
)

// record is one line of a dump: a file and its blocks.
type record struct {
	File   core.LogicalFile `json:"file"`
	Blocks []core.DataBlock `json:"blocks"`
}

// Dump writes every file in 's' to 'w' as snappy framed JSON lines, one file
// with its blocks per line. It returns the number of files written.
func Dump(ctx context.Context, s Store, w io.Writer) (int, error) {
	files, err := s.ListFiles(ctx, "", 0)
	if err != nil {
		return 0, err
	}
	sw := snappy.NewBufferedWriter(w)
	enc := json.NewEncoder(sw)
	n := 0
	for i := range files {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		blocks, err := s.FindBlocks(ctx, files[i].ID)
		if err != nil {
			log.Errorf("dump: failed to get blocks of %s: %s", files[i].Path, err)
			return n, err
		}
		if err := enc.Encode(record{File: files[i], Blocks: blocks}); err != nil {
			return n, err
		}
		n++
	}
	return n, sw.Close()
}

// Load inserts every file of a dump read from 'r' into 's'. Files that are
// already present are skipped. It returns the number of files inserted.
func Load(ctx context.Context, s Store, r io.Reader) (int, error) {
	dec := json.NewDecoder(snappy.NewReader(r))
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var rec record
		if err := dec.Decode(&rec); err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, err
		}
		if err := s.InsertFile(ctx, &rec.File, rec.Blocks); err != nil {
			if core.ErrAlreadyExists.Is(err) {
				log.Infof("load: %s is already present, skipping", rec.File.Path)
				continue
			}
			return n, err
		}
		n++
	}
}
