// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package metadata

import (
	"context"
	"database/sql"
	"errors"
	"time"

	log "github.com/golang/glog"
	"github.com/mattn/go-sqlite3"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
)

// Tables are created when the store is opened; the uniqueness and lookup
// indexes by CreateIndexes.
//
// Due to a bug in early version of sqlite, a non-integer primary key can be
// null. So we need to set it to be not null explicitly here.
// (see https://www.sqlite.org/lang_createtable.html#rowid).
var sqliteTables = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id TEXT NOT NULL PRIMARY KEY,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		stripe_size INTEGER NOT NULL,
		disks INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		created INTEGER NOT NULL,
		modified INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		file_id TEXT NOT NULL,
		slot INTEGER NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		status INTEGER NOT NULL,
		PRIMARY KEY (file_id, slot))`,
}

var sqliteIndexes = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS files_path ON files (path)",
	"CREATE UNIQUE INDEX IF NOT EXISTS blocks_path ON blocks (path)",
	"CREATE INDEX IF NOT EXISTS blocks_file_id ON blocks (file_id)",
}

const fileColumns = "id, path, size, stripe_size, disks, checksum, created, modified"

// SqliteStore is a Store in a sqlite database.
type SqliteStore struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements.
	insertFileStmt, insertBlockStmt, fileByIDStmt, fileByPathStmt, blocksStmt *sql.Stmt
}

// OpenSqlite opens or creates a sqlite database backed by the file at 'path'.
func OpenSqlite(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Errorf("failed to open the db backed by %s: %s", path, err)
		return nil, err
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteTables {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			log.Errorf("failed to create table: %s", err)
			return nil, err
		}
	}

	s := &SqliteStore{db: db}
	for _, p := range []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&s.insertFileStmt, "INSERT INTO files (" + fileColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"},
		{&s.insertBlockStmt, "INSERT INTO blocks (file_id, slot, path, size, status) VALUES (?, ?, ?, ?, ?)"},
		{&s.fileByIDStmt, "SELECT " + fileColumns + " FROM files WHERE id=?"},
		{&s.fileByPathStmt, "SELECT " + fileColumns + " FROM files WHERE path=?"},
		{&s.blocksStmt, "SELECT file_id, slot, path, size, status FROM blocks WHERE file_id=? ORDER BY slot"},
	} {
		if *p.stmt, err = db.Prepare(p.sql); err != nil {
			db.Close()
			log.Errorf("failed to prepare %q: %s", p.sql, err)
			return nil, err
		}
	}
	return s, nil
}

// CreateIndexes implements Store.
func (s *SqliteStore) CreateIndexes(ctx context.Context) error {
	for _, stmt := range sqliteIndexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			log.Errorf("failed to create index: %s", err)
			return err
		}
	}
	return nil
}

// sqliteError turns constraint violations into ErrAlreadyExists.
func sqliteError(what, key string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) &&
		(serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return exists(what, key)
	}
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row scanner) (*core.LogicalFile, error) {
	var f core.LogicalFile
	var created, modified int64
	if err := row.Scan(&f.ID, &f.Path, &f.Size, &f.StripeSize, &f.Disks, &f.Checksum, &created, &modified); err != nil {
		return nil, err
	}
	f.Created, f.Modified = time.Unix(0, created), time.Unix(0, modified)
	return &f, nil
}

// InsertFile implements Store.
func (s *SqliteStore) InsertFile(ctx context.Context, file *core.LogicalFile, blocks []core.DataBlock) (err error) {
	if err := checkBatch(file, blocks); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// The unique indexes catch these too, but only once CreateIndexes ran.
	var n int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM files WHERE path=? OR id=?", file.Path, file.ID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return exists("file", file.Path)
	}

	if _, err = tx.StmtContext(ctx, s.insertFileStmt).ExecContext(ctx, file.ID, file.Path, file.Size, file.StripeSize,
		file.Disks, file.Checksum, file.Created.UnixNano(), file.Modified.UnixNano()); err != nil {
		return sqliteError("file", file.Path, err)
	}
	insert := tx.StmtContext(ctx, s.insertBlockStmt)
	for _, b := range blocks {
		if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks WHERE path=?", b.Path).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return exists("block", b.Path)
		}
		if _, err = insert.ExecContext(ctx, b.FileID, b.Slot, b.Path, b.Size, int(b.Status)); err != nil {
			return sqliteError("block", b.Path, err)
		}
	}
	return tx.Commit()
}

// FindFile implements Store.
func (s *SqliteStore) FindFile(ctx context.Context, key string) (*core.LogicalFile, error) {
	f, err := scanFile(s.fileByPathStmt.QueryRowContext(ctx, key))
	if err == sql.ErrNoRows {
		f, err = scanFile(s.fileByIDStmt.QueryRowContext(ctx, key))
	}
	if err == sql.ErrNoRows {
		return nil, notFound("file", key)
	}
	return f, err
}

// FindBlocks implements Store.
func (s *SqliteStore) FindBlocks(ctx context.Context, fileID string) ([]core.DataBlock, error) {
	rows, err := s.blocksStmt.QueryContext(ctx, fileID)
	if err != nil {
		log.Errorf("failed to select blocks of %s: %s", fileID, err)
		return nil, err
	}
	defer rows.Close()

	var out []core.DataBlock
	for rows.Next() {
		var b core.DataBlock
		var status int
		if err := rows.Scan(&b.FileID, &b.Slot, &b.Path, &b.Size, &status); err != nil {
			return nil, err
		}
		b.Status = core.BlockStatus(status)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		log.Errorf("error in iterating through rows: %s", err)
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("blocks of", fileID)
	}
	return out, nil
}

// DeleteFile implements Store.
func (s *SqliteStore) DeleteFile(ctx context.Context, fileID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id=?", fileID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return notFound("file id", fileID)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM blocks WHERE file_id=?", fileID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetBlockStatus implements Store.
func (s *SqliteStore) SetBlockStatus(ctx context.Context, blockPath string, status core.BlockStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE blocks SET status=? WHERE path=?", int(status), blockPath)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return notFound("block", blockPath)
	}
	return nil
}

// UpdateBlock implements Store.
func (s *SqliteStore) UpdateBlock(ctx context.Context, block core.DataBlock) (err error) {
	if err := checkBlockPath(block.Path); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	var n int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks WHERE path=? AND NOT (file_id=? AND slot=?)",
		block.Path, block.FileID, block.Slot).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return exists("block", block.Path)
	}
	res, err := tx.ExecContext(ctx, "UPDATE blocks SET path=?, size=?, status=? WHERE file_id=? AND slot=?",
		block.Path, block.Size, int(block.Status), block.FileID, block.Slot)
	if err != nil {
		return sqliteError("block", block.Path, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return notFound("block", blockKey(block.FileID, block.Slot))
	}
	return tx.Commit()
}

// ListFiles implements Store.
func (s *SqliteStore) ListFiles(ctx context.Context, prefix string, limit int) ([]core.LogicalFile, error) {
	q := "SELECT " + fileColumns + " FROM files WHERE instr(path, ?) = 1 ORDER BY path"
	args := []interface{}{prefix}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.LogicalFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SqliteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.insertFileStmt, s.insertBlockStmt, s.fileByIDStmt, s.fileByPathStmt, s.blocksStmt} {
		stmt.Close()
	}
	return s.db.Close()
}
