// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package disk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/westerndigitalcorporation/raidblob/pkg/testutil"
)

// Test that a created block file makes its parents and round trips data at
// unit offsets.
func TestBlockFileReadWrite(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "2018", "07", "02", "abc.0.blk")

	f, err := OpenBlockFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY)
	if err != nil {
		t.Fatalf("failed to create: %s", err)
	}
	units := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")}
	for i, u := range units {
		if _, err := f.WriteAt(u, int64(i*4)); err != nil {
			t.Fatalf("failed to write unit %d: %s", i, err)
		}
	}
	if size, err := f.Size(); err != nil || size != 12 {
		t.Fatalf("unexpected size %d, err %v", size, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close: %s", err)
	}

	f, err = OpenBlockFile(path, os.O_RDONLY|O_DROPCACHE)
	if err != nil {
		t.Fatalf("failed to open: %s", err)
	}
	defer f.Close()
	b := make([]byte, 4)
	for i := len(units) - 1; i >= 0; i-- {
		if _, err := f.ReadAt(b, int64(i*4)); err != nil {
			t.Fatalf("failed to read unit %d: %s", i, err)
		}
		if !bytes.Equal(b, units[i]) {
			t.Fatalf("unit %d: got %q want %q", i, b, units[i])
		}
	}
	if f.Path() != path {
		t.Fatalf("wrong path %q", f.Path())
	}
}

// Exclusive create must fail on an existing file.
func TestBlockFileExclusive(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "x.blk")
	f, err := OpenBlockFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR)
	if err != nil {
		t.Fatalf("failed to create: %s", err)
	}
	f.Close()
	if _, err := OpenBlockFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR); !os.IsExist(err) {
		t.Fatalf("expected exist error, got %v", err)
	}
}

func TestBlockFileBadFlags(t *testing.T) {
	if _, err := OpenBlockFile("/nonexistent", os.O_APPEND); err != ErrInvalidFlag {
		t.Fatalf("expected ErrInvalidFlag, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "x.blk")
	f, err := OpenBlockFile(path, os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("failed to create: %s", err)
	}
	f.Close()

	if err := Remove(path); err != nil {
		t.Fatalf("failed to remove: %s", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still there: %v", err)
	}
	// Gone already is fine.
	if err := Remove(path); err != nil {
		t.Fatalf("second remove failed: %s", err)
	}
}

func TestRename(t *testing.T) {
	dir := testutil.TempDir(t)
	from, to := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	if err := os.WriteFile(from, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Rename(from, to); err != nil {
		t.Fatalf("failed to rename: %s", err)
	}
	if _, err := os.Stat(to); err != nil {
		t.Fatalf("renamed file missing: %s", err)
	}
}

func TestFileSystemUsage(t *testing.T) {
	u, err := FileSystemUsage(testutil.TempDir(t))
	if err != nil {
		t.Fatalf("failed to get usage: %s", err)
	}
	if u.Total == 0 || u.Avail > u.Total {
		t.Fatalf("odd usage %+v", u)
	}
	if f := u.Free(); f < 0 || f > 1 {
		t.Fatalf("free fraction out of range: %f", f)
	}
}
