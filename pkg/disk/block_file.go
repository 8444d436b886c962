// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// A BlockFile is one disk's share of a striped logical file: a plain file
// addressed in stripe units. Its bytes on disk are exactly the stripe units,
// with no framing, so a block file can be inspected or rebuilt with nothing
// but the parity rule.

package disk

import (
	"errors"
	"os"
	"path/filepath"

	log "github.com/golang/glog"
)

const (
	// If this flag is present, BlockFile will use fadvise to drop file data
	// from the buffer cache when it is closed.
	O_DROPCACHE int = 0x10000000

	// Permissions for new block files and their directories.
	fileMode = 0600
	dirMode  = 0755
)

// ErrInvalidFlag is returned if a BlockFile is opened with a bad flag.
var ErrInvalidFlag = errors.New("invalid flag")

// A BlockFile supports positioned reads and writes of stripe units.
//
// WARNING: BlockFile is not thread safe, except that concurrent ReadAt
// calls are fine.
type BlockFile struct {
	// What is the filesystem name of the file we're operating on? For logging.
	path string

	// The underlying file.
	file *os.File

	// File flags.
	flags int
}

// OpenBlockFile opens (or creates) a BlockFile at 'path' with 'flags'.
// flags can be an OR-ing of:
// os.O_RDONLY -- file is opened only for reading
// os.O_RDWR, os.O_WRONLY -- file is opened for writing.
// os.O_CREATE -- file should be created; missing parent directories are made.
// os.O_EXCL -- if creating a file, return an error if it exists already.
// os.O_TRUNC -- truncate size to 0
// O_DROPCACHE -- use fadvise to keep file data out of the buffer cache
func OpenBlockFile(path string, flags int) (*BlockFile, error) {
	okFlags := os.O_RDONLY | os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_EXCL | os.O_TRUNC | O_DROPCACHE
	if flags&(^okFlags) != 0 {
		log.Errorf("%s: invalid flags: %x", path, flags)
		return nil, ErrInvalidFlag
	}

	if flags&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
			return nil, err
		}
	}

	// We don't care about atime anywhere.
	f, err := os.OpenFile(path, (flags&^O_DROPCACHE)|oNoatime, fileMode)
	if err != nil {
		return nil, err
	}

	// Sync the directory where the file is located, if the file is new.
	if flags&os.O_CREATE != 0 {
		if err := syncDir(filepath.Dir(path)); err != nil {
			f.Close()
			return nil, err
		}
	}

	// Stripe units are read in row order, tell the kernel.
	if err := fadvise(f, 0, 0, adviceSequential); err != nil {
		log.V(2).Infof("%s: couldn't set sequential advice: %v", path, err)
	}
	return &BlockFile{path: path, file: f, flags: flags}, nil
}

// Path returns the path the file was opened with.
func (f *BlockFile) Path() string {
	return f.path
}

// ReadAt implements io.ReaderAt.
func (f *BlockFile) ReadAt(b []byte, off int64) (int, error) {
	return f.file.ReadAt(b, off)
}

// WriteAt implements io.WriterAt.
func (f *BlockFile) WriteAt(b []byte, off int64) (int, error) {
	return f.file.WriteAt(b, off)
}

// Size returns the size of the file in bytes.
func (f *BlockFile) Size() (int64, error) {
	fi, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Sync flushes written data to stable storage.
func (f *BlockFile) Sync() error {
	return f.file.Sync()
}

// writable returns true if the file was opened for writing.
func (f *BlockFile) writable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Close flushes the file if it was written, drops cached pages if asked to,
// and closes it.
func (f *BlockFile) Close() (err error) {
	if f.writable() {
		if err = f.Sync(); err != nil {
			log.Errorf("%s: sync failed: %s", f.path, err)
		}
	}
	if f.flags&O_DROPCACHE != 0 {
		if e := fadvise(f.file, 0, 0, adviceDontNeed); e != nil {
			log.V(2).Infof("%s: couldn't drop cache: %v", f.path, e)
		}
	}
	if e := f.file.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
