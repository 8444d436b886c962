// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package disk

import (
	"os"
	"path/filepath"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
)

// syncDir fsyncs a directory so that creates, removes and renames in it are
// durable.
func syncDir(dir string) (err error) {
	// Open.
	fd, err := os.Open(dir)
	if err != nil {
		log.Errorf("failed to open directory %s: %s", dir, err)
		return err
	}

	// Sync.
	if err = fd.Sync(); err != nil {
		log.Errorf("failed to fsync directory %s: %s", dir, err)
		if cerr := fd.Close(); nil != cerr {
			log.Errorf("failed to close directory: %s", cerr)
		}
		return err
	}

	// Close.
	if err = fd.Close(); err != nil {
		log.Errorf("failed to close directory: %s", err)
		return err
	}
	return nil
}

// Rename renames a file and syncs the directory it lands in.
func Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return err
	}
	return syncDir(filepath.Dir(newpath))
}

// Remove deletes the block file at 'path' and syncs its directory. A file
// that is already gone is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return syncDir(filepath.Dir(path))
}

// RemoveAll removes every path in 'paths', logging failures instead of
// returning them. It's used to clean up after a failed write, where the
// original error is the one worth reporting.
func RemoveAll(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := Remove(p); err != nil {
			log.Errorf("failed to remove %s: %s", p, err)
		}
	}
}

// Usage describes the space of the filesystem holding a disk root.
type Usage struct {
	Total uint64 // In bytes.
	Avail uint64 // In bytes, available to unprivileged users.
}

// Free returns the fraction of the filesystem that is still available.
func (u Usage) Free() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Avail) / float64(u.Total)
}

// FileSystemUsage reports the usage of the filesystem that holds 'root'.
func FileSystemUsage(root string) (Usage, error) {
	var fs sigar.FileSystemUsage
	if err := fs.Get(root); err != nil {
		return Usage{}, err
	}
	// sigar reports in kilobytes.
	return Usage{Total: fs.Total * 1024, Avail: fs.Avail * 1024}, nil
}
