// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"
)

// FileLock provides exclusive access to a logical file by id. Streams don't
// take it; it keeps repair, scrub and delete of the same file from running
// over each other.
type FileLock struct {
	// Protects cond and files.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// If present, the file is locked.
	files map[string]bool
}

// NewFileLock creates a new FileLock.
func NewFileLock() *FileLock {
	f := new(FileLock)
	f.cond.L = &f.lock
	f.files = make(map[string]bool)
	return f
}

// LockFile acquires exclusive access to the file with id 'id'.
func (f *FileLock) LockFile(id string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.files[id] {
		f.cond.Wait()
	}
	f.files[id] = true
}

// TryLockFile is LockFile without waiting. It returns false if the file is
// already locked.
func (f *FileLock) TryLockFile(id string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.files[id] {
		return false
	}
	f.files[id] = true
	return true
}

// UnlockFile releases the file with id 'id'.
func (f *FileLock) UnlockFile(id string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.files[id] {
		panic("wasn't locked!")
	}
	delete(f.files, id)
	f.cond.Broadcast()
}
