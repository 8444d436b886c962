// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Linux syscall related stuff goes here.

//go:build linux

package disk

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// Parameters to be used by fadvise.
	adviceSequential = unix.FADV_SEQUENTIAL
	adviceDontNeed   = unix.FADV_DONTNEED

	// Disable all atime updates.
	oNoatime = syscall.O_NOATIME
)

func fadvise(f *os.File, offset, length int64, advice int) error {
	return unix.Fadvise(int(f.Fd()), offset, length, advice)
}
