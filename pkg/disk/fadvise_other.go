// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

//go:build !linux

package disk

import (
	"os"
)

const (
	adviceSequential = 0
	adviceDontNeed   = 0
	oNoatime         = 0
)

// fadvise is a no-op where posix_fadvise isn't available.
func fadvise(f *os.File, offset, length int64, advice int) error {
	return nil
}
