// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package parity

// Slot returns which of the n disks holds parity for stripe row 'row'.
// Rotating parity across rows spreads parity I/O evenly over all disks.
func Slot(n int, row int64) int {
	return int(row % int64(n))
}

// DataSlots appends to out the n-1 data slots of stripe row 'row' in slot
// order, skipping the parity slot, and returns the result. Data unit i of
// the row lives on slot DataSlots(...)[i].
func DataSlots(n int, row int64, out []int) []int {
	p := Slot(n, row)
	out = out[:0]
	for i := 0; i < n; i++ {
		if i != p {
			out = append(out, i)
		}
	}
	return out
}
