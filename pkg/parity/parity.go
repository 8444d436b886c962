// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package parity holds the RAID5 math: XOR parity over equal length stripe
// units, and the rule that decides which disk of a stripe row holds parity.
//
// Slot is the only place parity placement is decided. Writers, readers,
// scrubbing and repair all go through it, so they can never disagree.
package parity

// Compute stores the XOR of all units into dst. All units must be at least
// len(dst) bytes long; only the first len(dst) bytes of each are used.
// dst may be one of the units.
func Compute(dst []byte, units ...[]byte) {
	if len(units) == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	copy(dst, units[0][:len(dst)])
	for _, u := range units[1:] {
		xorInto(dst, u)
	}
}

// Recover rebuilds the single missing unit of a row into dst, from the
// row's parity unit and every unit that is still known (data units, or data
// units plus parity when the missing unit is itself parity). Passing a row
// with more than one missing unit produces garbage; callers must count.
func Recover(dst []byte, parity []byte, known ...[]byte) {
	copy(dst, parity[:len(dst)])
	for _, u := range known {
		xorInto(dst, u)
	}
}

// xorInto does dst ^= src over len(dst) bytes.
func xorInto(dst, src []byte) {
	src = src[:len(dst)]
	i := 0
	// Eight bytes at a time while we can.
	for ; i+8 <= len(dst); i += 8 {
		d := dst[i : i+8 : i+8]
		s := src[i : i+8 : i+8]
		d[0] ^= s[0]
		d[1] ^= s[1]
		d[2] ^= s[2]
		d[3] ^= s[3]
		d[4] ^= s[4]
		d[5] ^= s[5]
		d[6] ^= s[6]
		d[7] ^= s[7]
	}
	for ; i < len(dst); i++ {
		dst[i] ^= src[i]
	}
}
