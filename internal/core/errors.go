// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
	"io"
)

// Error is our own defined error type. It lets every layer (stream, metadata
// store, coordinator) report the same small set of failure kinds, and lets
// callers switch on the kind without string matching.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Configuration errors ------//

	// ErrConfiguration is returned if the disk count is below three, or the
	// stripe or path settings are inconsistent.
	ErrConfiguration

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg
	// negative size, wrong number of paths).
	ErrInvalidArgument

	//------ Metadata errors ------//

	// ErrAlreadyExists is returned when a logical path or a physical block
	// path is already recorded.
	ErrAlreadyExists

	// ErrNotFound is returned when no logical file matches a path or id.
	ErrNotFound

	//------ Disk errors ------//

	// ErrDiskUnavailable is used inside a stream when one slot can't be used.
	// A single unavailable slot is recovered from parity and never surfaces.
	ErrDiskUnavailable

	// ErrRedundancyExhausted is returned when two or more slots of one stripe
	// row are unavailable. Data for that row can't be produced.
	ErrRedundancyExhausted

	// ErrIO is returned if there is an OS-level IO error on an otherwise
	// available disk.
	ErrIO

	// ErrCorruptData is returned if parity or a checksum doesn't match the data.
	ErrCorruptData

	// ErrOutOfRange is returned when seeking before the start or past the end
	// of a logical file.
	ErrOutOfRange

	// ErrEOF is returned when reaching the end of a logical file.
	ErrEOF

	//------ Errors from any level ------//

	// ErrTooBusy means too many metadata mutations are already in flight.
	ErrTooBusy

	// ErrReadOnlyMode is returned for mutations while the array is read-only.
	ErrReadOnlyMode

	// ErrCanceled is returned when a request is canceled.
	ErrCanceled

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrConfiguration:   "invalid configuration",
	ErrInvalidArgument: "invalid argument",

	ErrAlreadyExists: "file already exists",
	ErrNotFound:      "file was not found",

	ErrDiskUnavailable:     "disk is unavailable",
	ErrRedundancyExhausted: "two or more disks unavailable in one stripe row, cannot reconstruct",
	ErrIO:                  "I/O level error",
	ErrCorruptData:         "data does not match parity or checksum",
	ErrOutOfRange:          "offset out of range",
	ErrEOF:                 "end of file",

	ErrTooBusy:      "too busy",
	ErrReadOnlyMode: "array is in read-only mode",
	ErrCanceled:     "request canceled",
	ErrUnknown:      "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	} else if e == ErrEOF {
		// io.EOF is treated specially by the Go standard library and is
		// required to make a Stream properly satisfy the Reader interface.
		return io.EOF
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is the receiver error somewhere
// in its wrap chain.
func (e Error) Is(g error) bool {
	if e == ErrEOF {
		return errors.Is(g, io.EOF)
	}
	got, ok := FromError(g)
	return ok && got == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error, looking through
// wrapped errors. Context cancellation maps to ErrCanceled.
func FromError(err error) (Error, bool) {
	var g goError
	if errors.As(err, &g) {
		return Error(g), true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCanceled, true
	}
	return NoError, false
}

// IsRetriableError checks if we should retry on a given returned error.
// RedundancyExhausted is never retriable: the data is not there to be read
// until a disk is repaired.
func IsRetriableError(err error) bool {
	e, ok := FromError(err)
	if !ok {
		return false
	}
	switch e {
	case ErrTooBusy, ErrIO:
		return true
	}
	return false
}
