// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorRoundTrip(t *testing.T) {
	if NoError.Error() != nil {
		t.Fatal("NoError should map to a nil error")
	}
	if ErrEOF.Error() != io.EOF {
		t.Fatal("ErrEOF should map to io.EOF")
	}

	err := ErrNotFound.Error()
	e, ok := FromError(err)
	if !ok || e != ErrNotFound {
		t.Fatalf("FromError(%v) = %v, %v", err, e, ok)
	}
	if err.Error() != ErrNotFound.String() {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestErrorWrapped(t *testing.T) {
	err := fmt.Errorf("reading row 7: %w", ErrRedundancyExhausted.Error())
	if !ErrRedundancyExhausted.Is(err) {
		t.Fatal("wrapped error not recognized")
	}
	if !errors.Is(err, ErrRedundancyExhausted.Error()) {
		t.Fatal("errors.Is should see through the wrap")
	}
	if ErrNotFound.Is(err) {
		t.Fatal("wrong kind matched")
	}
	if IsRetriableError(err) {
		t.Fatal("redundancy exhausted must not be retriable")
	}
	if !IsRetriableError(fmt.Errorf("x: %w", ErrTooBusy.Error())) {
		t.Fatal("too busy should be retriable")
	}
}

func TestErrorFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !ErrCanceled.Is(ctx.Err()) {
		t.Fatal("context cancellation should map to ErrCanceled")
	}
	if _, ok := FromError(errors.New("plain")); ok {
		t.Fatal("plain errors have no kind")
	}
}
