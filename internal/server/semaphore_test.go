// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"testing"
	"time"
)

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatalf("expected two permits")
	}
	if s.TryAcquire() {
		t.Fatalf("third permit shouldn't be available")
	}
	if s.InUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", s.InUse())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.AcquireContext(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	s.Release()
	if err := s.AcquireContext(context.Background()); err != nil {
		t.Fatalf("expected to acquire, got %v", err)
	}
}

func TestFileLock(t *testing.T) {
	l := NewFileLock()
	l.LockFile("a")
	if l.TryLockFile("a") {
		t.Fatalf("a is locked already")
	}
	if !l.TryLockFile("b") {
		t.Fatalf("b should be free")
	}

	done := make(chan bool)
	go func() {
		l.LockFile("a")
		done <- true
	}()
	select {
	case <-done:
		t.Fatalf("lock was not exclusive")
	case <-time.After(20 * time.Millisecond):
	}
	l.UnlockFile("a")
	<-done
	l.UnlockFile("a")
	l.UnlockFile("b")
}
