// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errAgain = errors.New("again")

func TestSucceedsEventually(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxSleep: 5 * time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func(i int) error {
		if i != calls {
			t.Errorf("attempt %d, expected %d", i, calls)
		}
		calls++
		if calls < 4 {
			return errAgain
		}
		return nil
	})
	if err != nil || calls != 4 {
		t.Errorf("got %v after %d calls", err, calls)
	}
}

func TestMaxAttempts(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return errAgain
	})
	if err != errAgain || calls != 3 {
		t.Errorf("got %v after %d calls", err, calls)
	}
}

func TestNotRetriable(t *testing.T) {
	fatal := errors.New("fatal")
	r := Retrier{MinSleep: time.Millisecond, Retriable: func(err error) bool { return err == errAgain }}
	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		if calls == 2 {
			return fatal
		}
		return errAgain
	})
	if err != fatal || calls != 2 {
		t.Errorf("got %v after %d calls", err, calls)
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{MinSleep: time.Hour}
	err := r.Do(ctx, func(int) error {
		cancel()
		return errAgain
	})
	if err != context.Canceled {
		t.Errorf("got %v", err)
	}
}
