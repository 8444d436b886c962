// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"math/rand"
	"time"
)

// Retrier runs a task until it succeeds, sleeping with randomized exponential
// backoff between attempts.
type Retrier struct {
	// MinSleep is the shortest and initial sleep time to be
	// used during the retry loop.
	MinSleep time.Duration

	// MaxSleep is the longest sleep time to be used during
	// the retry loop.
	MaxSleep time.Duration

	// MaxAttempts, if greater than zero, limits how many times the task runs.
	MaxAttempts int

	// Retriable decides which errors are worth another attempt. If nil,
	// every error is.
	Retriable func(error) bool
}

// Do calls 'task' until it returns nil or an error that isn't retriable, the
// attempts run out, or 'ctx' is done. It returns the last error from the
// task, or ctx.Err() if it gave up waiting.
func (r Retrier) Do(ctx context.Context, task func(attempt int) error) error {
	maxSleep := r.MaxSleep
	if maxSleep < r.MinSleep {
		maxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	for i := 0; ; i++ {
		err := task(i)
		if err == nil || (r.Retriable != nil && !r.Retriable(err)) {
			return err
		}
		if r.MaxAttempts > 0 && i+1 >= r.MaxAttempts {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > maxSleep {
			backoff = maxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}
