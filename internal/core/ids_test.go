// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"sync"
	"testing"
)

// TestNewFileIDUnique makes sure ids don't repeat, even across goroutines.
func TestNewFileIDUnique(t *testing.T) {
	g, err := NewIDGenerator(7)
	if err != nil {
		t.Fatal(err)
	}
	const workers, per = 4, 2500
	ids := make([][]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				ids[w] = append(ids[w], g.NewFileID())
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, list := range ids {
		for _, id := range list {
			if id == "" {
				t.Fatal("empty id")
			}
			if seen[id] {
				t.Fatalf("duplicate id %s", id)
			}
			seen[id] = true
		}
	}
}

// TestNodesDiffer checks that two generators on different nodes don't share
// ids, and that out of range nodes are refused.
func TestNodesDiffer(t *testing.T) {
	a, err := NewIDGenerator(1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewIDGenerator(2)
	if err != nil {
		t.Fatal(err)
	}
	if x, y := a.NewFileID(), b.NewFileID(); x == y {
		t.Fatalf("nodes 1 and 2 both generated %s", x)
	}
	for _, node := range []int64{-1, 1024} {
		if _, err := NewIDGenerator(node); !ErrConfiguration.Is(err) {
			t.Errorf("node %d: expected configuration error, got %v", node, err)
		}
	}
}
