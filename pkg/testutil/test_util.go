// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This contains a few functions to help writing tests. Put this in a file
// named main_test.go in your package, and temp directories will be cleaned up
// automatically on successful runs:
/*

package mypkg

import (
	"testing"

	"github.com/westerndigitalcorporation/raidblob/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	lock        sync.Mutex
	processDir  string
	createdBase string
)

// TempDir returns a fresh directory for the calling test, inside a directory
// that's exclusive to this process.
func TempDir(t testing.TB) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dir, err := os.MkdirTemp(processTempDir(), name)
	if err != nil {
		t.Fatalf("couldn't create temp dir: %s", err)
	}
	return dir
}

// DiskRoots makes 'n' directories standing in for disk mount points.
func DiskRoots(t testing.TB, n int) []string {
	base := TempDir(t)
	roots := make([]string, n)
	for i := range roots {
		roots[i] = filepath.Join(base, "disk"+string(rune('a'+i)))
		if err := os.Mkdir(roots[i], 0755); err != nil {
			t.Fatalf("couldn't create disk root: %s", err)
		}
	}
	return roots
}

// RandomBytes returns 'n' bytes from a generator seeded with 'seed', so a
// failure can be reproduced.
func RandomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func processTempDir() string {
	lock.Lock()
	defer lock.Unlock()
	if processDir == "" {
		var err error
		processDir, err = os.MkdirTemp(getBase(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("Couldn't create temp dir: %s", err)
		}
	}
	return processDir
}

// Get a base temp dir. Create one if it doesn't exist.
func getBase() string {
	// Try TMPDIR first.
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	// Otherwise just make one in the current directory.
	wd, err := os.Getwd()
	if nil != err {
		log.Fatalf("could not get the current dir: %s", err)
	}
	// Note that "*.test" is in .gitignore, so this will be ignored by git
	// anywhere in the repo.
	base := time.Now().Format("20060102.150405.test")
	tmp := filepath.Join(wd, base)
	if err := os.Mkdir(tmp, 0755); nil != err && !os.IsExist(err) {
		log.Fatalf("failed to create tmp dir: %s", tmp)
	}
	createdBase = tmp
	return tmp
}

func cleanup() {
	if processDir != "" {
		os.RemoveAll(processDir)
	}
	if createdBase != "" {
		os.RemoveAll(createdBase)
	}
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	os.Exit(ret)
}
