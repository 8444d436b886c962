// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/pkg/testutil"
)

// blockPaths returns n block file paths under a fresh directory.
func blockPaths(t *testing.T, n int) []string {
	dir := testutil.TempDir(t)
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("d%d", i), fmt.Sprintf("f.%d.blk", i))
	}
	return paths
}

// writeStriped writes 'payload' over n fresh block files.
func writeStriped(t *testing.T, n, stripe int, payload []byte) ([]string, core.WriteResult) {
	paths := blockPaths(t, n)
	ctx := context.Background()
	s, err := Open(ctx, Config{Paths: paths, StripeSize: stripe, Mode: ModeWrite})
	if err != nil {
		t.Fatalf("failed to open for write: %s", err)
	}
	res, err := s.WriteFrom(ctx, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to write: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %s", err)
	}
	return paths, res
}

func openRead(t *testing.T, paths []string, stripe int, length int64) *Stream {
	s, err := Open(context.Background(), Config{Paths: paths, StripeSize: stripe, Length: length, Mode: ModeRead})
	if err != nil {
		t.Fatalf("failed to open for read: %s", err)
	}
	return s
}

func readStriped(t *testing.T, paths []string, stripe int, length int64) ([]byte, error) {
	s := openRead(t, paths, stripe, length)
	defer s.Close()
	return io.ReadAll(s)
}

// Test that everything written reads back, for a grid of array shapes and
// lengths around row boundaries.
func TestRoundTrip(t *testing.T) {
	for _, n := range []int{3, 4, 5} {
		for _, stripe := range []int{1, 4, 64, 4096} {
			row := (n - 1) * stripe
			for _, length := range []int{0, 1, row - 1, row, 3*row + 7} {
				payload := testutil.RandomBytes(int64(n*stripe+length), length)
				paths, res := writeStriped(t, n, stripe, payload)

				sum := sha256.Sum256(payload)
				if res.Total != int64(length) || res.Checksum != hex.EncodeToString(sum[:]) {
					t.Fatalf("n=%d stripe=%d len=%d: bad result %+v", n, stripe, length, res)
				}
				rows := Rows(int64(length), n, stripe)
				for i, w := range res.PerDisk {
					if w != rows*int64(stripe) {
						t.Fatalf("n=%d stripe=%d len=%d: slot %d wrote %d", n, stripe, length, i, w)
					}
				}

				got, err := readStriped(t, paths, stripe, int64(length))
				if err != nil {
					t.Fatalf("n=%d stripe=%d len=%d: read failed: %s", n, stripe, length, err)
				}
				if !bytes.Equal(got, payload) {
					t.Fatalf("n=%d stripe=%d len=%d: data mismatch", n, stripe, length)
				}

				s := openRead(t, paths, stripe, int64(length))
				var out bytes.Buffer
				if c, err := s.CopyTo(context.Background(), &out); err != nil || c != int64(length) {
					t.Fatalf("n=%d stripe=%d len=%d: copy returned %d, %v", n, stripe, length, c, err)
				}
				s.Close()
				if !bytes.Equal(out.Bytes(), payload) {
					t.Fatalf("n=%d stripe=%d len=%d: copy mismatch", n, stripe, length)
				}
			}
		}
	}
}

// Test that parity on disk is the XOR of the data units of each row.
func TestParityOnDisk(t *testing.T) {
	for _, n := range []int{3, 4, 5} {
		stripe := 16
		length := 5*(n-1)*stripe + 3
		paths, _ := writeStriped(t, n, stripe, testutil.RandomBytes(int64(n), length))

		raw := make([][]byte, n)
		for i, p := range paths {
			b, err := os.ReadFile(p)
			if err != nil {
				t.Fatalf("failed to read raw block: %s", err)
			}
			raw[i] = b
		}
		rows := int(Rows(int64(length), n, stripe))
		for i := range raw {
			if len(raw[i]) != rows*stripe {
				t.Fatalf("slot %d has %d bytes, want %d", i, len(raw[i]), rows*stripe)
			}
		}
		for r := 0; r < rows; r++ {
			for b := 0; b < stripe; b++ {
				var x byte
				for i := range raw {
					x ^= raw[i][r*stripe+b]
				}
				if x != 0 {
					t.Fatalf("n=%d row %d byte %d: parity mismatch", n, r, b)
				}
			}
		}
	}
}

// Test that losing any one block file, by removal or truncation, is invisible
// to readers.
func TestSingleFault(t *testing.T) {
	for _, n := range []int{3, 4, 5} {
		stripe := 8
		length := 3*(n-1)*stripe + 7
		payload := testutil.RandomBytes(int64(length), length)
		for slot := 0; slot < n; slot++ {
			paths, _ := writeStriped(t, n, stripe, payload)
			if err := os.Remove(paths[slot]); err != nil {
				t.Fatal(err)
			}
			got, err := readStriped(t, paths, stripe, int64(length))
			if err != nil || !bytes.Equal(got, payload) {
				t.Fatalf("n=%d: slot %d removed: read failed or mismatched: %v", n, slot, err)
			}

			paths, _ = writeStriped(t, n, stripe, payload)
			fi, err := os.Stat(paths[slot])
			if err != nil {
				t.Fatal(err)
			}
			if err := os.Truncate(paths[slot], fi.Size()/2); err != nil {
				t.Fatal(err)
			}
			got, err = readStriped(t, paths, stripe, int64(length))
			if err != nil || !bytes.Equal(got, payload) {
				t.Fatalf("n=%d: slot %d truncated: read failed or mismatched: %v", n, slot, err)
			}
		}
	}
}

// Test that a slot given with an empty path is rebuilt.
func TestUnavailablePath(t *testing.T) {
	payload := testutil.RandomBytes(1, 1000)
	paths, _ := writeStriped(t, 4, 32, payload)
	paths[2] = ""
	s := openRead(t, paths, 32, int64(len(payload)))
	defer s.Close()
	if u := s.Unavailable(); len(u) != 1 || u[0] != 2 {
		t.Fatalf("expected slot 2 unavailable, got %v", u)
	}
	got, err := io.ReadAll(s)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("degraded read failed: %v", err)
	}
}

// Test that two missing block files fail the read rather than return wrong
// data.
func TestDoubleFault(t *testing.T) {
	n, stripe := 4, 8
	length := 3*(n-1)*stripe + 7
	payload := testutil.RandomBytes(7, length)
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			paths, _ := writeStriped(t, n, stripe, payload)
			os.Remove(paths[a])
			os.Remove(paths[b])
			_, err := readStriped(t, paths, stripe, int64(length))
			if !core.ErrRedundancyExhausted.Is(err) {
				t.Fatalf("slots %d,%d removed: expected redundancy exhausted, got %v", a, b, err)
			}
			if core.IsRetriableError(err) {
				t.Fatalf("redundancy exhausted must not be retriable")
			}
		}
	}
}

// Test that a second slot failing mid-read is caught.
func TestSecondFaultWhileDegraded(t *testing.T) {
	n, stripe := 3, 4
	payload := testutil.RandomBytes(3, 10*(n-1)*stripe)
	paths, _ := writeStriped(t, n, stripe, payload)
	os.Remove(paths[0])
	// Slot 1 still has row 0 but nothing after it.
	if err := os.Truncate(paths[1], int64(stripe)); err != nil {
		t.Fatal(err)
	}
	s := openRead(t, paths, stripe, int64(len(payload)))
	defer s.Close()
	buf := make([]byte, (n-1)*stripe)
	if _, err := io.ReadFull(s, buf); err != nil || !bytes.Equal(buf, payload[:len(buf)]) {
		t.Fatalf("first row should be readable: %v", err)
	}
	if _, err := io.ReadAll(s); !core.ErrRedundancyExhausted.Is(err) {
		t.Fatalf("expected redundancy exhausted, got %v", err)
	}
}

// Test that seeking anywhere and reading to the end matches the tail of the
// payload, with and without a missing disk.
func TestRandomSeek(t *testing.T) {
	n, stripe := 5, 16
	length := 20*(n-1)*stripe + 11
	payload := testutil.RandomBytes(99, length)
	paths, _ := writeStriped(t, n, stripe, payload)
	r := rand.New(rand.NewSource(99))

	for _, degraded := range []bool{false, true} {
		p := append([]string(nil), paths...)
		if degraded {
			p[3] = ""
		}
		s := openRead(t, p, stripe, int64(length))
		for i := 0; i < 50; i++ {
			off := r.Int63n(int64(length) + 1)
			if pos, err := s.Seek(off, io.SeekStart); err != nil || pos != off {
				t.Fatalf("seek to %d returned %d, %v", off, pos, err)
			}
			got, err := io.ReadAll(s)
			if err != nil {
				t.Fatalf("read after seek to %d failed: %s", off, err)
			}
			if !bytes.Equal(got, payload[off:]) {
				t.Fatalf("degraded=%v: mismatch after seek to %d", degraded, off)
			}
		}
		s.Close()
	}
}

// Test small and odd sized reads that straddle unit and row boundaries.
func TestUnalignedReads(t *testing.T) {
	n, stripe := 3, 4
	length := 5*(n-1)*stripe + 3
	payload := testutil.RandomBytes(5, length)
	paths, _ := writeStriped(t, n, stripe, payload)

	for _, size := range []int{1, 3, 5, 7, 8, 9, 100} {
		s := openRead(t, paths, stripe, int64(length))
		var got []byte
		buf := make([]byte, size)
		for {
			c, err := s.Read(buf)
			got = append(got, buf[:c]...)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("read of %d failed: %s", size, err)
			}
		}
		s.Close()
		if !bytes.Equal(got, payload) {
			t.Fatalf("reads of %d: mismatch", size)
		}
	}
}

func TestSeekBoundaries(t *testing.T) {
	n, stripe := 3, 4
	length := int64(2*(n-1)*stripe + 3) // Two full rows and a partial one.
	payload := testutil.RandomBytes(11, int(length))
	paths, _ := writeStriped(t, n, stripe, payload)
	s := openRead(t, paths, stripe, length)
	defer s.Close()

	// End of file is a valid position with nothing after it.
	if _, err := s.Seek(length, io.SeekStart); err != nil {
		t.Fatalf("seek to end failed: %s", err)
	}
	if c, err := s.Read(make([]byte, 4)); c != 0 || err != io.EOF {
		t.Fatalf("expected EOF at end, got %d, %v", c, err)
	}

	for _, off := range []int64{-1, length + 1} {
		if _, err := s.Seek(off, io.SeekStart); !core.ErrOutOfRange.Is(err) {
			t.Fatalf("seek to %d: expected out of range, got %v", off, err)
		}
	}

	// Last byte of a full row, first of the next, and inside the partial row.
	for _, off := range []int64{7, 8, 15, 16, 17, 18} {
		if _, err := s.Seek(off, io.SeekStart); err != nil {
			t.Fatal(err)
		}
		b := make([]byte, 2)
		c, err := s.Read(b)
		if err != nil {
			t.Fatalf("read at %d failed: %s", off, err)
		}
		want := payload[off:]
		if len(want) > 2 {
			want = want[:2]
		}
		if !bytes.Equal(b[:c], want) {
			t.Fatalf("read at %d: got %x want %x", off, b[:c], want)
		}
	}

	// Relative seeks.
	if pos, err := s.Seek(-1, io.SeekEnd); err != nil || pos != length-1 {
		t.Fatalf("seek from end returned %d, %v", pos, err)
	}
	if pos, err := s.Seek(-4, io.SeekCurrent); err != nil || pos != length-5 {
		t.Fatalf("relative seek returned %d, %v", pos, err)
	}
	got, err := io.ReadAll(s)
	if err != nil || !bytes.Equal(got, payload[length-5:]) {
		t.Fatalf("tail mismatch: %v", err)
	}
}

// The worked example: three disks, four byte units, one full row.
func TestABCDEFGH(t *testing.T) {
	payload := []byte("ABCDEFGH")
	paths, _ := writeStriped(t, 3, 4, payload)

	raw := make([][]byte, 3)
	for i, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		raw[i] = b
	}
	if string(raw[1]) != "ABCD" || string(raw[2]) != "EFGH" {
		t.Fatalf("unexpected data units %q %q", raw[1], raw[2])
	}
	for i := 0; i < 4; i++ {
		if raw[0][i] != "ABCD"[i]^"EFGH"[i] {
			t.Fatalf("bad parity byte %d: %x", i, raw[0][i])
		}
	}

	os.Remove(paths[1])
	got, err := readStriped(t, paths, 4, 8)
	if err != nil || string(got) != "ABCDEFGH" {
		t.Fatalf("recovery failed: %q, %v", got, err)
	}
}

// Test that a failed create leaves no block files behind.
func TestWriteOpenFailure(t *testing.T) {
	paths := blockPaths(t, 4)
	if err := os.MkdirAll(filepath.Dir(paths[2]), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths[2], []byte("taken"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Open(context.Background(), Config{Paths: paths, StripeSize: 4, Mode: ModeWrite})
	if !core.ErrAlreadyExists.Is(err) {
		t.Fatalf("expected already exists, got %v", err)
	}
	for i, p := range paths {
		_, err := os.Stat(p)
		if i == 2 && err != nil {
			t.Fatalf("pre-existing file was touched: %s", err)
		}
		if i != 2 && !os.IsNotExist(err) {
			t.Fatalf("slot %d: partial file left behind", i)
		}
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	paths := blockPaths(t, 3)
	s, err := Open(ctx, Config{Paths: paths, StripeSize: 4, Mode: ModeWrite})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := s.WriteFrom(ctx, bytes.NewReader([]byte("ABCDEFGH"))); !core.ErrCanceled.Is(err) {
		t.Fatalf("expected canceled write, got %v", err)
	}
	s.Discard()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s left behind", p)
		}
	}

	paths, _ = writeStriped(t, 3, 4, []byte("ABCDEFGH"))
	r := openRead(t, paths, 4, 8)
	defer r.Close()
	if _, err := r.ReadContext(ctx, make([]byte, 8)); !core.ErrCanceled.Is(err) {
		t.Fatalf("expected canceled read, got %v", err)
	}
}

// cancelOnRead cancels a context once its data has been read.
type cancelOnRead struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelOnRead) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.cancel()
	}
	return n, err
}

// Test that a row isn't written if the context ends while it is being filled.
func TestCancelWhileFilling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	paths := blockPaths(t, 3)
	s, err := Open(ctx, Config{Paths: paths, StripeSize: 4, Mode: ModeWrite})
	if err != nil {
		t.Fatal(err)
	}
	r := &cancelOnRead{r: bytes.NewReader([]byte("ABCDEF")), cancel: cancel}
	res, err := s.WriteFrom(ctx, r)
	if !core.ErrCanceled.Is(err) || res.Total != 0 {
		t.Fatalf("expected canceled write of nothing, got %+v, %v", res, err)
	}
	for _, p := range paths {
		if fi, err := os.Stat(p); err != nil || fi.Size() != 0 {
			t.Fatalf("%s: expected an empty block file, got %v %v", p, fi, err)
		}
	}
	s.Discard()
}

// Test that full rows can be appended in several calls, and that nothing may
// follow a partial row.
func TestAppend(t *testing.T) {
	ctx := context.Background()
	paths := blockPaths(t, 3)
	s, err := Open(ctx, Config{Paths: paths, StripeSize: 4, Mode: ModeWrite})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteFrom(ctx, bytes.NewReader([]byte("ABCDEFGH"))); err != nil {
		t.Fatal(err)
	}
	res, err := s.WriteFrom(ctx, bytes.NewReader([]byte("IJK")))
	if err != nil || res.Total != 11 {
		t.Fatalf("second write returned %+v, %v", res, err)
	}
	if _, err := s.WriteFrom(ctx, bytes.NewReader([]byte("L"))); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("expected invalid argument after partial row, got %v", err)
	}
	if _, err := s.Seek(0, io.SeekStart); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("seek in write mode should fail, got %v", err)
	}
	s.Close()
	s.Close()

	got, err := readStriped(t, paths, 4, 11)
	if err != nil || string(got) != "ABCDEFGHIJK" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{Paths: []string{"a", "b"}, StripeSize: 4},
		{Paths: []string{"a", "b", "c"}, StripeSize: 0},
		{Paths: []string{"a", "", "c"}, StripeSize: 4, Mode: ModeWrite},
	}
	for i, c := range bad {
		if err := c.Validate(); !core.ErrConfiguration.Is(err) {
			t.Errorf("config %d: expected configuration error, got %v", i, err)
		}
	}
	c := Config{Paths: []string{"a", "b", "c"}, StripeSize: 4, Length: -1}
	if err := c.Validate(); !core.ErrInvalidArgument.Is(err) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}
