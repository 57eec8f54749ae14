package repo

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/segstore/segstore/internal/wal"
)

func testKey(b byte) wal.Key {
	var k wal.Key
	k[0] = b
	return k
}

func mustCreate(t *testing.T, dir string) {
	t.Helper()
	if err := Create(dir, false, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestS1Basic(t *testing.T) {
	dir := t.TempDir()
	mustCreate(t, dir)

	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	k1, k2 := testKey(1), testKey(2)
	if err := r.Put(k1, []byte("alpha")); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	if err := r.Put(k2, []byte("beta")); err != nil {
		t.Fatalf("Put k2: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err = Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = r.Close() }()

	v, err := r.Get(k1)
	if err != nil || string(v) != "alpha" {
		t.Fatalf("get k1 = %q, %v", v, err)
	}
	v, err = r.Get(k2)
	if err != nil || string(v) != "beta" {
		t.Fatalf("get k2 = %q, %v", v, err)
	}
	n, err := r.Len()
	if err != nil || n != 2 {
		t.Fatalf("len = %d, %v", n, err)
	}
}

func TestS2OverwriteAndCompact(t *testing.T) {
	dir := t.TempDir()
	mustCreate(t, dir)

	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	k1 := testKey(1)
	if err := r.Put(k1, []byte("v1")); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if err := r.Put(k1, []byte("v2")); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	v, err := r.Get(k1)
	if err != nil || string(v) != "v2" {
		t.Fatalf("get k1 = %q, %v", v, err)
	}

	// Compaction reclaims the superseded frame: exactly one live PUT for k1
	// should remain reachable from the working index after a rescan.
	putCount := 0
	ids, err := r.roller.List()
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	for _, seg := range ids {
		it, err := wal.NewSegmentIterator(seg, r.roller.Path(seg), false)
		if err != nil {
			t.Fatalf("iterate segment %d: %v", seg, err)
		}
		for it.Next() {
			if it.Entry().Tag == wal.TagPut && it.Entry().Key == k1 {
				putCount++
			}
		}
		_ = it.Close()
	}
	if putCount != 1 {
		t.Errorf("expected exactly 1 live PUT frame for k1 after compaction, found %d", putCount)
	}
}

func TestS3CrashBeforeCommit(t *testing.T) {
	dir := t.TempDir()
	mustCreate(t, dir)

	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	k1, k2 := testKey(1), testKey(2)
	if err := r.Put(k1, []byte("x")); err != nil {
		t.Fatalf("put k1: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := r.Put(k2, []byte("y")); err != nil {
		t.Fatalf("put k2: %v", err)
	}
	// Simulate a crash: drop the handle without closing or committing.
	_ = r.lck.Release()

	r, err = Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = r.Close() }()

	ok1, err := r.Contains(k1)
	if err != nil || !ok1 {
		t.Fatalf("contains k1 = %v, %v", ok1, err)
	}
	ok2, err := r.Contains(k2)
	if err != nil || ok2 {
		t.Fatalf("contains k2 = %v, %v (want false)", ok2, err)
	}
	n, err := r.Len()
	if err != nil || n != 1 {
		t.Fatalf("len = %d, %v", n, err)
	}
}

func TestS4SegmentRollover(t *testing.T) {
	dir := t.TempDir()
	if err := Create(dir, false, 0, 1024); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	value := bytes.Repeat([]byte("x"), 180)
	for i := 0; i < 100; i++ {
		k := testKey(byte(i))
		k[1] = byte(i >> 8)
		if err := r.Put(k, value); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ids, err := r.roller.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) < 2 {
		t.Errorf("expected multiple segments from rollover, got %d", len(ids))
	}
	for i := 0; i < 100; i++ {
		k := testKey(byte(i))
		k[1] = byte(i >> 8)
		v, err := r.Get(k)
		if err != nil || !bytes.Equal(v, value) {
			t.Fatalf("get %d failed: %v", i, err)
		}
	}
}

func TestS5Recovery(t *testing.T) {
	dir := t.TempDir()
	mustCreate(t, dir)

	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	k1, k2 := testKey(1), testKey(2)
	if err := r.Put(k1, []byte("alpha")); err != nil {
		t.Fatalf("put k1: %v", err)
	}
	if err := r.Put(k2, []byte("beta")); err != nil {
		t.Fatalf("put k2: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Corrupt one byte in the middle of k1's value frame on disk.
	ids, err := filepath.Glob(filepath.Join(dir, "data", "*", "*"))
	if err != nil || len(ids) == 0 {
		t.Fatalf("glob segments: %v", err)
	}
	corrupted := false
	for _, p := range ids {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		idx := bytes.Index(data, []byte("alpha"))
		if idx >= 0 {
			data[idx+2] ^= 0xFF
			if err := os.WriteFile(p, data, 0o666); err != nil {
				t.Fatalf("write %s: %v", p, err)
			}
			corrupted = true
			break
		}
	}
	if !corrupted {
		t.Fatal("did not find k1's value frame to corrupt")
	}

	r, err = Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	report, err := r.Check(false, false)
	if err != nil {
		t.Fatalf("check(repair=false): %v", err)
	}
	if report.OK {
		t.Error("expected check to report a failure")
	}
	if len(report.Errors) != 1 {
		t.Errorf("expected exactly one reported error, got %d: %v", len(report.Errors), report.Errors)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err = Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("reopen for repair: %v", err)
	}
	defer func() { _ = r.Close() }()

	if _, err := r.Check(true, false); err != nil {
		t.Fatalf("check(repair=true): %v", err)
	}

	if _, err := r.Get(k1); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("get k1 after lossy recovery = %v, want ErrObjectNotFound", err)
	}
	if v, err := r.Get(k2); err != nil || string(v) != "beta" {
		t.Errorf("get k2 after repair = %q, %v", v, err)
	}
}

func TestS6MissingHints(t *testing.T) {
	dir := t.TempDir()
	mustCreate(t, dir)

	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	k1 := testKey(1)
	if err := r.Put(k1, []byte("alpha")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	hints, err := filepath.Glob(filepath.Join(dir, "hints.*"))
	if err != nil || len(hints) == 0 {
		t.Fatalf("glob hints: %v", err)
	}
	for _, h := range hints {
		if err := os.Remove(h); err != nil {
			t.Fatalf("remove %s: %v", h, err)
		}
	}

	r, err = Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("reopen without hints: %v", err)
	}
	defer func() { _ = r.Close() }()

	k2 := testKey(2)
	if err := r.Put(k2, []byte("beta")); err != nil {
		t.Fatalf("put k2: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	hints, err = filepath.Glob(filepath.Join(dir, "hints.*"))
	if err != nil || len(hints) != 1 {
		t.Fatalf("expected exactly one hints file after commit, got %v", hints)
	}
}

func TestPutDeleteGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mustCreate(t, dir)

	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	k := testKey(9)
	if err := r.Put(k, []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := r.Delete(k); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("commit delete: %v", err)
	}
	if _, err := r.Get(k); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("get after delete = %v, want ErrObjectNotFound", err)
	}
}

func TestGetUnknownKey(t *testing.T) {
	dir := t.TempDir()
	mustCreate(t, dir)

	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if _, err := r.Get(testKey(42)); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("get unknown key = %v, want ErrObjectNotFound", err)
	}
}

func TestAppendOnlyDestroyRefused(t *testing.T) {
	dir := t.TempDir()
	if err := Create(dir, true, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r, err := Open(dir, true, DefaultLockTimeout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Destroy(); !errors.Is(err, ErrAppendOnlyDestroy) {
		t.Errorf("destroy on append-only = %v, want ErrAppendOnlyDestroy", err)
	}
	_ = r.Close()
}
