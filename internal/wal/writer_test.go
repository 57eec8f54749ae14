package wal

import (
	"bytes"
	"os"
	"testing"
)

const testMaxSegmentSize = 64 * 1024 * 1024

func keyFrom(b byte) Key {
	var k Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestWriterWritePutThenRead(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, 1000, testMaxSegmentSize, 0)
	defer func() { _ = w.Close() }()

	key := keyFrom(1)
	value := []byte("value-1")

	seg, off, err := w.WritePut(key, value)
	if err != nil {
		t.Fatalf("WritePut: %v", err)
	}
	commitSeg, _, err := w.WriteCommit()
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	if commitSeg == seg {
		t.Fatalf("commit landed in the data segment %d, want a fresh segment", seg)
	}

	f, err := os.Open(segmentPath(root, 1000, seg))
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer func() { _ = f.Close() }()

	got, err := ReadValue(f, seg, off, key)
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("ReadValue = %q, want %q", got, value)
	}
}

func TestWriterRolloverOnSize(t *testing.T) {
	root := t.TempDir()
	maxSize := int64(len(Magic)) + int64(putHeaderSize+4) + 4
	w := NewWriter(root, 1000, maxSize, 0)
	defer func() { _ = w.Close() }()

	k1 := keyFrom(1)
	seg1, _, err := w.WritePut(k1, []byte("abcd"))
	if err != nil {
		t.Fatalf("first WritePut: %v", err)
	}

	k2 := keyFrom(2)
	seg2, _, err := w.WritePut(k2, []byte("abcd"))
	if err != nil {
		t.Fatalf("second WritePut: %v", err)
	}

	if seg2 != seg1+1 {
		t.Fatalf("expected rollover to segment %d, got %d", seg1+1, seg2)
	}
}

func TestWriterRaiseFull(t *testing.T) {
	root := t.TempDir()
	maxSize := int64(len(Magic)) + int64(putHeaderSize+4)
	w := NewWriter(root, 1000, maxSize, 0)
	defer func() { _ = w.Close() }()
	w.SetRaiseFull(true)

	k1 := keyFrom(1)
	if _, _, err := w.WritePut(k1, []byte("abcd")); err != nil {
		t.Fatalf("first WritePut: %v", err)
	}

	k2 := keyFrom(2)
	_, _, err := w.WritePut(k2, []byte("abcd"))
	if err != errSegmentFull {
		t.Fatalf("expected ErrSegmentFull, got %v", err)
	}
}

func TestWriteCommitAlwaysFreshSegment(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, 1000, testMaxSegmentSize, 0)
	defer func() { _ = w.Close() }()

	k1 := keyFrom(1)
	seg1, _, err := w.WritePut(k1, []byte("plenty of room left"))
	if err != nil {
		t.Fatalf("WritePut: %v", err)
	}

	commitSeg, _, err := w.WriteCommit()
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	if commitSeg != seg1+1 {
		t.Fatalf("commit segment = %d, want %d (a fresh segment even though %d had spare room)", commitSeg, seg1+1, seg1)
	}

	k2 := keyFrom(2)
	seg3, _, err := w.WritePut(k2, []byte("more data"))
	if err != nil {
		t.Fatalf("second WritePut: %v", err)
	}
	if seg3 != commitSeg+1 {
		t.Fatalf("next PUT landed in segment %d, want %d (after the commit-only segment)", seg3, commitSeg+1)
	}
}

func TestWritePutRejectsOversizedValue(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, 1000, testMaxSegmentSize, 0)
	defer func() { _ = w.Close() }()

	oversized := make([]byte, MaxObjectSize+1)
	if _, _, err := w.WritePut(keyFrom(9), oversized); err == nil {
		t.Fatalf("expected error for oversized value")
	}
}
