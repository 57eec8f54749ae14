package index

import (
	"testing"

	"github.com/segstore/segstore/internal/wal"
)

func testKey(b byte) wal.Key {
	var k wal.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestPutGetContains(t *testing.T) {
	idx := New()
	k := testKey(1)
	if idx.Contains(k) {
		t.Fatalf("empty index should not contain key")
	}
	idx.Put(k, Location{Segment: 3, Offset: 100})
	loc, ok := idx.Get(k)
	if !ok || loc.Segment != 3 || loc.Offset != 100 {
		t.Fatalf("Get = (%v, %v), want (3,100,true)", loc, ok)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len = %d, want 1", idx.Len())
	}
}

func TestSupersedeDecrementsLiveCount(t *testing.T) {
	idx := New()
	k := testKey(1)
	idx.Put(k, Location{Segment: 5, Offset: 0})
	if idx.LiveCount(5) != 1 {
		t.Fatalf("LiveCount(5) = %d, want 1", idx.LiveCount(5))
	}
	old, ok := idx.Supersede(k)
	if !ok || old.Segment != 5 {
		t.Fatalf("Supersede = (%v, %v)", old, ok)
	}
	if idx.LiveCount(5) != 0 {
		t.Fatalf("LiveCount(5) after supersede = %d, want 0", idx.LiveCount(5))
	}
	if idx.Contains(k) {
		t.Fatalf("key should be gone after supersede")
	}
}

func TestIterOrderingAndMarker(t *testing.T) {
	idx := New()
	keys := []wal.Key{testKey(3), testKey(1), testKey(2)}
	for i, k := range keys {
		idx.Put(k, Location{Segment: uint64(i)})
	}
	all := idx.Iter(nil, 0)
	if len(all) != 3 {
		t.Fatalf("got %d keys, want 3", len(all))
	}
	if all[0] != testKey(1) || all[1] != testKey(2) || all[2] != testKey(3) {
		t.Fatalf("keys not in ascending order: %v", all)
	}

	marker := testKey(2)
	rest := idx.Iter(&marker, 0)
	if len(rest) != 2 || rest[0] != testKey(2) {
		t.Fatalf("Iter with marker = %v, want [2,3]", rest)
	}

	limited := idx.Iter(nil, 1)
	if len(limited) != 1 || limited[0] != testKey(1) {
		t.Fatalf("Iter with limit=1 = %v", limited)
	}
}

func TestCompactSegmentsWorklist(t *testing.T) {
	idx := New()
	idx.AddCompactable(10, 100)
	idx.AddCompactable(2, 50)
	segs := idx.CompactSegments()
	if len(segs) != 2 || segs[0] != 2 || segs[1] != 10 {
		t.Fatalf("CompactSegments = %v, want [2,10]", segs)
	}
	idx.DropCompact(2)
	segs = idx.CompactSegments()
	if len(segs) != 1 || segs[0] != 10 {
		t.Fatalf("CompactSegments after drop = %v, want [10]", segs)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	root := t.TempDir()
	idx := New()
	k1, k2 := testKey(1), testKey(2)
	idx.Put(k1, Location{Segment: 1, Offset: 9})
	idx.Put(k2, Location{Segment: 1, Offset: 200})
	idx.EnsureSegment(3)
	idx.AddCompactable(3, 41)

	if err := Snapshot(root, 1)(idx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	loaded, needsRebuild, err := Open(root, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(needsRebuild) != 0 {
		t.Fatalf("unexpected v1 rebuild list on a v2 snapshot: %v", needsRebuild)
	}
	if loaded.Len() != 2 {
		t.Fatalf("loaded.Len() = %d, want 2", loaded.Len())
	}
	loc, ok := loaded.Get(k1)
	if !ok || loc.Segment != 1 || loc.Offset != 9 {
		t.Fatalf("loaded k1 = (%v,%v)", loc, ok)
	}
	if loaded.Compactable(3) != 41 {
		t.Fatalf("loaded compact[3] = %d, want 41", loaded.Compactable(3))
	}
}

func TestOpenMissingIndexIsCorrupt(t *testing.T) {
	root := t.TempDir()
	_, _, err := Open(root, 999)
	if err == nil {
		t.Fatalf("expected error for missing index file")
	}
}

func TestLatestTxIDPicksHighestNonEmpty(t *testing.T) {
	root := t.TempDir()
	idx := New()
	if err := Snapshot(root, 1)(idx); err != nil {
		t.Fatalf("Snapshot(1): %v", err)
	}
	if err := Snapshot(root, 5)(idx); err != nil {
		t.Fatalf("Snapshot(5): %v", err)
	}
	txid, ok, err := LatestTxID(root)
	if err != nil {
		t.Fatalf("LatestTxID: %v", err)
	}
	if !ok || txid != 5 {
		t.Fatalf("LatestTxID = (%d,%v), want (5,true)", txid, ok)
	}
}
