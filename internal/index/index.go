// Package index implements the in-memory key→(segment,offset) map and its
// persistent snapshot/hints files, grounded on the teacher's ManifestStore
// interface shape (an interface plus an in-memory map implementation) but
// replaced with the spec's file-snapshot persistence model instead of a
// database-backed manifest.
package index

import (
	"sort"
	"sync"

	"github.com/segstore/segstore/internal/wal"
)

// Location is where a key's live PUT frame lives.
type Location struct {
	Segment uint64
	Offset  int64
}

// Index is the in-memory key -> Location map, plus the segments/compact
// bookkeeping maps used by the compactor. It is not safe for concurrent
// mutation from multiple goroutines beyond the single-writer model the
// repository enforces; the mutex here only protects against concurrent
// readers (list/get) racing the single writer.
type Index struct {
	mu sync.RWMutex

	entries  map[wal.Key]Location
	segments map[uint64]int64 // live PUT count per segment
	compact  map[uint64]int64 // reclaimable bytes per segment
}

// New returns an empty index.
func New() *Index {
	return &Index{
		entries:  make(map[wal.Key]Location),
		segments: make(map[uint64]int64),
		compact:  make(map[uint64]int64),
	}
}

// Get returns a key's location.
func (idx *Index) Get(key wal.Key) (Location, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, ok := idx.entries[key]
	return loc, ok
}

// Contains reports whether key is present.
func (idx *Index) Contains(key wal.Key) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[key]
	return ok
}

// Len returns the number of live keys.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Put records key's live location, incrementing the destination segment's
// live count. Callers are responsible for having already superseded any
// prior location (see Supersede).
func (idx *Index) Put(key wal.Key, loc Location) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[key] = loc
	idx.segments[loc.Segment]++
}

// Supersede removes key's current location, if any, decrementing the
// source segment's live count and returning the old location so the caller
// can account for its reclaimable bytes in compact[]. ok is false if key
// was absent.
func (idx *Index) Supersede(key wal.Key) (old Location, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	old, ok = idx.entries[key]
	if !ok {
		return Location{}, false
	}
	delete(idx.entries, key)
	idx.segments[old.Segment]--
	return old, true
}

// AddCompactable adds n reclaimable bytes to segment's compact counter.
func (idx *Index) AddCompactable(segment uint64, n int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.compact[segment] += n
}

// EnsureSegment makes sure segment has an entry in the live-count map
// (default 0), used when a DELETE frame is written to a segment that
// previously held no live PUTs.
func (idx *Index) EnsureSegment(segment uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.segments[segment]; !ok {
		idx.segments[segment] = 0
	}
}

// ResetSegment zeroes segment's live-PUT counter, used at the start of a
// segment's replay so accounting reflects only what that replay pass finds
// rather than whatever was inherited from a prior snapshot.
func (idx *Index) ResetSegment(segment uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.segments[segment] = 0
}

// LiveCount returns the live PUT count recorded for segment.
func (idx *Index) LiveCount(segment uint64) int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.segments[segment]
}

// Compactable returns the reclaimable-byte count recorded for segment.
func (idx *Index) Compactable(segment uint64) int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.compact[segment]
}

// CompactSegments returns the set of segments with a nonzero compact
// counter, in ascending order — the compactor's worklist.
func (idx *Index) CompactSegments() []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]uint64, 0, len(idx.compact))
	for s := range idx.compact {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DropCompact removes segment from the compact worklist entirely (used once
// a segment has been fully reclaimed or no longer exists).
func (idx *Index) DropCompact(segment uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.compact, segment)
	delete(idx.segments, segment)
}

// Iter returns keys in ascending byte order starting at (and including) the
// first key >= marker, for List's pagination.
func (idx *Index) Iter(marker *wal.Key, limit int) []wal.Key {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	keys := make([]wal.Key, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessKey(keys[i], keys[j])
	})

	start := 0
	if marker != nil {
		start = sort.Search(len(keys), func(i int) bool { return !lessKey(keys[i], *marker) })
	}
	if start >= len(keys) {
		return nil
	}
	end := len(keys)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return keys[start:end]
}

func lessKey(a, b wal.Key) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// snapshotView and hintsView are populated from an Index for serialization
// and used to repopulate one after load; kept separate from Index itself so
// the msgpack struct tags stay local to the persistence layer.
func (idx *Index) snapshotView() map[wal.Key]Location {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[wal.Key]Location, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}
	return out
}

func (idx *Index) hintsView() (segments, compact map[uint64]int64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	segments = make(map[uint64]int64, len(idx.segments))
	for k, v := range idx.segments {
		segments[k] = v
	}
	compact = make(map[uint64]int64, len(idx.compact))
	for k, v := range idx.compact {
		compact[k] = v
	}
	return segments, compact
}

// loadEntries replaces the index's key map wholesale, used after reading a
// snapshot file from disk.
func (idx *Index) loadEntries(entries map[wal.Key]Location) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = entries
}

func (idx *Index) loadHints(segments, compact map[uint64]int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.segments = segments
	idx.compact = compact
}
