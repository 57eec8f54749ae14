package repo

import "github.com/segstore/segstore/internal/wal"

// rebuildSparse recomputes segment's reclaimable-byte count from scratch by
// scanning every PUT/DELETE frame in it and checking whether the working
// index still points at that exact (segment, offset). Used to upgrade a v1
// hints file's bare "needs sparseness rebuild" marker into v2's map<int,int>
// compact counters.
func (r *Repository) rebuildSparse(segment uint64) error {
	if !r.roller.Exists(segment) {
		r.idx.DropCompact(segment)
		return nil
	}

	it, err := wal.NewSegmentIterator(segment, r.roller.Path(segment), false)
	if err != nil {
		return wrapOS(err)
	}
	defer func() { _ = it.Close() }()

	var reclaimable int64
	for it.Next() {
		e := it.Entry()
		if e.Tag == wal.TagDelete {
			reclaimable += int64(wal.FrameSize(wal.TagDelete, 0))
			continue
		}
		if e.Tag != wal.TagPut {
			continue
		}
		loc, ok := r.idx.Get(e.Key)
		if !ok || loc.Segment != segment || loc.Offset != e.Offset {
			reclaimable += int64(wal.FrameSize(wal.TagPut, e.Size))
		}
	}
	if it.Err() != nil {
		return it.Err()
	}

	if reclaimable > 0 {
		r.idx.AddCompactable(segment, reclaimable)
	}
	return nil
}
