package repo

import (
	"github.com/segstore/segstore/internal/wal"
)

// skipSizeFraction/skipFreeableFraction mirror the original's heuristic for leaving a
// mostly-live, mostly-full segment alone rather than paying to rewrite it
// for a small gain: a segment over 20% of the max segment size is skipped
// unless at least 15% of its bytes are reclaimable.
const (
	skipSizeFraction     = 0.2
	skipFreeableFraction = 0.15
)

// compactSegments rewrites every segment on the working index's compact
// worklist: live PUT frames are copied forward into the active writer,
// fully-reclaimed segments are deleted, and partially-reclaimed ones are
// left with their sparseness improved. It returns the txid of the final
// commit actually durable on disk — which can be later than currentTxid if
// a destination segment filled up mid-compaction and completeXfer had to
// sub-commit to keep going.
func (r *Repository) compactSegments(currentTxid uint64, saveSpace bool) (uint64, error) {
	worklist := r.idx.CompactSegments()
	if len(worklist) == 0 {
		return currentTxid, nil
	}

	txid := currentTxid
	unused := make(map[uint64]struct{})

	r.writer.SetRaiseFull(saveSpace)

	for _, seg := range worklist {
		if !r.roller.Exists(seg) {
			r.idx.DropCompact(seg)
			continue
		}

		size, err := r.roller.Size(seg)
		if err != nil {
			return txid, wrapOS(err)
		}
		freeable := r.idx.Compactable(seg)

		if float64(size) > skipSizeFraction*float64(r.cfg.MaxSegmentSize) &&
			float64(freeable) < skipFreeableFraction*float64(size) {
			r.log.Debug().Uint64("segment", seg).Msg("skipping compaction: below reclaim threshold")
			continue
		}

		r.idx.EnsureSegment(seg)
		if err := r.transferSegment(seg, &txid, unused); err != nil {
			return txid, err
		}

		if r.idx.LiveCount(seg) == 0 {
			unused[seg] = struct{}{}
		}
	}

	newTxid, err := r.completeXfer(txid, unused)
	if err != nil {
		return txid, err
	}
	return newTxid, nil
}

// transferSegment copies every frame of seg still needed forward into the
// active writer: PUTs whose (segment, offset) still matches the current
// index location, and DELETEs for keys deleted after the transaction this
// repository last had fully snapshotted (older tombstones are already
// implied by the key's absence from that snapshot).
func (r *Repository) transferSegment(seg uint64, txid *uint64, unused map[uint64]struct{}) error {
	it, err := wal.NewSegmentIterator(seg, r.roller.Path(seg), true)
	if err != nil {
		return wrapOS(err)
	}
	defer func() { _ = it.Close() }()

	for it.Next() {
		e := it.Entry()
		switch e.Tag {
		case wal.TagPut:
			loc, ok := r.idx.Get(e.Key)
			if !ok || loc.Segment != seg || loc.Offset != e.Offset {
				continue // superseded or deleted since
			}
			if err := r.writePutDuringCompaction(e.Key, e.Data, seg, e.Offset, txid, unused); err != nil {
				return err
			}
		case wal.TagDelete:
			if r.hasBase && seg <= r.baseTxid {
				continue // tombstone already implied by the prior snapshot
			}
			if err := r.writeDeleteDuringCompaction(e.Key, txid, unused); err != nil {
				return err
			}
		case wal.TagCommit:
			// no-op
		}
	}
	return it.Err()
}

// writePutDuringCompaction copies a live PUT frame forward, retrying once
// through completeXfer if the destination segment fills up mid-write.
func (r *Repository) writePutDuringCompaction(key wal.Key, value []byte, fromSeg uint64, fromOff int64, txid *uint64, unused map[uint64]struct{}) error {
	newSeg, newOff, err := r.writer.WritePut(key, value)
	if wal.IsSegmentFull(err) {
		newTxid, xerr := r.completeXfer(*txid, unused)
		if xerr != nil {
			return xerr
		}
		*txid = newTxid
		newSeg, newOff, err = r.writer.WritePut(key, value)
	}
	if err != nil {
		return wrapOS(err)
	}
	if old, ok := r.idx.Supersede(key); ok && old.Segment == fromSeg && old.Offset == fromOff {
		r.idx.Put(key, toLocation(newSeg, newOff))
	}
	return nil
}

func (r *Repository) writeDeleteDuringCompaction(key wal.Key, txid *uint64, unused map[uint64]struct{}) error {
	r.idx.EnsureSegment(r.writer.Segment())
	_, _, err := r.writer.WriteDelete(key)
	if wal.IsSegmentFull(err) {
		newTxid, xerr := r.completeXfer(*txid, unused)
		if xerr != nil {
			return xerr
		}
		*txid = newTxid
		_, _, err = r.writer.WriteDelete(key)
	}
	if err != nil {
		return wrapOS(err)
	}
	return nil
}

// completeXfer sub-commits the writer (so a partially-filled destination
// segment becomes durable before compaction keeps going) and deletes every
// fully-reclaimed source segment collected so far.
func (r *Repository) completeXfer(txid uint64, unused map[uint64]struct{}) (uint64, error) {
	seg, _, err := r.writer.WriteCommit()
	if err != nil {
		return txid, wrapOS(err)
	}
	for id := range unused {
		if err := r.roller.Delete(id); err != nil {
			return seg, wrapOS(err)
		}
		r.fdcache.Evict(id)
		r.idx.DropCompact(id)
		delete(unused, id)
	}
	return seg, nil
}
