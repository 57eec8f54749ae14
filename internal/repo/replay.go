package repo

import (
	"fmt"
	"os"
	"time"

	"github.com/segstore/segstore/internal/index"
	"github.com/segstore/segstore/internal/wal"
)

// cleanup deletes every segment with id > txid (the uncommitted tail left
// by an aborted transaction). It does not touch the writer; its caller,
// prepareTxnCleanup, creates the writer at txid+1.
func (r *Repository) cleanup(txid uint64) error {
	ids, err := r.roller.List()
	if err != nil {
		return wrapOS(err)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] <= txid {
			break
		}
		if err := r.roller.Delete(ids[i]); err != nil {
			return wrapOS(err)
		}
		r.fdcache.Evict(ids[i])
	}
	return nil
}

// segmentsTransactionID returns the highest segment id that is itself a
// committed segment (ends in a COMMIT frame with nothing after it),
// scanning from the highest segment id downward and stopping at the first
// hit — mirroring get_segments_transaction_id's reverse segment_iterator.
func (r *Repository) segmentsTransactionID() (uint64, bool, error) {
	ids, err := r.roller.List()
	if err != nil {
		return 0, false, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		ok, err := r.roller.IsCommitted(ids[i])
		if err != nil {
			continue // unreadable segment: treat as not committed, keep scanning down
		}
		if ok {
			return ids[i], true, nil
		}
	}
	return 0, false, nil
}

// checkTransaction resolves any disagreement between the index snapshot's
// txid and the highest committed segment, replaying segments into the index
// when the two disagree, per spec.md §4.3's three-case table.
func (r *Repository) checkTransaction() error {
	indexTxid, hasIndexTxid, err := index.LatestTxID(r.root)
	if err != nil {
		return wrapOS(err)
	}
	segmentsTxid, hasSegmentsTxid, err := r.segmentsTransactionID()
	if err != nil {
		return wrapOS(err)
	}

	if hasIndexTxid && !hasSegmentsTxid {
		return ErrCheckNeeded
	}

	if !hasIndexTxid && !hasSegmentsTxid {
		return nil // fresh repository, nothing to do
	}

	if hasIndexTxid && hasSegmentsTxid && indexTxid == segmentsTxid {
		return nil // already consistent
	}

	if hasIndexTxid && (!hasSegmentsTxid || indexTxid > segmentsTxid) {
		// index is ahead of (or disagrees in a way incompatible with) the
		// segment log: discard it and replay from scratch.
		return r.replaySegments(0, false, segmentsTxid, hasSegmentsTxid)
	}

	return r.replaySegments(indexTxid, hasIndexTxid, segmentsTxid, hasSegmentsTxid)
}

// replaySegments prepares a transaction against `from` (or from scratch if
// !hasFrom), applies every segment frame in (from, to] to the working
// index, and snapshots the result.
func (r *Repository) replaySegments(from uint64, hasFrom bool, to uint64, hasTo bool) error {
	if err := r.prepareTxnCleanup(from, hasFrom, false); err != nil {
		return err
	}

	ids, err := r.roller.List()
	if err != nil {
		r.rollback()
		return wrapOS(err)
	}

	for _, seg := range ids {
		if hasFrom && seg <= from {
			continue
		}
		if !hasTo || seg > to {
			break
		}
		if err := r.replaySegmentFrames(seg, nil); err != nil {
			r.rollback()
			return err
		}
	}

	txid := from
	if hasTo {
		txid = to
	}
	if err := index.Snapshot(r.root, txid)(r.idx); err != nil {
		r.rollback()
		return wrapOS(err)
	}
	r.rollback()
	return nil
}

// replaySegmentFrames applies every frame of segment seg to the working
// index (updateIndex's per-segment body), optionally reporting unexpected
// tags via report instead of failing outright. Its only caller,
// replaySegments, passes a nil report; Check scans segments through
// checkSegment instead.
func (r *Repository) replaySegmentFrames(seg uint64, report func(string)) error {
	it, err := wal.NewSegmentIterator(seg, r.roller.Path(seg), false)
	if err != nil {
		return wrapOS(err)
	}
	defer func() { _ = it.Close() }()

	r.idx.EnsureSegment(seg)
	// EnsureSegment only sets a default of 0 if absent; updateIndex needs
	// the live count reset to 0 at the start of each segment's replay, as
	// the original does via self.segments[segment] = 0.
	r.idx.ResetSegment(seg)

	for it.Next() {
		e := it.Entry()
		switch e.Tag {
		case wal.TagPut:
			if old, ok := r.idx.Supersede(e.Key); ok {
				r.accountReclaimed(old, e.Key)
			}
			r.idx.Put(e.Key, toLocation(seg, e.Offset))
		case wal.TagDelete:
			if old, ok := r.idx.Supersede(e.Key); ok {
				r.accountReclaimed(old, e.Key)
			}
		case wal.TagCommit:
			// no-op
		default:
			msg := fmt.Sprintf("unexpected tag %v in segment %d", e.Tag, seg)
			if report == nil {
				return ErrCheckNeeded
			}
			report(msg)
		}
	}
	if it.Err() != nil {
		return it.Err()
	}

	if r.idx.LiveCount(seg) == 0 {
		size, err := r.roller.Size(seg)
		if err == nil {
			r.idx.AddCompactable(seg, size)
		}
	}
	return nil
}

// accountReclaimed looks up the on-disk frame size of a just-superseded
// location and adds it to that segment's compact counter. Both an
// overwriting PUT and a DELETE reclaim the same way: the old frame's full
// on-disk size becomes eligible for compaction.
func (r *Repository) accountReclaimed(old index.Location, key wal.Key) {
	if !r.roller.Exists(old.Segment) {
		return
	}
	f, err := r.fdcache.Get(old.Segment)
	if err != nil {
		return
	}
	size, err := wal.FrameSizeAt(f, old.Segment, old.Offset, key)
	if err != nil {
		return
	}
	r.idx.AddCompactable(old.Segment, int64(size))
}

func toLocation(seg uint64, off int64) index.Location {
	return index.Location{Segment: seg, Offset: off}
}

func appendTransactionLog(root string, txid uint64) error {
	f, err := os.OpenFile(fmt.Sprintf("%s/transactions", root), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	line := fmt.Sprintf("transaction %d, UTC time %s\n", txid, time.Now().UTC().Format(time.RFC3339))
	_, err = f.WriteString(line)
	return err
}
