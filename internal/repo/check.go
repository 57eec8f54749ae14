package repo

import (
	"fmt"

	"github.com/segstore/segstore/internal/index"
	"github.com/segstore/segstore/internal/wal"
)

// CheckReport summarizes one run of Check.
type CheckReport struct {
	OK       bool
	Errors   []string
	Repaired []uint64 // segments rewritten by recover_segment
}

// Check rebuilds a fresh index from every segment up to the inferred txid,
// reporting any frame that fails CRC or carries an unexpected tag. In
// repair mode, segments that fail to iterate are rewritten in place via
// recover_segment and a synthetic COMMIT is appended if the repository has
// no committed segment at all; the repaired state is then compacted and
// snapshotted. Outside repair mode the rebuilt index is never written; it is
// compared against the persisted snapshot only when every segment scanned
// cleanly, since a segment error already leaves it incomplete.
func (r *Repository) Check(repair bool, saveSpace bool) (*CheckReport, error) {
	report := &CheckReport{OK: true}
	record := func(msg string) {
		report.OK = false
		report.Errors = append(report.Errors, msg)
	}

	segmentsTxid, hasSegmentsTxid, err := r.segmentsTransactionID()
	if err != nil {
		return nil, wrapOS(err)
	}

	if !hasSegmentsTxid && repair {
		seg, err := r.synthesizeCommit()
		if err != nil {
			return nil, err
		}
		segmentsTxid, hasSegmentsTxid = seg, true
	}
	if !hasSegmentsTxid {
		record("no committed segment found")
		return report, nil
	}

	rebuilt := index.New()
	ids, err := r.roller.List()
	if err != nil {
		return nil, wrapOS(err)
	}

	for _, seg := range ids {
		if seg > segmentsTxid {
			break
		}
		if err := r.checkSegment(seg, rebuilt, repair, record, report); err != nil {
			return nil, err
		}
	}

	indexTxid, hasIndexTxid, err := index.LatestTxID(r.root)
	if !repair && report.OK && err == nil && hasIndexTxid {
		persisted, _, perr := index.Open(r.root, indexTxid)
		if perr != nil {
			record(fmt.Sprintf("persisted index.%d is corrupt: %v", indexTxid, perr))
		} else if persisted.Len() != rebuilt.Len() {
			record(fmt.Sprintf("index object count mismatch: persisted %d, rebuilt %d", persisted.Len(), rebuilt.Len()))
		} else {
			for _, k := range rebuilt.Iter(nil, 0) {
				wantLoc, _ := rebuilt.Get(k)
				gotLoc, ok := persisted.Get(k)
				if !ok || gotLoc != wantLoc {
					record(fmt.Sprintf("key %x: persisted location differs from rebuilt", k))
					break
				}
			}
		}
	}

	if repair {
		r.idx = rebuilt
		r.active = true
		if err := r.lck.Upgrade(r.lockTimeout); err != nil {
			r.active = false
			return nil, lockErrPlain(err)
		}
		r.writer = r.newWriter(segmentsTxid + 1)
		newTxid, err := r.compactSegments(segmentsTxid, saveSpace)
		if err != nil {
			r.rollback()
			return nil, err
		}
		if err := r.writer.Close(); err != nil {
			r.rollback()
			return nil, wrapOS(err)
		}
		r.writer = nil
		if err := index.Snapshot(r.root, newTxid)(r.idx); err != nil {
			r.rollback()
			return nil, wrapOS(err)
		}
		r.rollback()
	}

	return report, nil
}

// checkSegment replays one segment's frames into rebuilt, recording any
// IntegrityError or unexpected tag. On repair, a segment that fails
// iteration outright is rewritten via recover_segment and re-scanned.
func (r *Repository) checkSegment(seg uint64, rebuilt *index.Index, repair bool, record func(string), report *CheckReport) error {
	path := r.roller.Path(seg)

	it, err := wal.NewSegmentIterator(seg, path, true)
	if err != nil {
		if !repair {
			record(fmt.Sprintf("segment %d: %v", seg, err))
			return nil
		}
		kept, rerr := wal.RecoverSegment(seg, path)
		if rerr != nil {
			return wrapOS(rerr)
		}
		record(fmt.Sprintf("segment %d: recovered, kept %d frames", seg, kept))
		report.Repaired = append(report.Repaired, seg)
		it, err = wal.NewSegmentIterator(seg, path, true)
		if err != nil {
			return wrapOS(err)
		}
	}
	defer func() { _ = it.Close() }()

	rebuilt.EnsureSegment(seg)
	rebuilt.ResetSegment(seg)

	for it.Next() {
		e := it.Entry()
		switch e.Tag {
		case wal.TagPut:
			rebuilt.Supersede(e.Key)
			rebuilt.Put(e.Key, toLocation(seg, e.Offset))
		case wal.TagDelete:
			rebuilt.Supersede(e.Key)
		case wal.TagCommit:
		default:
			record(fmt.Sprintf("segment %d, offset %d: unexpected tag %v", seg, e.Offset, e.Tag))
		}
	}
	if it.Err() != nil {
		if !repair {
			record(fmt.Sprintf("segment %d: %v", seg, it.Err()))
			return nil
		}
		kept, rerr := wal.RecoverSegment(seg, path)
		if rerr != nil {
			return wrapOS(rerr)
		}
		record(fmt.Sprintf("segment %d: recovered after read error, kept %d frames", seg, kept))
		report.Repaired = append(report.Repaired, seg)
	}
	return nil
}

// synthesizeCommit is used by Check(repair=true) when no committed segment
// exists anywhere in the log: it appends an empty COMMIT frame so the
// repository has a well-defined txid to rebuild from.
func (r *Repository) synthesizeCommit() (uint64, error) {
	latest, ok, err := r.roller.Latest()
	if err != nil {
		return 0, wrapOS(err)
	}
	next := uint64(0)
	if ok {
		next = latest + 1
	}
	w := r.newWriter(next)
	seg, _, err := w.WriteCommit()
	if err != nil {
		_ = w.Close()
		return 0, wrapOS(err)
	}
	if err := w.Close(); err != nil {
		return 0, wrapOS(err)
	}
	return seg, nil
}
