package repo

import (
	"github.com/segstore/segstore/internal/index"
	"github.com/segstore/segstore/internal/lock"
	"github.com/segstore/segstore/internal/wal"
)

// prepareTxn enters the active state: upgrades the lock to exclusive and
// materializes the working index (and its segments/compact bookkeeping)
// from txid's snapshot, or from scratch if hasTxid is false. doCleanup is
// always true here; replaySegments, which needs doCleanup=false, calls
// prepareTxnCleanup directly.
func (r *Repository) prepareTxn(txid uint64, hasTxid bool) error {
	return r.prepareTxnCleanup(txid, hasTxid, true)
}

func (r *Repository) prepareTxnCleanup(txid uint64, hasTxid bool, doCleanup bool) error {
	r.active = true
	if err := r.lck.Upgrade(r.lockTimeout); err != nil {
		r.active = false
		return lockErrPlain(err)
	}

	r.baseTxid = txid
	r.hasBase = hasTxid

	if !hasTxid {
		r.idx = index.New()
		r.writer = r.newWriter(0)
		return nil
	}

	if doCleanup {
		if err := r.cleanup(txid); err != nil {
			return err
		}
	}

	idx, needsRebuild, err := index.Open(r.root, txid)
	if err != nil {
		// Corrupt/missing index or hints: unlink and force a full replay,
		// per spec.md §7.
		_ = index.RemoveSnapshot(r.root, txid)
		if rerr := r.checkTransaction(); rerr != nil {
			return rerr
		}
		return r.prepareTxnCleanup(txid, hasTxid, doCleanup)
	}
	r.idx = idx
	r.writer = r.newWriter(txid + 1)

	for _, seg := range needsRebuild {
		r.log.Debug().Uint64("segment", seg).Msg("rebuilding sparse info for segment")
		if err := r.rebuildSparse(seg); err != nil {
			return err
		}
	}
	return nil
}

func lockErrPlain(err error) error {
	if err == nil {
		return nil
	}
	if err == lock.ErrLockTimeout {
		return &LockErrorT{Cause: err}
	}
	return &LockError{Cause: err}
}

// Commit durably finalizes the active transaction: writes a COMMIT frame,
// runs compaction unless the repository is append-only, snapshots the
// index, then returns to idle. A no-op if no transaction is active.
func (r *Repository) Commit(saveSpace bool) error {
	return r.commit(saveSpace)
}

// Rollback discards the active transaction's in-memory state, leaving
// on-disk committed data untouched. A no-op if no transaction is active.
func (r *Repository) Rollback() {
	r.rollback()
}

// commit durably finalizes the active transaction: write_commit, optional
// compaction, index snapshot, then rollback to return to idle.
func (r *Repository) commit(saveSpace bool) error {
	if !r.active {
		return nil
	}
	seg, _, err := r.writer.WriteCommit()
	if err != nil {
		return wrapOS(err)
	}
	txid := seg

	if !r.cfg.AppendOnly {
		newTxid, err := r.compactSegments(txid, saveSpace)
		if err != nil {
			return err
		}
		txid = newTxid
	}

	if err := r.writer.Close(); err != nil {
		return wrapOS(err)
	}
	r.writer = nil

	if err := index.Snapshot(r.root, txid)(r.idx); err != nil {
		return wrapOS(err)
	}
	if r.cfg.AppendOnly {
		if err := appendTransactionLog(r.root, txid); err != nil {
			return wrapOS(err)
		}
	}
	r.rollback()
	return nil
}

// rollback discards the in-memory working state and returns to idle.
func (r *Repository) rollback() {
	if r.writer != nil {
		_ = r.writer.Close()
		r.writer = nil
	}
	r.idx = nil
	r.active = false
	_ = r.lck.Downgrade()
}

func (r *Repository) newWriter(nextSegment uint64) *wal.Writer {
	return wal.NewWriter(r.root, r.cfg.SegmentsPerDir, r.cfg.MaxSegmentSize, nextSegment)
}
