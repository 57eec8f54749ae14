package repo

import (
	"github.com/segstore/segstore/internal/index"
	"github.com/segstore/segstore/internal/wal"
)

// ensureIndexLoaded lazily loads the working index from the last committed
// snapshot for read-only use (get/contains/len/list) outside an active
// transaction. Mirrors the original's self.index caching: loaded once,
// reused until the next commit/rollback clears it.
func (r *Repository) ensureIndexLoaded() error {
	if r.idx != nil {
		return nil
	}
	txid, ok, err := r.transactionID()
	if err != nil {
		return err
	}
	if !ok {
		r.idx = index.New()
		return nil
	}
	idx, needsRebuild, err := index.Open(r.root, txid)
	if err != nil {
		_ = index.RemoveSnapshot(r.root, txid)
		if rerr := r.checkTransaction(); rerr != nil {
			return rerr
		}
		return r.ensureIndexLoaded()
	}
	r.idx = idx
	for _, seg := range needsRebuild {
		if rerr := r.rebuildSparse(seg); rerr != nil {
			return rerr
		}
	}
	return nil
}

// Put writes value under key, superseding any prior value for that key.
// Starts a transaction implicitly if one is not already active; the write
// is not durable until the transaction commits. Rejects values over
// wal.MaxObjectSize.
func (r *Repository) Put(key wal.Key, value []byte) error {
	if err := r.ensureActive(); err != nil {
		return err
	}
	if old, ok := r.idx.Supersede(key); ok {
		r.accountReclaimed(old, key)
	} else {
		r.idx.EnsureSegment(r.writer.Segment())
	}
	seg, off, err := r.writer.WritePut(key, value)
	if err != nil {
		return wrapOS(err)
	}
	r.idx.Put(key, toLocation(seg, off))
	return nil
}

// Delete removes key, if present. Deleting an absent key is not an error,
// matching the original's idempotent delete semantics.
func (r *Repository) Delete(key wal.Key) error {
	if err := r.ensureActive(); err != nil {
		return err
	}
	old, ok := r.idx.Supersede(key)
	if !ok {
		return nil
	}
	r.accountReclaimed(old, key)
	if _, _, err := r.writer.WriteDelete(key); err != nil {
		return wrapOS(err)
	}
	return nil
}

// Get returns the current value stored under key, or ErrObjectNotFound.
func (r *Repository) Get(key wal.Key) ([]byte, error) {
	if err := r.ensureIndexLoaded(); err != nil {
		return nil, err
	}
	loc, ok := r.idx.Get(key)
	if !ok {
		return nil, ErrObjectNotFound
	}
	f, err := r.fdcache.Get(loc.Segment)
	if err != nil {
		return nil, wrapOS(err)
	}
	return wal.ReadValue(f, loc.Segment, loc.Offset, key)
}

// Contains reports whether key currently has a live value.
func (r *Repository) Contains(key wal.Key) (bool, error) {
	if err := r.ensureIndexLoaded(); err != nil {
		return false, err
	}
	return r.idx.Contains(key), nil
}

// Len returns the number of live keys.
func (r *Repository) Len() (int, error) {
	if err := r.ensureIndexLoaded(); err != nil {
		return 0, err
	}
	return r.idx.Len(), nil
}

// List returns up to limit keys in ascending order starting at marker (or
// from the beginning if marker is nil). A limit <= 0 means unbounded.
func (r *Repository) List(marker *wal.Key, limit int) ([]wal.Key, error) {
	if err := r.ensureIndexLoaded(); err != nil {
		return nil, err
	}
	return r.idx.Iter(marker, limit), nil
}
