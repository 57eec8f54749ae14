package wal

import (
	"fmt"
	"os"
)

// Roller enumerates, inspects and prunes the segments that make up a
// repository's log. Grounded on this package's former SegmentRoller
// (listing, filename helpers, latest-segment lookup) with the lifecycle
// model replaced: segments here are either "committed" (end in a COMMIT
// frame) or not, there is no separate compacted-segment namespace, and
// pruning is driven by the index's txid rather than age/count retention.
type Roller struct {
	root           string
	segmentsPerDir uint64
}

// NewRoller returns a Roller rooted at a repository directory.
func NewRoller(root string, segmentsPerDir uint64) *Roller {
	return &Roller{root: root, segmentsPerDir: segmentsPerDir}
}

// List returns every segment id present on disk, in ascending order.
func (r *Roller) List() ([]uint64, error) {
	entries, err := listSegments(r.root)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Path returns the on-disk path of segment id.
func (r *Roller) Path(id uint64) string {
	return segmentPath(r.root, r.segmentsPerDir, id)
}

// Exists reports whether segment id has a file on disk.
func (r *Roller) Exists(id uint64) bool {
	_, err := os.Stat(r.Path(id))
	return err == nil
}

// Size returns the byte size of segment id.
func (r *Roller) Size(id uint64) (int64, error) {
	info, err := os.Stat(r.Path(id))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Latest returns the highest segment id on disk, and false if there are none.
func (r *Roller) Latest() (uint64, bool, error) {
	ids, err := r.List()
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[len(ids)-1], true, nil
}

// IsCommitted reports whether segment id's last valid frame is a COMMIT,
// i.e. whether this segment could conclude a transaction.
func (r *Roller) IsCommitted(id uint64) (bool, error) {
	it, err := NewSegmentIterator(id, r.Path(id), false)
	if err != nil {
		return false, err
	}
	defer func() { _ = it.Close() }()

	committed := false
	for it.Next() {
		committed = it.Entry().Tag == TagCommit
	}
	if err := it.Err(); err != nil {
		return false, err
	}
	return committed, nil
}

// Delete removes segment id from disk. Used by compaction once a segment's
// live data has been merged forward and its bytes are fully reclaimed.
func (r *Roller) Delete(id uint64) error {
	if err := os.Remove(r.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: delete segment %d: %w", id, err)
	}
	return nil
}
