// Package repo implements the Repository: transaction lifecycle, the public
// key-value API, crash recovery, and online compaction described in
// spec.md §4.3, composed from internal/wal (SegmentIO), internal/index
// (IndexManager), internal/lock and internal/config. Grounded on the
// teacher's store.go/walstore.go composition shape (index + writer + a
// manifest-like persistence layer wired together behind one public type)
// with the document-store domain replaced by the spec's generic
// content-addressed KV semantics.
package repo

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/segstore/segstore/internal/config"
	"github.com/segstore/segstore/internal/index"
	"github.com/segstore/segstore/internal/lock"
	"github.com/segstore/segstore/internal/obs"
	"github.com/segstore/segstore/internal/wal"
)

const readme = "This is a segstore repository.\nSee https://pkg.go.dev for details.\n"

// DefaultLockTimeout bounds how long Open/prepareTxn wait for contended
// locks before giving up with LockErrorT.
const DefaultLockTimeout = 10 * time.Second

// Repository is the public entry point: a single-writer, transactional,
// content-addressed key-value store rooted at one directory on disk.
type Repository struct {
	root string
	cfg  *config.Config

	lck         *lock.Lock
	lockTimeout time.Duration

	roller  *wal.Roller
	fdcache *wal.FDCache
	writer  *wal.Writer

	active   bool
	idx      *index.Index
	baseTxid uint64
	hasBase  bool

	log zerolog.Logger
}

// Create initializes a brand-new, empty repository directory: README,
// config (with a fresh random 32-byte id), and an empty data/ directory.
// The lock directory is created later by Open, and no index/hints snapshot
// is written here.
func Create(root string, appendOnly bool, segmentsPerDir uint64, maxSegmentSize int64) error {
	if _, err := os.Stat(root); err == nil {
		entries, _ := os.ReadDir(root)
		if len(entries) > 0 {
			return ErrAlreadyExists
		}
	}
	if err := os.MkdirAll(root, 0o777); err != nil {
		return wrapOS(err)
	}
	if err := os.WriteFile(filepath.Join(root, "README"), []byte(readme), 0o666); err != nil {
		return wrapOS(err)
	}

	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return wrapOS(err)
	}
	if segmentsPerDir == 0 {
		segmentsPerDir = config.DefaultSegmentsPerDir
	}
	if maxSegmentSize <= 0 {
		maxSegmentSize = config.DefaultMaxSegmentSize
	}
	cfg := &config.Config{
		Version:        config.SupportedVersion,
		SegmentsPerDir: segmentsPerDir,
		MaxSegmentSize: maxSegmentSize,
		AppendOnly:     appendOnly,
		ID:             id,
	}
	if err := config.Save(root, cfg); err != nil {
		return wrapOS(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o777); err != nil {
		return wrapOS(err)
	}
	// No index/hints snapshot is written here: a freshly created repository
	// has neither an index txid nor a committed segment, and checkTransaction
	// treats that as the valid empty state. The first commit produces the
	// first index.<txid>/hints.<txid> pair.
	return nil
}

// Open acquires the repository lock, loads config, and resolves the
// repository to a consistent on-disk state via checkTransaction before
// returning. The repository starts in the idle (non-transactional) state.
func Open(root string, exclusive bool, lockTimeout time.Duration) (*Repository, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, ErrDoesNotExist
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRepository, err)
	}

	lck, err := lock.Acquire(root, exclusive, lockTimeout)
	if err != nil {
		return lockErr(err)
	}

	fdcache, err := wal.NewFDCache(root, cfg.SegmentsPerDir, wal.DefaultFDCacheSize)
	if err != nil {
		_ = lck.Release()
		return nil, wrapOS(err)
	}

	r := &Repository{
		root:        root,
		cfg:         cfg,
		lck:         lck,
		lockTimeout: lockTimeout,
		roller:      wal.NewRoller(root, cfg.SegmentsPerDir),
		fdcache:     fdcache,
		log:         obs.Logger("repo"),
	}

	if err := r.checkTransaction(); err != nil {
		_ = lck.Release()
		return nil, err
	}
	return r, nil
}

func lockErr(err error) (*Repository, error) {
	if err == lock.ErrLockTimeout {
		return nil, &LockErrorT{Cause: err}
	}
	return nil, &LockError{Cause: err}
}

// Close releases the writer, fd cache, and lock. Any active transaction is
// rolled back first.
func (r *Repository) Close() error {
	if r.active {
		r.rollback()
	}
	if r.writer != nil {
		_ = r.writer.Close()
		r.writer = nil
	}
	r.fdcache.Close()
	return r.lck.Release()
}

// Destroy removes the entire repository directory tree. Refused on
// append-only repositories per spec.md §7.
func (r *Repository) Destroy() error {
	if r.cfg.AppendOnly {
		return ErrAppendOnlyDestroy
	}
	if err := r.Close(); err != nil {
		return err
	}
	return wrapOS(os.RemoveAll(r.root))
}

// BreakLock forcibly clears a stale lock on a repository directory that is
// not currently open in this process.
func BreakLock(root string) error {
	return lock.BreakLock(root)
}

// Preload is a no-op for local repositories (spec.md §6).
func (r *Repository) Preload(_ [][32]byte) {}

// SaveKey stores opaque key material in the repository config.
func (r *Repository) SaveKey(material []byte) error {
	r.cfg.Key = string(material)
	return wrapOS(config.Save(r.root, r.cfg))
}

// LoadKey returns the opaque key material stored in the repository config.
func (r *Repository) LoadKey() ([]byte, error) {
	return []byte(r.cfg.Key), nil
}

// transactionID returns the index snapshot's txid after resolving any
// pending inconsistency via checkTransaction, or false if the repository
// has never been committed.
func (r *Repository) transactionID() (uint64, bool, error) {
	if err := r.checkTransaction(); err != nil {
		return 0, false, err
	}
	return index.LatestTxID(r.root)
}

// ensureActive starts a transaction against the current on-disk txid if one
// is not already active, matching put/delete's implicit-transaction-start
// behavior in spec.md §4.3.
func (r *Repository) ensureActive() error {
	if r.active {
		return nil
	}
	txid, ok, err := r.transactionID()
	if err != nil {
		return err
	}
	return r.prepareTxn(txid, ok)
}
