package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/segstore/segstore/internal/obs"
	"github.com/segstore/segstore/internal/wal"
)

// HintsVersion is always written on snapshot; version 1 is recognized (and
// upgraded) on load, per spec.md §4.2.
const HintsVersion = 2

// indexEntryOnDisk is the serialized form of one key -> location mapping.
// Key is stored as raw bytes rather than a fixed-size array because
// msgpack's reflection-based codec does not have a clean encoding for Go
// array types as map/slice elements across versions.
type indexEntryOnDisk struct {
	Key     []byte `msgpack:"key"`
	Segment uint64 `msgpack:"segment"`
	Offset  int64  `msgpack:"offset"`
}

type indexFileOnDisk struct {
	Entries []indexEntryOnDisk `msgpack:"entries"`
}

// hintsFileOnDisk covers both versions: V1Compact is populated only when
// Version == 1 (a set of segments needing a sparseness rebuild); Compact is
// populated only when Version == 2.
type hintsFileOnDisk struct {
	Version  int             `msgpack:"version"`
	Segments map[uint64]int64 `msgpack:"segments"`
	Compact  map[uint64]int64 `msgpack:"compact,omitempty"`
	V1Compact []uint64        `msgpack:"v1_compact,omitempty"`
}

// Open reads index.<txid> and hints.<txid> from root and returns a populated
// Index. needsRebuild lists segments whose compact[] counter must be
// recomputed by the caller (only non-empty when upgrading v1 hints).
//
// If the index file is missing, corrupt, or fails to deserialize, Open
// returns (nil, nil, ErrCorruptIndex) so the repository can unlink it and
// drive a full check_transaction/replay, per spec.md §4.2 and §7.
func Open(root string, txid uint64) (idx *Index, needsRebuild []uint64, err error) {
	log := obs.Logger("index")

	indexPath := filepath.Join(root, fmt.Sprintf("index.%d", txid))
	indexBytes, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	var onDisk indexFileOnDisk
	if err := msgpack.Unmarshal(indexBytes, &onDisk); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}

	entries := make(map[wal.Key]Location, len(onDisk.Entries))
	for _, e := range onDisk.Entries {
		var k wal.Key
		if len(e.Key) != wal.KeySize {
			return nil, nil, fmt.Errorf("%w: key of length %d", ErrCorruptIndex, len(e.Key))
		}
		copy(k[:], e.Key)
		entries[k] = Location{Segment: e.Segment, Offset: e.Offset}
	}

	hintsPath := filepath.Join(root, fmt.Sprintf("hints.%d", txid))
	hintsBytes, err := os.ReadFile(hintsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptHints, err)
	}
	var hints hintsFileOnDisk
	if err := msgpack.Unmarshal(hintsBytes, &hints); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptHints, err)
	}

	idx = New()
	idx.loadEntries(entries)

	switch hints.Version {
	case 1:
		log.Debug().Uint64("txid", txid).Msg("upgrading from v1 hints")
		idx.loadHints(hints.Segments, make(map[uint64]int64))
		needsRebuild = append([]uint64(nil), hints.V1Compact...)
		sort.Slice(needsRebuild, func(i, j int) bool { return needsRebuild[i] < needsRebuild[j] })
	case 2:
		if hints.Compact == nil {
			// an empty compact map is omitted on write (omitempty)
			hints.Compact = make(map[uint64]int64)
		}
		idx.loadHints(hints.Segments, hints.Compact)
	default:
		return nil, nil, fmt.Errorf("%w: unknown hints version %d", ErrCorruptHints, hints.Version)
	}

	return idx, needsRebuild, nil
}

// Snapshot persists idx as index.<txid> and hints.<txid>, writing to .tmp
// files first and renaming into place, then removing any index.*/hints.*
// whose suffix isn't txid. hints.<txid>.tmp is fsynced before rename; the
// index rename itself provides the atomic swap point.
func Snapshot(root string, txid uint64) func(idx *Index) error {
	return func(idx *Index) error {
		entries := idx.snapshotView()
		segments, compact := idx.hintsView()

		onDisk := indexFileOnDisk{Entries: make([]indexEntryOnDisk, 0, len(entries))}
		for k, loc := range entries {
			key := append([]byte(nil), k[:]...)
			onDisk.Entries = append(onDisk.Entries, indexEntryOnDisk{Key: key, Segment: loc.Segment, Offset: loc.Offset})
		}
		indexBytes, err := msgpack.Marshal(&onDisk)
		if err != nil {
			return fmt.Errorf("index: marshal snapshot: %w", err)
		}

		hints := hintsFileOnDisk{Version: HintsVersion, Segments: segments, Compact: compact}
		hintsBytes, err := msgpack.Marshal(&hints)
		if err != nil {
			return fmt.Errorf("index: marshal hints: %w", err)
		}

		hintsTmp := filepath.Join(root, fmt.Sprintf("hints.%d.tmp", txid))
		hintsFinal := filepath.Join(root, fmt.Sprintf("hints.%d", txid))
		if err := writeFileFsync(hintsTmp, hintsBytes); err != nil {
			return fmt.Errorf("index: write hints: %w", err)
		}
		if err := os.Rename(hintsTmp, hintsFinal); err != nil {
			return fmt.Errorf("index: rename hints: %w", err)
		}

		indexTmp := filepath.Join(root, "index.tmp")
		indexFinal := filepath.Join(root, fmt.Sprintf("index.%d", txid))
		if err := writeFileFsync(indexTmp, indexBytes); err != nil {
			return fmt.Errorf("index: write index: %w", err)
		}
		if err := os.Rename(indexTmp, indexFinal); err != nil {
			return fmt.Errorf("index: rename index: %w", err)
		}

		return cleanupAuxFiles(root, txid)
	}
}

func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// cleanupAuxFiles removes every index.* / hints.* file whose suffix isn't
// the current txid (and that isn't a .tmp file mid-write by this call).
func cleanupAuxFiles(root string, txid uint64) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	current := strconv.FormatUint(txid, 10)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var prefix string
		switch {
		case strings.HasPrefix(name, "index."):
			prefix = "index."
		case strings.HasPrefix(name, "hints."):
			prefix = "hints."
		default:
			continue
		}
		suffix := strings.TrimPrefix(name, prefix)
		if suffix == current {
			continue
		}
		if err := os.Remove(filepath.Join(root, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RemoveSnapshot deletes index.<txid> and hints.<txid>, used when a corrupt
// index or hints file must be discarded to force a full replay.
func RemoveSnapshot(root string, txid uint64) error {
	idxErr := os.Remove(filepath.Join(root, fmt.Sprintf("index.%d", txid)))
	hintsErr := os.Remove(filepath.Join(root, fmt.Sprintf("hints.%d", txid)))
	if idxErr != nil && !os.IsNotExist(idxErr) {
		return idxErr
	}
	if hintsErr != nil && !os.IsNotExist(hintsErr) {
		return hintsErr
	}
	return nil
}

// LatestTxID scans root for the highest index.<N> file with nonzero size,
// returning ok=false if none exists.
func LatestTxID(root string) (txid uint64, ok bool, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, false, err
	}
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "index.") {
			continue
		}
		suffix := strings.TrimPrefix(e.Name(), "index.")
		n, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		if !found || n > txid {
			txid = n
			found = true
		}
	}
	return txid, found, nil
}
