package wal

import (
	"io"
	"os"

	"github.com/segstore/segstore/internal/obs"
)

// RecoverSegment rewrites a corrupted segment in place: the original file is
// renamed to "<path>.beforerecover" and a new file at path is written
// containing every valid frame read up to the first corruption, plus a
// trailing synthesized COMMIT so the truncated segment is itself
// self-consistent. Returns the number of valid frames kept.
//
// This mirrors the original's repository_check: "repair" path for a
// segment whose tail cannot be parsed — lossily recover rather than discard
// the whole segment.
func RecoverSegment(segment uint64, path string) (int, error) {
	backup := path + ".beforerecover"
	if err := os.Rename(path, backup); err != nil {
		return 0, err
	}

	log := obs.Logger("wal")

	src, err := os.Open(backup)
	if err != nil {
		return 0, err
	}
	defer func() { _ = src.Close() }()

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(src, magic); err != nil {
		// Not even a valid header: recover to an empty, freshly-stamped segment.
		return 0, writeEmptySegment(path)
	}

	dst, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return 0, err
	}
	defer func() { _ = dst.Close() }()

	if _, err := dst.Write(Magic[:]); err != nil {
		return 0, err
	}

	it := &SegmentIterator{segment: segment, file: src, filePath: backup, offset: int64(len(Magic)), readData: true}
	kept := 0
	lastWasCommit := false
	for it.Next() {
		e := it.Entry()
		var frame []byte
		switch e.Tag {
		case TagPut:
			frame = EncodePut(e.Key, e.Data)
		case TagDelete:
			frame = EncodeDelete(e.Key)
		case TagCommit:
			frame = EncodeCommit()
		}
		if _, err := dst.Write(frame); err != nil {
			return kept, err
		}
		kept++
		lastWasCommit = e.Tag == TagCommit
	}
	if it.Err() != nil {
		log.Warn().Uint64("segment", segment).Err(it.Err()).Int("framesKept", kept).Msg("truncating segment at first corrupt frame")
	}

	if !lastWasCommit {
		if _, err := dst.Write(EncodeCommit()); err != nil {
			return kept, err
		}
	}

	if err := dst.Sync(); err != nil {
		return kept, err
	}
	return kept, nil
}

func writeEmptySegment(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(Magic[:]); err != nil {
		return err
	}
	if _, err := f.Write(EncodeCommit()); err != nil {
		return err
	}
	return f.Sync()
}
