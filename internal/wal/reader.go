package wal

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Entry is one decoded, CRC-validated frame read back from a segment.
type Entry struct {
	Tag    Tag
	Key    Key
	Offset int64
	Size   int
	Data   []byte // nil when the iterator was opened with readData=false
}

// SegmentIterator walks the frames of one segment file in order, validating
// magic, CRC, and size bounds as it goes. Grounded on this package's former
// SegmentIterator shape (Next/Record/Err/Offset/Close) with the frame layout
// replaced by spec's PUT/DELETE/COMMIT framing.
type SegmentIterator struct {
	segment  uint64
	file     *os.File
	filePath string
	offset   int64
	readData bool

	entry Entry
	err   error
}

// NewSegmentIterator opens path (expected to be segment id's file) for
// iteration. When readData is false, PUT values are skipped rather than
// read into memory; Entry.Size still reports the value length.
func NewSegmentIterator(segment uint64, path string, readData bool) (*SegmentIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %d: %w", segment, err)
	}
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, magic); err != nil {
		_ = f.Close()
		return nil, newIntegrityError(segment, 0, "missing or short magic: %v", err)
	}
	for i := range Magic {
		if magic[i] != Magic[i] {
			_ = f.Close()
			return nil, newIntegrityError(segment, 0, "bad magic")
		}
	}
	return &SegmentIterator{
		segment:  segment,
		file:     f,
		filePath: path,
		offset:   int64(len(Magic)),
		readData: readData,
	}, nil
}

// Next advances to the next frame. Returns false at clean EOF or on error;
// distinguish the two with Err.
func (it *SegmentIterator) Next() bool {
	if it.err != nil {
		return false
	}

	start := it.offset
	header := make([]byte, baseHeaderSize)
	if _, err := io.ReadFull(it.file, header); err != nil {
		if errors.Is(err, io.EOF) {
			return false
		}
		it.err = newIntegrityError(it.segment, start, "short header: %v", err)
		return false
	}

	h, err := decodeHeader(header)
	if err != nil {
		it.err = newIntegrityError(it.segment, start, "%v", err)
		return false
	}

	var key Key
	hasKey := h.Tag == TagPut || h.Tag == TagDelete
	if hasKey {
		if int(h.Size) < putHeaderSize {
			it.err = newIntegrityError(it.segment, start, "size %d too small for tag %s", h.Size, h.Tag)
			return false
		}
		keyBuf := make([]byte, KeySize)
		if _, err := io.ReadFull(it.file, keyBuf); err != nil {
			it.err = newIntegrityError(it.segment, start, "short key: %v", err)
			return false
		}
		copy(key[:], keyBuf)
	} else if int(h.Size) < baseHeaderSize {
		it.err = newIntegrityError(it.segment, start, "size %d too small for tag %s", h.Size, h.Tag)
		return false
	}

	headerLen := baseHeaderSize
	if hasKey {
		headerLen = putHeaderSize
	}
	valueLen := int(h.Size) - headerLen
	if valueLen < 0 {
		it.err = newIntegrityError(it.segment, start, "negative value length")
		return false
	}
	if valueLen > MaxObjectSize {
		it.err = newIntegrityError(it.segment, start, "value length %d exceeds max object size", valueLen)
		return false
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	if hasKey {
		crc.Write(key[:])
	}

	var data []byte
	if valueLen > 0 {
		if it.readData {
			data = make([]byte, valueLen)
			if _, err := io.ReadFull(it.file, data); err != nil {
				it.err = newIntegrityError(it.segment, start, "short value: %v", err)
				return false
			}
			crc.Write(data)
		} else {
			if _, err := it.file.Seek(int64(valueLen), io.SeekCurrent); err != nil {
				it.err = newIntegrityError(it.segment, start, "seek past value: %v", err)
				return false
			}
			// CRC cannot be validated without reading the value; callers
			// that need integrity checking must pass readData=true.
		}
	}

	if it.readData || valueLen == 0 {
		if crc.Sum32() != h.CRC {
			it.err = newIntegrityError(it.segment, start, "CRC mismatch")
			return false
		}
	}

	it.entry = Entry{
		Tag:    h.Tag,
		Key:    key,
		Offset: start,
		Size:   valueLen,
		Data:   data,
	}
	it.offset = start + int64(h.Size)
	return true
}

// Entry returns the most recently read frame.
func (it *SegmentIterator) Entry() Entry { return it.entry }

// Err returns the error that stopped iteration, if any (nil at clean EOF).
func (it *SegmentIterator) Err() error { return it.err }

// Offset returns the byte offset iteration will resume from.
func (it *SegmentIterator) Offset() int64 { return it.offset }

// Close releases the underlying file handle.
func (it *SegmentIterator) Close() error {
	if it.file != nil {
		return it.file.Close()
	}
	return nil
}

// ReadValue performs a random-access read of a PUT frame at (segment, offset)
// and verifies that the stored key matches expectedKey and the CRC is valid.
// f is an already-open read handle for the segment (see FDCache).
func ReadValue(f *os.File, segment uint64, offset int64, expectedKey Key) ([]byte, error) {
	header := make([]byte, putHeaderSize)
	if _, err := f.ReadAt(header, offset); err != nil {
		return nil, newIntegrityError(segment, offset, "short header: %v", err)
	}
	h, err := decodeHeader(header[:baseHeaderSize])
	if err != nil {
		return nil, newIntegrityError(segment, offset, "%v", err)
	}
	if h.Tag != TagPut {
		return nil, newIntegrityError(segment, offset, "expected PUT, found %s", h.Tag)
	}
	var key Key
	copy(key[:], header[9:41])
	if key != expectedKey {
		return nil, newIntegrityError(segment, offset, "key mismatch")
	}
	if int(h.Size) < putHeaderSize {
		return nil, newIntegrityError(segment, offset, "size %d too small", h.Size)
	}
	valueLen := int(h.Size) - putHeaderSize
	if valueLen > MaxObjectSize {
		return nil, newIntegrityError(segment, offset, "value length %d exceeds max object size", valueLen)
	}
	value := make([]byte, valueLen)
	if valueLen > 0 {
		if _, err := f.ReadAt(value, offset+putHeaderSize); err != nil {
			return nil, newIntegrityError(segment, offset, "short value: %v", err)
		}
	}
	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(value)
	if crc.Sum32() != h.CRC {
		return nil, newIntegrityError(segment, offset, "CRC mismatch")
	}
	return value, nil
}

// FrameSizeAt performs a header-only random-access read of a PUT frame at
// (segment, offset): it verifies the stored key matches expectedKey and
// returns the frame's total on-disk size (header + key + value) without
// reading or CRC-validating the value bytes. This mirrors the original's
// read(..., read_data=False), used only for compaction/replay bookkeeping
// (sizing reclaimable bytes), never to serve a caller's get.
func FrameSizeAt(f *os.File, segment uint64, offset int64, expectedKey Key) (int, error) {
	header := make([]byte, putHeaderSize)
	if _, err := f.ReadAt(header, offset); err != nil {
		return 0, newIntegrityError(segment, offset, "short header: %v", err)
	}
	h, err := decodeHeader(header[:baseHeaderSize])
	if err != nil {
		return 0, newIntegrityError(segment, offset, "%v", err)
	}
	if h.Tag != TagPut {
		return 0, newIntegrityError(segment, offset, "expected PUT, found %s", h.Tag)
	}
	var key Key
	copy(key[:], header[9:41])
	if key != expectedKey {
		return 0, newIntegrityError(segment, offset, "key mismatch")
	}
	if int(h.Size) < putHeaderSize {
		return 0, newIntegrityError(segment, offset, "size %d too small", h.Size)
	}
	return int(h.Size), nil
}

// SegmentChecksum computes a whole-file CRC32 of a segment. Check does not
// call it; it validates segments frame by frame.
func SegmentChecksum(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
