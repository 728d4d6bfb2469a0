package repository

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/chronoverse/crv/internal/format"
)

// indexEntrySize is hash(32) + offset(8) + length(4) + flags(2).
const indexEntrySize = 32 + 8 + 4 + 2

// IndexEntry locates one chunk inside its pack file.
type IndexEntry struct {
	Hash   [32]byte
	Offset uint64
	Length uint32
	Flags  uint16
}

func encodeIndexEntry(e IndexEntry) []byte {
	buf := make([]byte, indexEntrySize)
	copy(buf[0:32], e.Hash[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.Offset)
	binary.LittleEndian.PutUint32(buf[40:44], e.Length)
	binary.LittleEndian.PutUint16(buf[44:46], e.Flags)
	return buf
}

func decodeIndexEntry(buf []byte) IndexEntry {
	var e IndexEntry
	copy(e.Hash[:], buf[0:32])
	e.Offset = binary.LittleEndian.Uint64(buf[32:40])
	e.Length = binary.LittleEndian.Uint32(buf[40:44])
	e.Flags = binary.LittleEndian.Uint16(buf[44:46])
	return e
}

// loadEntries reads and validates an index file's header and entries,
// returning the parsed entries and whether the file is sealed. It enforces
// strictly ascending hash order and rejects any structural mismatch.
func loadEntries(f *os.File) ([]IndexEntry, bool, error) {
	totalLen, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, false, err
	}
	if totalLen < format.IndexHeaderSize {
		return nil, false, &CorruptedError{Msg: "index file shorter than header"}
	}

	headerBuf := make([]byte, format.IndexHeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return nil, false, err
	}
	header, err := format.DecodeIndexHeader(headerBuf)
	if err != nil {
		return nil, false, err
	}

	expectedDataLen := int64(format.IndexHeaderSize) + int64(header.EntryCount)*indexEntrySize

	var sealed bool
	switch {
	case totalLen == expectedDataLen+format.TrailerSize:
		trailer := make([]byte, format.TrailerSize)
		if _, err := f.ReadAt(trailer, expectedDataLen); err != nil {
			return nil, false, err
		}
		claimed := binary.LittleEndian.Uint32(trailer)
		actual, err := computeCRC32(f, expectedDataLen)
		if err != nil {
			return nil, false, err
		}
		if actual != claimed {
			return nil, false, &CrcMismatchError{Path: f.Name()}
		}
		sealed = true
	case totalLen == expectedDataLen:
		sealed = false
	default:
		return nil, false, &CorruptedError{Msg: "index length does not match header entry count"}
	}

	entries := make([]IndexEntry, header.EntryCount)
	buf := make([]byte, indexEntrySize)
	var prev [32]byte
	for i := uint64(0); i < header.EntryCount; i++ {
		off := int64(format.IndexHeaderSize) + int64(i)*indexEntrySize
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, false, err
		}
		e := decodeIndexEntry(buf)
		if i > 0 && bytes.Compare(prev[:], e.Hash[:]) >= 0 {
			return nil, false, &CorruptedError{Msg: "index entries out of order"}
		}
		prev = e.Hash
		entries[i] = e
	}

	return entries, sealed, nil
}

// MutableIndex is the active pack's index: rewritten in full after every
// insert until it is sealed alongside its pack.
type MutableIndex struct {
	path    string
	file    *os.File
	entries []IndexEntry
	sealed  bool
}

// CreateIndex creates a new, empty index file.
func CreateIndex(path string) (*MutableIndex, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	idx := &MutableIndex{path: path, file: f}
	if err := idx.persist(); err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

// OpenMutableIndex reopens an existing, not-yet-sealed index file.
func OpenMutableIndex(path string) (*MutableIndex, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	entries, sealed, err := loadEntries(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if sealed {
		f.Close()
		return nil, &AlreadySealedError{Path: path}
	}
	return &MutableIndex{path: path, file: f, entries: entries}, nil
}

func (idx *MutableIndex) Find(hash [32]byte) (IndexEntry, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].Hash[:], hash[:]) >= 0
	})
	if i < len(idx.entries) && idx.entries[i].Hash == hash {
		return idx.entries[i], true
	}
	return IndexEntry{}, false
}

func (idx *MutableIndex) Contains(hash [32]byte) bool {
	_, ok := idx.Find(hash)
	return ok
}

// Insert adds entry in sorted position and rewrites the index file in full.
// Returns DuplicateHashError without modifying state if the hash is present.
func (idx *MutableIndex) Insert(entry IndexEntry) error {
	if idx.sealed {
		return &AlreadySealedError{Path: idx.path}
	}
	i := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].Hash[:], entry.Hash[:]) >= 0
	})
	if i < len(idx.entries) && idx.entries[i].Hash == entry.Hash {
		return &DuplicateHashError{Hash: entry.Hash}
	}
	idx.entries = append(idx.entries, IndexEntry{})
	copy(idx.entries[i+1:], idx.entries[i:])
	idx.entries[i] = entry
	return idx.persist()
}

// persist truncates the file and rewrites header+entries, syncing data. This
// whole-file rewrite is the durability mechanism before the index is sealed.
func (idx *MutableIndex) persist() error {
	if _, err := idx.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := idx.file.Truncate(0); err != nil {
		return err
	}
	header := format.EncodeIndexHeader(format.IndexHeader{
		Version:    format.Version,
		EntryCount: uint64(len(idx.entries)),
	})
	if _, err := idx.file.Write(header); err != nil {
		return err
	}
	for _, e := range idx.entries {
		if _, err := idx.file.Write(encodeIndexEntry(e)); err != nil {
			return err
		}
	}
	return idx.file.Sync()
}

// Seal persists the final entry set and appends a CRC32 trailer.
func (idx *MutableIndex) Seal() error {
	if idx.sealed {
		return nil
	}
	if err := idx.persist(); err != nil {
		return err
	}
	dataLen, err := idx.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	crc, err := computeCRC32(idx.file, dataLen)
	if err != nil {
		return err
	}
	trailer := make([]byte, format.TrailerSize)
	binary.LittleEndian.PutUint32(trailer, crc)
	if _, err := idx.file.Write(trailer); err != nil {
		return err
	}
	if err := idx.file.Sync(); err != nil {
		return err
	}
	idx.sealed = true
	return nil
}

func (idx *MutableIndex) Close() error { return idx.file.Close() }

// IndexSnapshot is a read-only, immutable view of a sealed (or in-progress)
// index file, suitable for caching.
type IndexSnapshot struct {
	entries []IndexEntry
	sealed  bool
}

// OpenIndexSnapshot loads and validates an index file without retaining a
// write handle.
func OpenIndexSnapshot(path string) (*IndexSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, sealed, err := loadEntries(f)
	if err != nil {
		return nil, err
	}
	return &IndexSnapshot{entries: entries, sealed: sealed}, nil
}

func (s *IndexSnapshot) Find(hash [32]byte) (IndexEntry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].Hash[:], hash[:]) >= 0
	})
	if i < len(s.entries) && s.entries[i].Hash == hash {
		return s.entries[i], true
	}
	return IndexEntry{}, false
}

func (s *IndexSnapshot) Sealed() bool { return s.sealed }

// verifyTrailerCRC is used by tests to assert the sealed-pack invariant
// directly against a file on disk.
func verifyTrailerCRC(path string, dataLen int64) (uint32, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	trailer := make([]byte, format.TrailerSize)
	if _, err := f.ReadAt(trailer, dataLen); err != nil {
		return 0, 0, err
	}
	claimed := binary.LittleEndian.Uint32(trailer)
	actual, err := computeCRC32(f, dataLen)
	if err != nil {
		return 0, 0, err
	}
	return claimed, actual, nil
}
