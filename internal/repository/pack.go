package repository

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/chronoverse/crv/internal/format"
)

// entryFixedOverhead is stored_len(4) + flags(2) + hash(32), excluding payload.
const entryFixedOverhead = 4 + 2 + 32

// ChunkRecord describes where a chunk landed in a pack after a write.
type ChunkRecord struct {
	Hash       [32]byte
	Offset     uint64
	StoredLen  uint32
	LogicalLen uint32
	Flags      uint16
}

// PackStats tracks a pack's size for rotation decisions.
type PackStats struct {
	ChunkCount    uint64
	LogicalBytes  uint64
	PhysicalBytes uint64
}

func (s *PackStats) applyChunk(storedLen, logicalLen uint32) {
	s.ChunkCount++
	s.LogicalBytes += uint64(logicalLen)
	s.PhysicalBytes += uint64(storedLen) + entryFixedOverhead
}

func (s *PackStats) rollbackChunk(storedLen, logicalLen uint32) {
	s.ChunkCount--
	s.LogicalBytes -= uint64(logicalLen)
	s.PhysicalBytes -= uint64(storedLen) + entryFixedOverhead
}

// PackWriter appends chunk entries to a pack file until it is sealed.
type PackWriter struct {
	file   *os.File
	path   string
	sealed bool
	stats  PackStats
}

// CreatePack creates a new, empty pack file and writes its header.
func CreatePack(path string) (*PackWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(format.EncodePackHeader(format.PackHeader{Version: format.Version})); err != nil {
		f.Close()
		return nil, err
	}
	return &PackWriter{file: f, path: path}, nil
}

func (w *PackWriter) Stats() PackStats { return w.stats }

// AppendChunk writes one entry at the current end of file and returns the
// resulting ChunkRecord. The caller has already compressed payload and
// computed flags; hash and logicalLen describe the original content.
func (w *PackWriter) AppendChunk(hash [32]byte, logicalLen uint32, flags uint16, payload []byte) (ChunkRecord, error) {
	if w.sealed {
		return ChunkRecord{}, &AlreadySealedError{Path: w.path}
	}
	if len(payload) > math.MaxUint32 {
		return ChunkRecord{}, &ChunkTooLargeError{Size: len(payload)}
	}
	storedLen := uint32(len(payload))

	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return ChunkRecord{}, err
	}

	buf := make([]byte, entryFixedOverhead)
	binary.LittleEndian.PutUint32(buf[0:4], storedLen)
	binary.LittleEndian.PutUint16(buf[4:6], flags)
	copy(buf[6:38], hash[:])

	if _, err := w.file.Write(buf); err != nil {
		return ChunkRecord{}, err
	}
	if _, err := w.file.Write(payload); err != nil {
		return ChunkRecord{}, err
	}
	if err := w.file.Sync(); err != nil {
		return ChunkRecord{}, err
	}

	w.stats.applyChunk(storedLen, logicalLen)

	return ChunkRecord{
		Hash:       hash,
		Offset:     uint64(offset),
		StoredLen:  storedLen,
		LogicalLen: logicalLen,
		Flags:      flags,
	}, nil
}

// Rewind truncates the pack back to the offset the record was written at,
// undoing a failed index insert. The pack's length after Rewind equals its
// length before the append that produced record.
func (w *PackWriter) Rewind(record ChunkRecord) error {
	if err := w.file.Truncate(int64(record.Offset)); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.stats.rollbackChunk(record.StoredLen, record.LogicalLen)
	return nil
}

// Seal appends a CRC32 trailer over the header and all entries, syncs, and
// marks the pack immutable.
func (w *PackWriter) Seal() error {
	if w.sealed {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	dataLen, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	crc, err := computeCRC32(w.file, dataLen)
	if err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	trailer := make([]byte, format.TrailerSize)
	binary.LittleEndian.PutUint32(trailer, crc)
	if _, err := w.file.Write(trailer); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.sealed = true
	return nil
}

func (w *PackWriter) Close() error { return w.file.Close() }

// PackReader provides random-access reads over a pack file, sealed or not.
type PackReader struct {
	file    *os.File
	dataLen int64
	sealed  bool
}

// OpenPackReader opens an existing pack file, validates its header, and
// determines whether it carries a valid sealed trailer.
func OpenPackReader(path string) (*PackReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	headerBuf := make([]byte, format.PackHeaderSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		f.Close()
		return nil, &CorruptedError{Msg: "pack header: " + err.Error()}
	}
	if _, err := format.DecodePackHeader(headerBuf); err != nil {
		f.Close()
		return nil, err
	}

	totalLen, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}

	dataLen, sealed, err := detectDataLen(f, totalLen)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &PackReader{file: f, dataLen: dataLen, sealed: sealed}, nil
}

func detectDataLen(f *os.File, totalLen int64) (int64, bool, error) {
	if totalLen < format.PackHeaderSize+format.TrailerSize {
		return totalLen, false, nil
	}
	prefixLen := totalLen - format.TrailerSize
	trailer := make([]byte, format.TrailerSize)
	if _, err := f.ReadAt(trailer, prefixLen); err != nil {
		return 0, false, err
	}
	claimedCRC := binary.LittleEndian.Uint32(trailer)
	actualCRC, err := computeCRC32(f, prefixLen)
	if err != nil {
		return 0, false, err
	}
	if actualCRC == claimedCRC {
		return prefixLen, true, nil
	}
	return totalLen, false, nil
}

func computeCRC32(f *os.File, n int64) (uint32, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, f, n); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// ReadChunk reads the entry described by e, verifying that the on-disk
// fields match the index entry before trusting the payload.
func (r *PackReader) ReadChunk(e IndexEntry) ([]byte, error) {
	if e.Offset+entryFixedOverhead+uint64(e.Length) > uint64(r.dataLen) {
		return nil, &CorruptedError{Msg: "entry extends past pack data"}
	}

	head := make([]byte, entryFixedOverhead)
	if _, err := r.file.ReadAt(head, int64(e.Offset)); err != nil {
		return nil, err
	}
	storedLen := binary.LittleEndian.Uint32(head[0:4])
	flags := binary.LittleEndian.Uint16(head[4:6])
	var hash [32]byte
	copy(hash[:], head[6:38])

	if storedLen != e.Length || flags != e.Flags || hash != e.Hash {
		return nil, &CorruptedError{Msg: "pack entry disagrees with index"}
	}

	payload := make([]byte, storedLen)
	if _, err := r.file.ReadAt(payload, int64(e.Offset)+entryFixedOverhead); err != nil {
		return nil, err
	}
	return decompress(Compression(flags), payload)
}

func (r *PackReader) Sealed() bool { return r.sealed }

func (r *PackReader) Close() error { return r.file.Close() }
