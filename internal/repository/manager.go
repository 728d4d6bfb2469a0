// Package repository implements the content-addressed, sharded pack store:
// chunks are deduplicated by BLAKE3 hash, grouped into append-only pack
// files paired with sorted indexes, and sealed with CRC32 trailers once full.
package repository

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/chronoverse/crv/internal/logging"
	"github.com/chronoverse/crv/internal/rotation"
	"lukechampine.com/blake3"
)

const (
	DefaultPackSoftLimitBytes = 512 << 20
	DefaultHardSizeLimitBytes = 2 << 30
	DefaultHardChunkLimit     = 100_000

	numShards = 256
)

// Limits bundles the three rotation knobs. Every field is coerced to at
// least 1 by Open.
type Limits struct {
	PackSoftLimit  uint64
	HardSizeLimit  uint64
	HardChunkLimit uint64
	IndexCacheSize int
}

func (l Limits) withDefaults() Limits {
	if l.PackSoftLimit == 0 {
		l.PackSoftLimit = DefaultPackSoftLimitBytes
	}
	if l.HardSizeLimit == 0 {
		l.HardSizeLimit = DefaultHardSizeLimitBytes
	}
	if l.HardChunkLimit == 0 {
		l.HardChunkLimit = DefaultHardChunkLimit
	}
	if l.PackSoftLimit < 1 {
		l.PackSoftLimit = 1
	}
	if l.HardSizeLimit < 1 {
		l.HardSizeLimit = 1
	}
	if l.HardChunkLimit < 1 {
		l.HardChunkLimit = 1
	}
	return l
}

type activeBundle struct {
	packID uint32
	writer *PackWriter
	index  *MutableIndex
}

func (b *activeBundle) appendChunk(hash [32]byte, scheme Compression, data []byte) (ChunkRecord, error) {
	stored, err := compress(scheme, data)
	if err != nil {
		return ChunkRecord{}, err
	}
	record, err := b.writer.AppendChunk(hash, uint32(len(data)), uint16(scheme), stored)
	if err != nil {
		return ChunkRecord{}, err
	}
	entry := IndexEntry{Hash: hash, Offset: record.Offset, Length: record.StoredLen, Flags: record.Flags}
	if err := b.index.Insert(entry); err != nil {
		if rewindErr := b.writer.Rewind(record); rewindErr != nil {
			return ChunkRecord{}, fmt.Errorf("rewind after failed insert: %w (original: %v)", rewindErr, err)
		}
		return ChunkRecord{}, err
	}
	return record, nil
}

func (b *activeBundle) seal() error {
	if err := b.writer.Seal(); err != nil {
		return err
	}
	if err := b.index.Seal(); err != nil {
		return err
	}
	return nil
}

func (b *activeBundle) close() {
	b.writer.Close()
	b.index.Close()
}

type shardState struct {
	mu         sync.RWMutex
	knownPacks map[uint32]bool
	nextPackID uint32
	active     *activeBundle
}

func (s *shardState) sealedPackIDsNewestFirst() []uint32 {
	ids := make([]uint32, 0, len(s.knownPacks))
	for id := range s.knownPacks {
		if s.active != nil && id == s.active.packID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sortableUint32(ids)))
	return ids
}

type sortableUint32 []uint32

func (s sortableUint32) Len() int           { return len(s) }
func (s sortableUint32) Less(i, j int) bool { return s[i] < s[j] }
func (s sortableUint32) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Manager is the pack store: a sharded collection of append-only packs and
// their paired sorted indexes.
type Manager struct {
	root   string
	limits Limits
	shards [numShards]*shardState
	cache  *IndexCache
	logger *slog.Logger

	// hardPolicy is evaluated before an append lands, against the active
	// pack's state prior to the write; crossing it seals preemptively.
	hardPolicy rotation.Policy
	// softPolicy is evaluated after a successful append, against the pack's
	// new state; crossing it seals the now-full pack before the next write.
	softPolicy rotation.Policy
}

// Open scans root (creating it if needed) and returns a ready Manager. Each
// of the 256 shard directories is scanned for existing pack files so the
// next pack id allocated per shard is always greater than any seen on disk.
func Open(root string, limits Limits, logger *slog.Logger) (*Manager, error) {
	logger = logging.Default(logger).With("component", "repository")
	limits = limits.withDefaults()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	m := &Manager{
		root:   root,
		limits: limits,
		cache:  NewIndexCache(limits.IndexCacheSize),
		logger: logger,
		hardPolicy: rotation.NewCompositePolicy(
			rotation.NewSizePolicy(limits.HardSizeLimit),
			rotation.NewChunkCountPolicy(limits.HardChunkLimit),
		),
		softPolicy: rotation.NewSizePolicy(limits.PackSoftLimit),
	}

	for shard := 0; shard < numShards; shard++ {
		dir := m.shardDir(byte(shard))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		known, next, err := discoverExistingPacks(dir)
		if err != nil {
			return nil, err
		}
		m.shards[shard] = &shardState{knownPacks: known, nextPackID: next}
	}

	return m, nil
}

func (m *Manager) shardDir(shard byte) string {
	return filepath.Join(m.root, fmt.Sprintf("shard_%02x", shard))
}

func (m *Manager) packPath(shard byte, id uint32) string {
	return filepath.Join(m.shardDir(shard), fmt.Sprintf("pack_%06d.dat", id))
}

func (m *Manager) idxPath(shard byte, id uint32) string {
	return filepath.Join(m.shardDir(shard), fmt.Sprintf("pack_%06d.idx", id))
}

const packFilePrefix = "pack_"
const packDataSuffix = ".dat"

func discoverExistingPacks(dir string) (map[uint32]bool, uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}
	known := make(map[uint32]bool)
	var maxID uint32
	var haveAny bool
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, packFilePrefix) || !strings.HasSuffix(name, packDataSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, packFilePrefix), packDataSuffix)
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		known[uint32(id)] = true
		if !haveAny || uint32(id) > maxID {
			maxID = uint32(id)
			haveAny = true
		}
	}
	next := uint32(1)
	if haveAny {
		if maxID == math.MaxUint32 {
			return known, 0, &PackIDOverflowError{}
		}
		next = maxID + 1
	}
	return known, next, nil
}

// WriteChunk stores data, deduplicating by its BLAKE3 hash within the
// target shard, and returns the resulting ChunkRecord.
func (m *Manager) WriteChunk(data []byte, scheme Compression) (ChunkRecord, error) {
	if len(data) > math.MaxUint32 {
		return ChunkRecord{}, &ChunkTooLargeError{Size: len(data)}
	}
	hash := blake3.Sum256(data)
	shard := hash[0]
	s := m.shards[shard]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		stats := s.active.writer.Stats()
		state := rotation.PackState{ChunkCount: stats.ChunkCount, PhysicalBytes: stats.PhysicalBytes}
		if m.hardPolicy.ShouldRotate(state) {
			if err := m.sealActiveLocked(shard, s); err != nil {
				return ChunkRecord{}, err
			}
		}
	}

	if s.active != nil && s.active.index.Contains(hash) {
		return ChunkRecord{}, &DuplicateHashError{Hash: hash}
	}
	for _, packID := range s.sealedPackIDsNewestFirst() {
		snapshot, err := m.cache.Lookup(shard, packID, m.packPath(shard, packID), m.idxPath(shard, packID))
		if err != nil {
			return ChunkRecord{}, err
		}
		if snapshot == nil {
			continue // orphan pack, ignored
		}
		if _, ok := snapshot.Find(hash); ok {
			return ChunkRecord{}, &DuplicateHashError{Hash: hash}
		}
	}

	if s.active == nil {
		if err := m.ensureActiveLocked(shard, s); err != nil {
			return ChunkRecord{}, err
		}
	}

	record, err := s.active.appendChunk(hash, scheme, data)
	if err != nil {
		return ChunkRecord{}, err
	}

	postStats := s.active.writer.Stats()
	if m.softPolicy.ShouldRotate(rotation.PackState{ChunkCount: postStats.ChunkCount, PhysicalBytes: postStats.PhysicalBytes}) {
		if err := m.sealActiveLocked(shard, s); err != nil {
			return ChunkRecord{}, err
		}
	}

	return record, nil
}

func (m *Manager) ensureActiveLocked(shard byte, s *shardState) error {
	id := s.nextPackID
	if id == math.MaxUint32 {
		return &PackIDOverflowError{}
	}
	writer, err := CreatePack(m.packPath(shard, id))
	if err != nil {
		return err
	}
	index, err := CreateIndex(m.idxPath(shard, id))
	if err != nil {
		writer.Close()
		return err
	}
	s.active = &activeBundle{packID: id, writer: writer, index: index}
	s.knownPacks[id] = true
	s.nextPackID = id + 1
	return nil
}

func (m *Manager) sealActiveLocked(shard byte, s *shardState) error {
	if s.active == nil {
		return nil
	}
	if err := s.active.seal(); err != nil {
		return err
	}
	m.cache.Invalidate(shard, s.active.packID)
	m.logger.Info("pack sealed", "shard", shard, "pack_id", s.active.packID)
	s.active.close()
	s.active = nil
	return nil
}

// ReadChunk returns the decompressed payload for hash, or ChunkNotFoundError.
func (m *Manager) ReadChunk(hash [32]byte) ([]byte, error) {
	shard := hash[0]
	s := m.shards[shard]

	s.mu.RLock()
	var activeEntry *IndexEntry
	var activePackID uint32
	if s.active != nil {
		if e, ok := s.active.index.Find(hash); ok {
			activeEntry = &e
			activePackID = s.active.packID
		}
	}
	sealedIDs := s.sealedPackIDsNewestFirst()
	s.mu.RUnlock()

	if activeEntry != nil {
		return m.readFromPack(shard, activePackID, *activeEntry)
	}

	for _, packID := range sealedIDs {
		snapshot, err := m.cache.Lookup(shard, packID, m.packPath(shard, packID), m.idxPath(shard, packID))
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			continue
		}
		if e, ok := snapshot.Find(hash); ok {
			return m.readFromPack(shard, packID, e)
		}
	}

	return nil, &ChunkNotFoundError{Hash: hash}
}

// HasChunk reports whether hash is already stored, without reading its
// payload. Submit's pre-commit completeness check uses this to tell apart
// chunks a client still needs to upload from ones dedup already covers.
func (m *Manager) HasChunk(hash [32]byte) (bool, error) {
	shard := hash[0]
	s := m.shards[shard]

	s.mu.RLock()
	if s.active != nil {
		if _, ok := s.active.index.Find(hash); ok {
			s.mu.RUnlock()
			return true, nil
		}
	}
	sealedIDs := s.sealedPackIDsNewestFirst()
	s.mu.RUnlock()

	for _, packID := range sealedIDs {
		snapshot, err := m.cache.Lookup(shard, packID, m.packPath(shard, packID), m.idxPath(shard, packID))
		if err != nil {
			return false, err
		}
		if snapshot == nil {
			continue
		}
		if _, ok := snapshot.Find(hash); ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) readFromPack(shard byte, packID uint32, entry IndexEntry) ([]byte, error) {
	reader, err := OpenPackReader(m.packPath(shard, packID))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return reader.ReadChunk(entry)
}

// SealShard idempotently seals the shard's active pack, if any.
func (m *Manager) SealShard(shard byte) error {
	s := m.shards[shard]
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.sealActiveLocked(shard, s)
}

// SealBundle seals the shard's active pack only if its id matches packID.
func (m *Manager) SealBundle(shard byte, packID uint32) error {
	s := m.shards[shard]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.packID != packID {
		return nil
	}
	return m.sealActiveLocked(shard, s)
}

// SealAll seals every shard's active pack.
func (m *Manager) SealAll() error {
	for shard := 0; shard < numShards; shard++ {
		if err := m.SealShard(byte(shard)); err != nil {
			return err
		}
	}
	return nil
}
