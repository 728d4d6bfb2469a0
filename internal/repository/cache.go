package repository

import (
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultIndexCacheCapacity matches the reference implementation's default
// LRU size.
const DefaultIndexCacheCapacity = 128

type cacheKey struct {
	shard  byte
	packID uint32
}

type cachedSnapshot struct {
	snapshot *IndexSnapshot
	modTime  time.Time
	size     int64
}

// IndexCache memoizes parsed IndexSnapshots keyed by (shard, pack_id),
// invalidated whenever the backing .idx file's mtime or length changes.
type IndexCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewIndexCache builds a cache with room for capacity snapshots.
func NewIndexCache(capacity int) *IndexCache {
	if capacity <= 0 {
		capacity = DefaultIndexCacheCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		// Only occurs for capacity <= 0, already guarded above.
		panic(err)
	}
	return &IndexCache{cache: c}
}

// Lookup returns the parsed snapshot for (shard, packID), reloading it from
// disk if it is missing from the cache or stale. It returns (nil, nil) if
// either the pack or index file is absent, matching the pack store's
// "orphan pack" tolerance.
func (c *IndexCache) Lookup(shard byte, packID uint32, datPath, idxPath string) (*IndexSnapshot, error) {
	datInfo, err := os.Stat(datPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	idxInfo, err := os.Stat(idxPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = datInfo

	key := cacheKey{shard: shard, packID: packID}

	c.mu.Lock()
	if v, ok := c.cache.Get(key); ok {
		entry := v.(cachedSnapshot)
		if entry.modTime.Equal(idxInfo.ModTime()) && entry.size == idxInfo.Size() {
			c.mu.Unlock()
			return entry.snapshot, nil
		}
	}
	c.mu.Unlock()

	snapshot, err := OpenIndexSnapshot(idxPath)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, cachedSnapshot{snapshot: snapshot, modTime: idxInfo.ModTime(), size: idxInfo.Size()})
	c.mu.Unlock()

	return snapshot, nil
}

// Invalidate drops a cached snapshot, used after a pack is sealed in place.
func (c *IndexCache) Invalidate(shard byte, packID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(cacheKey{shard: shard, packID: packID})
}

func (c *IndexCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
