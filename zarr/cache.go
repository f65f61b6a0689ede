package zarr

import (
	"errors"

	"github.com/coocood/freecache"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// DefaultCacheSize is the byte size of the decoded chunk cache shared by arrays that
// don't set their own.
const DefaultCacheSize = 256 * cellflow.Mega

// ChunkCache holds decoded chunks keyed by array and chunk key.  Chunks larger than
// what the cache accepts are simply not cached.
type ChunkCache struct {
	fc *freecache.Cache
}

// NewChunkCache returns a cache of the given size in bytes.  A non-positive size
// returns nil, which disables caching.
func NewChunkCache(size int) *ChunkCache {
	if size <= 0 {
		return nil
	}
	return &ChunkCache{fc: freecache.NewCache(size)}
}

func (c *ChunkCache) get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.fc.Get([]byte(key))
	if err != nil {
		if !errors.Is(err, freecache.ErrNotFound) {
			cellflow.Debugf("chunk cache get %q: %v\n", key, err)
		}
		return nil, false
	}
	return data, true
}

func (c *ChunkCache) set(key string, data []byte) {
	if c == nil {
		return
	}
	// ErrLargeEntry is expected for chunks beyond the cache's entry limit.
	if err := c.fc.Set([]byte(key), data, 0); err != nil && !errors.Is(err, freecache.ErrLargeEntry) {
		cellflow.Debugf("chunk cache set %q: %v\n", key, err)
	}
}

func (c *ChunkCache) del(key string) {
	if c == nil {
		return
	}
	c.fc.Del([]byte(key))
}

// Clear drops all cached chunks.
func (c *ChunkCache) Clear() {
	if c == nil {
		return
	}
	c.fc.Clear()
}

// HitRate returns the fraction of lookups served from the cache.
func (c *ChunkCache) HitRate() float64 {
	if c == nil {
		return 0
	}
	return c.fc.HitRate()
}
