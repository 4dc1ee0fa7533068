package chunks

import (
	"github.com/somnolab/psg-viewer/internal/models"
)

// DefaultMaxSamples bounds the cache to roughly 64 MiB of float64 sample+timestamp pairs.
const DefaultMaxSamples int64 = 4 << 20

// Cache holds chunks under a total sample budget, evicting least recently used first.
// It is not safe for concurrent use; Loader guards it.
type Cache struct {
	entries   map[Key]models.SignalChunk
	byChannel map[string]map[Key]struct{}
	lru       *lruList
	size      int64
	maxSize   int64
}

// NewCache creates a cache bounded by maxSamples (DefaultMaxSamples when <= 0).
func NewCache(maxSamples int64) *Cache {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Cache{
		entries:   make(map[Key]models.SignalChunk),
		byChannel: make(map[string]map[Key]struct{}),
		lru:       newLRUList(),
		maxSize:   maxSamples,
	}
}

// Lookup finds a chunk for key: an exact match first, then any cached chunk of the
// same channel and resolution whose range is a superset.
func (c *Cache) Lookup(key Key) (models.SignalChunk, bool) {
	if chunk, ok := c.entries[key]; ok {
		c.lru.touch(key)
		return chunk, true
	}
	for candidate := range c.byChannel[key.Channel] {
		chunk := c.entries[candidate]
		if chunk.Covers(key.Start, key.End, key.Downsample) {
			c.lru.touch(candidate)
			return chunk, true
		}
	}
	return models.SignalChunk{}, false
}

// Put stores chunk under key and returns how many entries were evicted to make room.
// Chunks larger than the whole budget are not stored.
func (c *Cache) Put(key Key, chunk models.SignalChunk) (evicted int, stored bool) {
	weight := chunkWeight(chunk)
	if weight > c.maxSize {
		return 0, false
	}
	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}
	for c.size+weight > c.maxSize {
		oldest, ok := c.lru.oldest()
		if !ok {
			break
		}
		c.remove(oldest)
		evicted++
	}

	c.entries[key] = chunk
	if c.byChannel[key.Channel] == nil {
		c.byChannel[key.Channel] = make(map[Key]struct{})
	}
	c.byChannel[key.Channel][key] = struct{}{}
	c.lru.touch(key)
	c.size += weight
	return evicted, true
}

// Len returns the number of cached chunks.
func (c *Cache) Len() int { return c.lru.len() }

// Samples returns the total cached sample count.
func (c *Cache) Samples() int64 { return c.size }

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries = make(map[Key]models.SignalChunk)
	c.byChannel = make(map[string]map[Key]struct{})
	c.lru = newLRUList()
	c.size = 0
}

func (c *Cache) remove(key Key) {
	chunk, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if keys := c.byChannel[key.Channel]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byChannel, key.Channel)
		}
	}
	c.lru.remove(key)
	c.size -= chunkWeight(chunk)
}

func chunkWeight(chunk models.SignalChunk) int64 {
	return int64(max(1, len(chunk.Values), len(chunk.Timestamps)))
}
