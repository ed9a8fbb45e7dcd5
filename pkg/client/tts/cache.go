package tts

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is one synthesized utterance. Frames are stored decoded so a
// hit replays byte-identical audio without touching the upstream service.
type cacheEntry struct {
	key     string
	frames  []frameData
	addedAt time.Time
}

// frameData is the immutable sample payload of a cached frame.
type frameData []float32

// lruCache is a fixed-capacity LRU with per-entry TTL. A single lock
// guards the bookkeeping; the cache is shared process-wide across
// sessions.
type lruCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	now func() time.Time // injectable clock for tests
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// get returns the cached frames for key if present and not expired.
func (c *lruCache) get(key string) ([]frameData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.addedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.frames, true
}

// put stores frames under key, evicting the least recently used entry at
// capacity.
func (c *lruCache) put(key string, frames []frameData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).frames = frames
		el.Value.(*cacheEntry).addedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	el := c.order.PushFront(&cacheEntry{key: key, frames: frames, addedAt: c.now()})
	c.entries[key] = el
}

// len returns the number of cached entries.
func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
