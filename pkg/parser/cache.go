package parser

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key     string
	record  Record
	expires time.Time
}

// lineCache is an LRU of parsed records keyed by line fingerprint, with a
// per-entry TTL. Safe for concurrent use.
type lineCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	ll      *list.List
	items   map[string]*list.Element
	hits    int64
	misses  int64
	now     func() time.Time
}

func newLineCache(maxSize int, ttl time.Duration) *lineCache {
	return &lineCache{
		maxSize: maxSize,
		ttl:     ttl,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (c *lineCache) get(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Record{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.removeElement(el)
		c.misses++
		return Record{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return entry.record, true
}

func (c *lineCache) set(key string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.record = rec
		entry.expires = expires
		c.ll.MoveToFront(el)
		return
	}

	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, record: rec, expires: expires})
	for c.ll.Len() > c.maxSize {
		c.removeElement(c.ll.Back())
	}
}

// sweep drops expired entries and returns how many were removed
func (c *lineCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*cacheEntry).expires) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *lineCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}

func (c *lineCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *lineCache) counters() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *lineCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.hits = 0
	c.misses = 0
}
