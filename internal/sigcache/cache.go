// Package sigcache stores the most recent upstream thought signature per
// (session, model) pair so the next request on the same pair can reattach it
// and let the upstream continue its hidden reasoning trace.
package sigcache

import (
	"container/list"
	"sync"
	"time"
)

// Mode selects the caching policy.
type Mode string

const (
	ModeAlways Mode = "always"
	ModeTools  Mode = "tools" // cache only for tool calls or image models
	ModeNever  Mode = "never"
)

// ParseMode maps a config string to a Mode, defaulting to ModeTools.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeAlways, ModeTools, ModeNever:
		return Mode(s)
	}
	return ModeTools
}

// Entry is a cached signature with its paired reasoning text placeholder.
type Entry struct {
	Signature   string
	ThoughtText string
	ObservedAt  time.Time
}

type item struct {
	key   string
	entry Entry
}

// Cache is an LRU+TTL map keyed by (session, model). Writes are
// last-writer-wins within a pair.
type Cache struct {
	mu       sync.Mutex
	mode     Mode
	maxItems int
	ttl      time.Duration
	ll       *list.List
	index    map[string]*list.Element
	now      func() time.Time
}

// New builds a cache; maxItems and ttl fall back to 1000 entries / 1 hour.
func New(mode Mode, maxItems int, ttl time.Duration) *Cache {
	if maxItems <= 0 {
		maxItems = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		mode:     mode,
		maxItems: maxItems,
		ttl:      ttl,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Mode returns the configured policy.
func (c *Cache) Mode() Mode { return c.mode }

// ShouldCache applies the policy to a finished response.
func (c *Cache) ShouldCache(hasToolCalls, isImageModel bool) bool {
	switch c.mode {
	case ModeAlways:
		return true
	case ModeTools:
		return hasToolCalls || isImageModel
	default:
		return false
	}
}

func cacheKey(session, model string) string { return session + "\x00" + model }

// Put stores the signature for the pair. An empty thought text is replaced
// with a single-space placeholder so the reattached part is never empty.
func (c *Cache) Put(session, model, signature, thoughtText string) {
	if signature == "" {
		return
	}
	if thoughtText == "" {
		thoughtText = " "
	}
	k := cacheKey(session, model)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := Entry{Signature: signature, ThoughtText: thoughtText, ObservedAt: c.now()}
	if el, ok := c.index[k]; ok {
		el.Value.(*item).entry = entry
		c.ll.MoveToFront(el)
		return
	}
	c.index[k] = c.ll.PushFront(&item{key: k, entry: entry})
	for c.ll.Len() > c.maxItems {
		c.evictOldest()
	}
}

// Get returns the cached entry for the pair, if fresh.
func (c *Cache) Get(session, model string) (Entry, bool) {
	k := cacheKey(session, model)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[k]
	if !ok {
		return Entry{}, false
	}
	it := el.Value.(*item)
	if c.now().Sub(it.entry.ObservedAt) > c.ttl {
		c.removeElement(el)
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return it.entry, true
}

// Cleanup drops expired entries; hook for the periodic memory-tidy timer.
func (c *Cache) Cleanup() int {
	now := c.now()
	removed := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*item).entry.ObservedAt) > c.ttl {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) evictOldest() {
	if el := c.ll.Back(); el != nil {
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.index, el.Value.(*item).key)
}
