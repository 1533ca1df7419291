// Package keycache provides a byte-accounted LRU cache for derived keys.
// Eviction is strictly least-recently-used, except that pinned entries are
// never evicted: an update transaction pins the material it is rotating so
// it stays resident until the transaction concludes.
package keycache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEntryTooLarge is returned when a single entry can never fit within
	// the cache's byte limit.
	ErrEntryTooLarge = errors.New("cache entry exceeds the cache byte limit")

	// ErrEvictionImpossible is returned when the byte limit cannot be
	// honored without evicting a pinned entry.
	ErrEvictionImpossible = errors.New("cannot evict enough unpinned entries to honor the cache limit")

	// ErrCacheCorrupt reports an internal accounting inconsistency.
	ErrCacheCorrupt = errors.New("cache accounting is inconsistent")
)

// HeapSizer reports the heap cost of a cached key or value in bytes.
type HeapSizer interface {
	HeapSize() int
}

// entryOverhead approximates the bookkeeping bytes spent per entry (list
// element, map slot and entry header).
const entryOverhead = 64

type entry[K comparable, V HeapSizer] struct {
	key    K
	value  V
	cost   int
	pinned bool
}

// Cache is a byte-bounded LRU keyed by K. It is safe for concurrent use.
type Cache[K interface {
	comparable
	HeapSizer
}, V HeapSizer] struct {
	mu    sync.Mutex
	limit int
	size  int
	ll    *list.List // front is most recently used
	index map[K]*list.Element
}

// New returns a cache bounded to limit bytes of accounted cost.
func New[K interface {
	comparable
	HeapSizer
}, V HeapSizer](limit int) *Cache[K, V] {
	return &Cache[K, V]{
		limit: limit,
		ll:    list.New(),
		index: make(map[K]*list.Element),
	}
}

func cost[K HeapSizer, V HeapSizer](key K, value V) int {
	return key.HeapSize() + value.HeapSize() + entryOverhead
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

// Insert adds or replaces the entry for key, evicting least-recently-used
// unpinned entries as needed to stay within the byte limit.
func (c *Cache[K, V]) Insert(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCost := cost(key, value)
	if newCost > c.limit {
		return fmt.Errorf("%w: entry costs %d of %d", ErrEntryTooLarge, newCost, c.limit)
	}

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry[K, V])
		c.size += newCost - e.cost
		e.value = value
		e.cost = newCost
		c.ll.MoveToFront(el)
		return c.evictTo(c.limit)
	}

	if err := c.evictTo(c.limit - newCost); err != nil {
		return err
	}
	el := c.ll.PushFront(&entry[K, V]{key: key, value: value, cost: newCost})
	c.index[key] = el
	c.size += newCost
	return nil
}

// evictTo drops unpinned entries from the LRU end until size <= target.
// Callers hold c.mu.
func (c *Cache[K, V]) evictTo(target int) error {
	el := c.ll.Back()
	for c.size > target {
		for el != nil && el.Value.(*entry[K, V]).pinned {
			el = el.Prev()
		}
		if el == nil {
			return fmt.Errorf("%w: %d bytes over limit with only pinned entries left", ErrEvictionImpossible, c.size-target)
		}
		e := el.Value.(*entry[K, V])
		prev := el.Prev()
		c.removeLocked(el, e)
		if c.size < 0 {
			return fmt.Errorf("%w: negative byte accounting", ErrCacheCorrupt)
		}
		el = prev
	}
	return nil
}

func (c *Cache[K, V]) removeLocked(el *list.Element, e *entry[K, V]) {
	c.ll.Remove(el)
	delete(c.index, e.key)
	c.size -= e.cost
}

// Remove drops the entry for key, pinned or not.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	c.removeLocked(el, el.Value.(*entry[K, V]))
	return true
}

// Pin exempts key's entry from eviction. Reports whether the entry exists.
func (c *Cache[K, V]) Pin(key K) bool {
	return c.setPinned(key, true)
}

// Unpin makes key's entry evictable again.
func (c *Cache[K, V]) Unpin(key K) bool {
	return c.setPinned(key, false)
}

func (c *Cache[K, V]) setPinned(key K, pinned bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	el.Value.(*entry[K, V]).pinned = pinned
	return true
}

// UnpinAll makes every entry evictable.
func (c *Cache[K, V]) UnpinAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; el = el.Next() {
		el.Value.(*entry[K, V]).pinned = false
	}
}

// Clear drops every entry, pinned or not.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.index = make(map[K]*list.Element)
	c.size = 0
}

// Resize changes the byte limit, evicting as needed to honor it.
func (c *Cache[K, V]) Resize(limit int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = limit
	return c.evictTo(limit)
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Size returns the accounted byte cost of all entries.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Limit returns the configured byte limit.
func (c *Cache[K, V]) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}
