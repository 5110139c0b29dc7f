package reconstruct

import (
	"container/list"
	"sync"
)

// lruCache is a thread-safe, generic LRU cache backed by a doubly-linked
// list and a map for O(1) lookup. Front of the list is most recently used.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[uint64]*list.Element
	order   *list.List
}

type cacheEntry[V any] struct {
	key   uint64
	value V
}

func newLRUCache[V any](maxSize int) *lruCache[V] {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[uint64]*list.Element),
		order:   list.New(),
	}
}

func (c *lruCache[V]) Get(key uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheEntry[V]).value, true
}

func (c *lruCache[V]) Put(key uint64, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value = cacheEntry[V]{key, val}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheEntry[V]{key, val})
	c.items[key] = elem

	if c.order.Len() > c.maxSize {
		lru := c.order.Back()
		c.order.Remove(lru)
		delete(c.items, lru.Value.(cacheEntry[V]).key)
	}
}

func (c *lruCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
