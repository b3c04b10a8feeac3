// Package cache provides a generic, thread-safe LRU cache with always-on
// statistics and optional Prometheus metrics.
package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/voike/pkg/schema"
)

// Cache is a bounded key/value cache.
type Cache[V any] interface {
	// Get returns the value for key and marks it recently used.
	Get(key string) (V, bool)
	// Peek returns the value without touching recency or statistics.
	Peek(key string) (V, bool)
	// Set stores value. It reports whether a new entry was created.
	Set(key string, value V) (bool, error)
	// Delete removes key. It reports whether the key existed.
	Delete(key string) bool
	Clear()
	Len() int
	// Keys lists keys most recently used first.
	Keys() []string
	Stats() *Statistics
}

// EvictCallback runs after an entry leaves the cache by eviction, Delete or
// Clear. It is called without the cache lock held.
type EvictCallback[V any] func(key string, value V)

// Option configures an LRU.
type Option[V any] func(*options[V])

type options[V any] struct {
	onEvict    EvictCallback[V]
	registerer prometheus.Registerer
	component  string
}

// WithEvictCallback sets fn to run for every removed entry.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *options[V]) { o.onEvict = fn }
}

// WithMetrics registers Prometheus metrics labelled with component.
func WithMetrics[V any](reg prometheus.Registerer, component string) Option[V] {
	return func(o *options[V]) {
		o.registerer = reg
		o.component = component
	}
}

type entry[V any] struct {
	key   string
	value V
}

// LRU evicts the least recently used entry once it holds more than maxSize
// entries.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *metrics
	onEvict EvictCallback[V]
}

var _ Cache[int] = (*LRU[int])(nil)

// NewLRU creates an LRU holding at most maxSize entries.
func NewLRU[V any](maxSize int, opts ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cache size must be positive, got %d", maxSize)
	}
	var o options[V]
	for _, opt := range opts {
		opt(&o)
	}

	c := &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   &Statistics{},
		onEvict: o.onEvict,
	}
	if o.registerer != nil {
		m, err := newMetrics(o.registerer, o.component)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.misses.Add(1)
		c.metrics.miss()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.hits.Add(1)
	c.metrics.hit()
	return el.Value.(*entry[V]).value, true
}

func (c *LRU[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[V]).value, true
	}
	var zero V
	return zero, false
}

func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "cache key cannot be empty")
	}

	var evicted []entry[V]
	c.mu.Lock()
	created := false
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[V]).value = value
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value})
		created = true
		for len(c.items) > c.maxSize {
			back := c.order.Back()
			e := back.Value.(*entry[V])
			c.remove(back)
			evicted = append(evicted, *e)
			c.stats.evictions.Add(1)
			c.metrics.evict()
		}
	}
	c.stats.sets.Add(1)
	c.metrics.set(len(c.items))
	c.mu.Unlock()

	c.notify(evicted)
	return created, nil
}

func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := *el.Value.(*entry[V])
	c.remove(el)
	c.stats.deletes.Add(1)
	c.metrics.delete(len(c.items))
	c.mu.Unlock()

	c.notify([]entry[V]{e})
	return true
}

func (c *LRU[V]) Clear() {
	c.mu.Lock()
	removed := make([]entry[V], 0, len(c.items))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		removed = append(removed, *el.Value.(*entry[V]))
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.metrics.size(0)
	c.mu.Unlock()

	c.notify(removed)
}

func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

func (c *LRU[V]) Stats() *Statistics {
	return c.stats
}

// remove unlinks el. Caller holds the lock.
func (c *LRU[V]) remove(el *list.Element) {
	delete(c.items, el.Value.(*entry[V]).key)
	c.order.Remove(el)
}

func (c *LRU[V]) notify(removed []entry[V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range removed {
		c.onEvict(e.key, e.value)
	}
}
