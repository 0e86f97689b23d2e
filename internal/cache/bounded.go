// Package cache provides a size-bounded, TTL-evicting key/value store.
package cache

import (
	"container/list"
	"time"
)

// BoundedCache holds at most maxSize entries and treats entries older than ttl
// as absent. Overflow evicts the least recently used entry. Expiry is checked
// lazily on access and swept opportunistically on every Set; there is no
// background goroutine.
//
// BoundedCache is not safe for concurrent use. Owners guard it with their own
// mutex.
type BoundedCache[K comparable, V any] struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	order *list.List // front = least recently used
	items map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
	ts    time.Time
}

// Option configures a BoundedCache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache. maxSize <= 0 disables the size bound; ttl <= 0 disables
// expiry.
func New[K comparable, V any](maxSize int, ttl time.Duration, opts ...Option) *BoundedCache[K, V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &BoundedCache[K, V]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     o.now,
		order:   list.New(),
		items:   make(map[K]*list.Element),
	}
}

// Set inserts or refreshes key. A refresh resets the entry's timestamp and
// moves it to the most recently used position.
func (c *BoundedCache[K, V]) Set(key K, value V) {
	now := c.now()
	c.sweep(now)

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
	c.items[key] = c.order.PushBack(&entry[K, V]{key: key, value: value, ts: now})

	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		c.removeElement(c.order.Front())
	}
}

// Get returns the value for key and marks it most recently used. Missing and
// expired keys report false; expired entries are removed.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	el, ok := c.lookup(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToBack(el)
	return el.Value.(*entry[K, V]).value, true
}

// Has reports whether key is present and unexpired without changing its
// recency.
func (c *BoundedCache[K, V]) Has(key K) bool {
	_, ok := c.lookup(key)
	return ok
}

// Delete removes key if present.
func (c *BoundedCache[K, V]) Delete(key K) {
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of live entries. Expired entries are purged first,
// so this is O(n).
func (c *BoundedCache[K, V]) Len() int {
	c.sweep(c.now())
	return c.order.Len()
}

// Values returns all live values, least recently used first.
func (c *BoundedCache[K, V]) Values() []V {
	c.sweep(c.now())
	out := make([]V, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).value)
	}
	return out
}

// Keys returns all live keys, least recently used first.
func (c *BoundedCache[K, V]) Keys() []K {
	c.sweep(c.now())
	out := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).key)
	}
	return out
}

func (c *BoundedCache[K, V]) lookup(key K) (*list.Element, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.expired(el.Value.(*entry[K, V]), c.now()) {
		c.removeElement(el)
		return nil, false
	}
	return el, true
}

func (c *BoundedCache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.ts) > c.ttl
}

// sweep drops every expired entry. Get promotes without touching the
// timestamp, so timestamps are unordered along the list and all of it is scanned.
func (c *BoundedCache[K, V]) sweep(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if c.expired(el.Value.(*entry[K, V]), now) {
			c.removeElement(el)
		}
		el = next
	}
}

func (c *BoundedCache[K, V]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
