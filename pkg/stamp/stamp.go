// Package stamp caches values derived from sources that change over time.
//
// A cached value is paired with the stamp of the source it was derived from,
// and is only reused while the source still carries the same stamp.
package stamp

import "sync"

// Stamped pairs a value with the stamp of the source it was derived from.
type Stamped[T any] struct {
	Stamp int64
	Value T
}

// Fresh reports whether the value is still valid for a source currently
// carrying the given stamp.
func (s Stamped[T]) Fresh(stamp int64) bool { return s.Stamp == stamp }

// Cache maps names to stamped values. It is safe for concurrent use. Entries
// are replaced, never mutated; two goroutines that miss on the same name at
// the same time may both recompute the value, and the last Put wins.
//
// The zero value is an empty cache ready to use.
type Cache[T any] struct {
	m sync.Map // string -> Stamped[T]
}

// Get returns the entry for name, regardless of its stamp.
func (c *Cache[T]) Get(name string) (Stamped[T], bool) {
	v, ok := c.m.Load(name)
	if !ok {
		return Stamped[T]{}, false
	}
	return v.(Stamped[T]), true
}

// Lookup returns the value for name if it was derived from a source with the
// given stamp.
func (c *Cache[T]) Lookup(name string, stamp int64) (T, bool) {
	s, ok := c.Get(name)
	if !ok || !s.Fresh(stamp) {
		var zero T
		return zero, false
	}
	return s.Value, true
}

// Put replaces the entry for name.
func (c *Cache[T]) Put(name string, stamp int64, v T) {
	c.m.Store(name, Stamped[T]{stamp, v})
}

// Evict removes the entry for name, if any.
func (c *Cache[T]) Evict(name string) {
	c.m.Delete(name)
}

// Len returns the number of entries.
func (c *Cache[T]) Len() int {
	n := 0
	c.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
