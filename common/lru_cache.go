// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

// LruCache is a fixed-capacity key/value cache evicting the least recently
// used entry when full. It is not thread-safe; callers requiring concurrent
// access must provide their own synchronization.
type LruCache[K comparable, V any] struct {
	cache    map[K]*entry[K, V]
	capacity int
	head     *entry[K, V]
	tail     *entry[K, V]
}

// NewLruCache returns a new instance with the given capacity.
func NewLruCache[K comparable, V any](capacity int) *LruCache[K, V] {
	return &LruCache[K, V]{
		cache:    make(map[K]*entry[K, V], capacity),
		capacity: capacity,
	}
}

// Get returns the value associated with the key, if present, and marks the
// entry as recently used.
func (c *LruCache[K, V]) Get(key K) (V, bool) {
	var val V
	item, exists := c.cache[key]
	if exists {
		val = item.val
		c.touch(item)
	}
	return val, exists
}

// Set associates a value with the key. If the key is already present, the
// value is updated and the entry marked as used. Otherwise a new entry is
// added, evicting the least recently used entry if the capacity is exceeded.
func (c *LruCache[K, V]) Set(key K, val V) (evictedKey K, evictedValue V, evicted bool) {
	item, exists := c.cache[key]
	if !exists {
		if len(c.cache) >= c.capacity {
			item = c.dropLast() // reuse the evicted object for the new entry
			evictedKey = item.key
			evictedValue = item.val
			evicted = true
		} else {
			item = new(entry[K, V])
		}
		item.key = key
		item.val = val
		c.cache[key] = item

		item.prev = nil
		item.next = c.head
		if c.head != nil {
			c.head.prev = item
		}
		c.head = item

		// The very first item is a head and a tail at the same time.
		if c.tail == nil {
			c.tail = c.head
		}
	} else {
		item.val = val
		c.touch(item)
	}
	return
}

// Remove deletes the key from the cache and returns the deleted value.
func (c *LruCache[K, V]) Remove(key K) (original V, exists bool) {
	item, exists := c.cache[key]
	if !exists {
		return original, false
	}
	original = item.val
	delete(c.cache, key)

	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	return original, true
}

// Iterate calls the callback for each key/value pair in the cache, in no
// particular order, until the callback returns false.
func (c *LruCache[K, V]) Iterate(callback func(K, V) bool) {
	for key, value := range c.cache {
		if !callback(key, value.val) {
			return
		}
	}
}

// Size returns the number of entries currently held.
func (c *LruCache[K, V]) Size() int {
	return len(c.cache)
}

// Clear removes all entries.
func (c *LruCache[K, V]) Clear() {
	c.cache = make(map[K]*entry[K, V], c.capacity)
	c.head = nil
	c.tail = nil
}

// touch moves an existing entry to the head of the LRU queue.
func (c *LruCache[K, V]) touch(item *entry[K, V]) {
	if c.head == item {
		return
	}
	item.prev.next = item.next
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = c.head
	c.head.prev = item
	c.head = item
}

// dropLast unlinks and returns the tail of the LRU queue.
func (c *LruCache[K, V]) dropLast() *entry[K, V] {
	last := c.tail
	delete(c.cache, last.key)
	c.tail = last.prev
	if c.tail != nil {
		c.tail.next = nil
	} else {
		c.head = nil
	}
	return last
}

// entry is a cache item wrapping a key, a value and LRU queue pointers.
type entry[K comparable, V any] struct {
	key  K
	val  V
	prev *entry[K, V]
	next *entry[K, V]
}
