package util

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a thread-safe, count-bounded LRU cache
type Cache[K comparable, V any] struct {
	cache *lru.Cache[K, V]
}

// NewCache creates a new LRU cache with the specified size
func NewCache[K comparable, V any](size int) (*Cache[K, V], error) {
	cache, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{cache: cache}, nil
}

// Get retrieves a value from the cache
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.cache.Get(key)
}

// Set adds a value to the cache
func (c *Cache[K, V]) Set(key K, value V) {
	c.cache.Add(key, value)
}

// Has checks if a key exists in the cache
func (c *Cache[K, V]) Has(key K) bool {
	return c.cache.Contains(key)
}

// Remove drops a single key
func (c *Cache[K, V]) Remove(key K) {
	c.cache.Remove(key)
}

// Clear removes all entries from the cache
func (c *Cache[K, V]) Clear() {
	c.cache.Purge()
}

// Len returns the number of items in the cache
func (c *Cache[K, V]) Len() int {
	return c.cache.Len()
}
