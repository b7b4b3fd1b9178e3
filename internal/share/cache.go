package share

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded cache of validated shares keyed by share hash, used
// to skip revalidation when gossip re-delivers a share we already
// checked. Shares are immutable after Init, so cached entries are safe
// to share by reference.
type Cache struct {
	inner *lru.Cache[[32]byte, *Share]
}

// NewCache creates a share cache holding up to size entries.
func NewCache(size int) (*Cache, error) {
	inner, err := lru.New[[32]byte, *Share](size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Add stores a validated share. Invalid shares are never retained.
func (c *Cache) Add(s *Share) {
	if s == nil || !s.Validity {
		return
	}
	c.inner.Add(s.Hash, s)
}

// Get returns the cached share for a hash, if present.
func (c *Cache) Get(hash [32]byte) (*Share, bool) {
	return c.inner.Get(hash)
}

// Len returns the number of cached shares.
func (c *Cache) Len() int {
	return c.inner.Len()
}
