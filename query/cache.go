package query

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EvictionMode selects how a full lookup cache sheds entries.
type EvictionMode int

const (
	// EvictionLRU evicts least-recently-used entries one at a time.
	EvictionLRU EvictionMode = iota
	// EvictionClearHalf drops half the cache when it overflows.
	EvictionClearHalf
)

// DefaultCacheCapacity bounds each lookup cache.
const DefaultCacheCapacity = 1024

// lookupCache is a bounded map of lookup keys to serialized results. Stored
// values carry the encodeLookup presence prefix; a memoized "no result" is
// the one-byte absent row.
type lookupCache[K comparable] interface {
	Get(key K) ([]byte, bool)
	Add(key K, value []byte)
	Purge()
}

func newLookupCache[K comparable](mode EvictionMode, capacity int) lookupCache[K] {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if mode == EvictionClearHalf {
		return &clearHalfCache[K]{capacity: capacity, entries: make(map[K][]byte, capacity)}
	}
	c, err := lru.New[K, []byte](capacity)
	if err != nil {
		// Capacity is validated above; lru only rejects non-positive sizes.
		panic(err)
	}
	return lruCache[K]{c}
}

type lruCache[K comparable] struct {
	c *lru.Cache[K, []byte]
}

func (l lruCache[K]) Get(key K) ([]byte, bool) { return l.c.Get(key) }
func (l lruCache[K]) Add(key K, value []byte)  { l.c.Add(key, value) }
func (l lruCache[K]) Purge()                   { l.c.Purge() }

// clearHalfCache drops an arbitrary half of its entries on overflow. Cheaper
// bookkeeping than LRU at the cost of less precise retention.
type clearHalfCache[K comparable] struct {
	capacity int
	entries  map[K][]byte
}

func (c *clearHalfCache[K]) Get(key K) ([]byte, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *clearHalfCache[K]) Add(key K, value []byte) {
	if len(c.entries) >= c.capacity {
		drop := len(c.entries) / 2
		for k := range c.entries {
			if drop == 0 {
				break
			}
			delete(c.entries, k)
			drop--
		}
	}
	c.entries[key] = value
}

func (c *clearHalfCache[K]) Purge() {
	clear(c.entries)
}

// encodeLookup encodes a lookup result with a presence prefix so a memoized
// absent result is distinguishable from a cache miss.
func encodeLookup(serialized []byte, present bool) []byte {
	if !present {
		return []byte{0}
	}
	out := make([]byte, 1+len(serialized))
	out[0] = 1
	copy(out[1:], serialized)
	return out
}

func decodeLookup(data []byte) ([]byte, bool) {
	if len(data) == 0 || data[0] == 0 {
		return nil, false
	}
	return data[1:], true
}
