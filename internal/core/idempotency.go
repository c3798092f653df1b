package core

import (
	"container/list"

	"MarginIndexer/internal/observability"
)

// AppliedCache remembers the idempotency keys of events applied during this
// process lifetime, evicting the least recently used key at capacity.
// Not thread-safe: only the poll loop touches it.
type AppliedCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
	metrics   *observability.Metrics
}

type lruEntry struct {
	key string
}

// NewAppliedCache returns a cache holding up to capacity keys. A capacity of
// zero or less disables caching. metrics may be nil.
func NewAppliedCache(capacity int, metrics *observability.Metrics) *AppliedCache {
	if capacity < 0 {
		capacity = 0
	}
	return &AppliedCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
		metrics:  metrics,
	}
}

// Contains checks if key exists (promotes to front)
func (lru *AppliedCache) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *AppliedCache) Add(key string) {
	if lru.capacity == 0 {
		return
	}
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
	if lru.metrics != nil {
		lru.metrics.DedupLRUSize.Set(float64(lru.lruList.Len()))
	}
}

func (lru *AppliedCache) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(*lruEntry).key)
	lru.evictions++
	if lru.metrics != nil {
		lru.metrics.DedupEvictions.Inc()
	}
}

// Size returns current number of entries
func (lru *AppliedCache) Size() int {
	return lru.lruList.Len()
}

func (lru *AppliedCache) Evictions() int64 {
	return lru.evictions
}
