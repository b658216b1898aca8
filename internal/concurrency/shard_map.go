package concurrency

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 32

// ShardedMap is a string-keyed map split across independently locked shards,
// so readers of unrelated keys never contend on one global lock.
type ShardedMap[V any] struct {
	shards []*mapShard[V]
}

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewShardedMap creates a map with n shards (DefaultShards when n <= 0).
func NewShardedMap[V any](n int) *ShardedMap[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &ShardedMap[V]{shards: make([]*mapShard[V], n)}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) shard(key string) *mapShard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get returns the value stored under key.
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set stores value under key.
func (m *ShardedMap[V]) Set(key string, value V) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Upsert atomically computes the new value for key from the current one.
// fn runs with the shard write lock held and must not call back into the map.
func (m *ShardedMap[V]) Upsert(key string, fn func(current V, exists bool) V) V {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.items[key]
	next := fn(current, exists)
	s.items[key] = next
	return next
}

// GetOrCreate returns the existing value or stores the one built by create.
func (m *ShardedMap[V]) GetOrCreate(key string, create func() V) V {
	if v, ok := m.Get(key); ok {
		return v
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v
	}
	v := create()
	s.items[key] = v
	return v
}

// Delete removes key and reports whether it was present.
func (m *ShardedMap[V]) Delete(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// DeleteIf removes key when pred holds for its value.
func (m *ShardedMap[V]) DeleteIf(key string, pred func(V) bool) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok || !pred(v) {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	return v, true
}

// Sweep removes every entry for which pred holds and returns the removed values.
func (m *ShardedMap[V]) Sweep(pred func(key string, value V) bool) map[string]V {
	removed := make(map[string]V)
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if pred(k, v) {
				delete(s.items, k)
				removed[k] = v
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Range calls fn for every entry, one shard at a time, until fn returns false.
func (m *ShardedMap[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len returns the number of entries.
func (m *ShardedMap[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
