package sharded

import "sync"

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded concurrent map from path keys to values of type V.
type Map[V any] struct {
	shards [numShards]*mapShard[V]
}

// NewMap creates an empty sharded map.
func NewMap[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return m.shards[shardIndex(key)]
}

// Store adds a key-value pair to the map.
func (m *Map[V]) Store(key string, value V) {
	shard := m.shard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Load retrieves the value associated with a key.
func (m *Map[V]) Load(key string) (value V, ok bool) {
	shard := m.shard(key)
	shard.mu.RLock()
	value, ok = shard.items[key]
	shard.mu.RUnlock()
	return value, ok
}

// Delete removes a key from the map.
func (m *Map[V]) Delete(key string) {
	shard := m.shard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Count returns the total number of entries in the map.
func (m *Map[V]) Count() int {
	count := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// Items returns a snapshot of all key-value pairs at the time of the call.
func (m *Map[V]) Items() map[string]V {
	items := make(map[string]V, m.Count())
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k, v := range shard.items {
			items[k] = v
		}
		shard.mu.RUnlock()
	}
	return items
}
