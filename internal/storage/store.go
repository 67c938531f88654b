package storage

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by Get for a key that was never written or has
// been deleted.
var ErrKeyNotFound = errors.New("key not found")

// Store is the durable key/value collaborator the house persists game
// records and transcripts into. Keys are slash-separated paths such as
// games/<id>/phase. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value under key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Put writes value under key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns the keys under prefix in lexical order.
	List(prefix string) []string

	Stats() StoreStats
}

// StoreStats summarizes a store's contents.
type StoreStats struct {
	Keys  int
	Bytes int // Sum of value sizes
}

// MemoryStore keeps every record in process memory. Values are copied on the
// way in and out, so callers may reuse their buffers.
type MemoryStore struct {
	records map[string][]byte
	bytes   int
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += len(v) - len(m.records[key])
	m.records[key] = v
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes -= len(m.records[key])
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) List(prefix string) []string {
	m.mu.RLock()
	keys := slices.Collect(maps.Keys(m.records))
	m.mu.RUnlock()

	keys = slices.DeleteFunc(keys, func(k string) bool { return !strings.HasPrefix(k, prefix) })
	slices.Sort(keys)
	return keys
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Keys: len(m.records), Bytes: m.bytes}
}
