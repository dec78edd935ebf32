// Package storage defines the base-state backend consumed by the
// parallel execution engine: the source of pre-batch values, read on
// the first touch of each key.
package storage

import (
	"sync"
)

// Backend supplies the pre-batch value of a key. A nil value with a nil
// error means the key is absent. Implementations must be safe for
// concurrent use; the engine calls Get from many worker threads.
type Backend interface {
	Get(key string) ([]byte, error)
}

// MemBackend is an in-memory Backend, used by tests and benchmarks and
// as the seed target before a batch runs.
type MemBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string][]byte)}
}

// Put seeds a value. Not part of the Backend interface; the engine
// never writes to its base state.
func (b *MemBackend) Put(key string, value []byte) {
	b.mu.Lock()
	b.data[key] = value
	b.mu.Unlock()
}

// Get implements Backend.
func (b *MemBackend) Get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data[key], nil
}
