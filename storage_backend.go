package carelog

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// StorageBackend defines the key-value interface the core persists through.
// Implementations exist for in-memory storage, SQLite, and S3-compatible
// object stores. The core never assumes any backend-side replication.
type StorageBackend interface {
	// Read reads the value for a key. Returns an error matching ErrNotFound
	// when the key does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes a single key.
	Write(ctx context.Context, key string, data []byte) error

	// WriteBatch writes a set of keys atomically: either all writes are
	// visible or none are. The record store relies on this to couple a data
	// mutation with its audit entry in one commit.
	WriteBatch(ctx context.Context, writes []BatchWrite) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys matching a prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// BatchWrite is one key-value pair in an atomic batch.
type BatchWrite struct {
	Key  string
	Data []byte
}

// Key prefixes used by the core within a backend.
const (
	keyPrefixRecord   = "record/"
	keyPrefixAudit    = "audit/"
	keyPrefixConflict = "conflict/"
	keyPrefixPeer     = "peer/"
	keyPrefixMeta     = "meta/"
)

// Ensure interfaces are implemented
var (
	_ StorageBackend = (*MemoryBackend)(nil)
	_ StorageBackend = (*SQLiteBackend)(nil)
	_ StorageBackend = (*S3Backend)(nil)
)

// MemoryBackend implements StorageBackend with an in-memory map. Used in
// tests and for ephemeral replicas.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Read reads the value for a key.
func (m *MemoryBackend) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.data[key]
	if !ok {
		return nil, newStoreError(StoreErrorTypeNotFound, "key not found", key, nil)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write writes a single key.
func (m *MemoryBackend) Write(ctx context.Context, key string, data []byte) error {
	return m.WriteBatch(ctx, []BatchWrite{{Key: key, Data: data}})
}

// WriteBatch writes all keys under one lock acquisition.
func (m *MemoryBackend) WriteBatch(ctx context.Context, writes []BatchWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, w := range writes {
		buf := make([]byte, len(w.Data))
		copy(buf, w.Data)
		m.data[w.Key] = buf
	}
	return nil
}

// Delete removes a key.
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// List returns all keys matching a prefix, sorted.
func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists checks if a key exists.
func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.data[key]
	return ok, nil
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
