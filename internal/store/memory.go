// ABOUTME: In-memory Store implementation backed by a map of session copies
// ABOUTME: Default backend; the lock covers only map access and the version compare

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Sessions are copied on the way in and
// on the way out, so no two callers ever share a history slice.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session key
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get retrieves a copy of the session for key, or a fresh Idle session.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return NewSession(key), nil
	}
	return s.Clone(), nil
}

// CompareAndSwap stores a copy of next if the stored version matches.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, next *Session) error {
	if next == nil {
		return fmt.Errorf("compare and swap %q: nil session", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if s, ok := m.sessions[key]; ok {
		current = s.Version
	}
	if current != expectedVersion {
		return ErrConflict
	}

	stored := next.Clone()
	stored.Key = key
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = m.now()
	m.sessions[key] = stored
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, key)
	return nil
}

// Prune removes sessions last updated before olderThan.
func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for key, s := range m.sessions {
		if s.UpdatedAt.Before(olderThan) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// List returns copies of up to limit sessions, newest first.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
