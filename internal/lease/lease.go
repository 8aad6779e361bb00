// Package lease provides the per-environment single-writer token that keeps
// two orchestration runs from targeting the same environment at once.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld indicates another owner holds the lease.
var ErrHeld = errors.New("lease: held by another owner")

// Manager grants exclusive, expiring leases keyed by environment id.
type Manager interface {
	// Acquire takes key for owner until ttl elapses or Release is called.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error
	// Release drops key if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

// Memory is an in-process Manager.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

// NewMemory returns an empty in-process lease table.
func NewMemory() *Memory {
	return &Memory{now: time.Now, leases: make(map[string]memoryEntry)}
}

// Acquire implements Manager.
func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expires) {
		return ErrHeld
	}
	m.leases[key] = memoryEntry{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Release implements Manager.
func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key]; ok && cur.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

// Holder returns the current owner of key, if any.
func (m *Memory) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || !m.now().Before(cur.expires) {
		return "", false
	}
	return cur.owner, true
}
