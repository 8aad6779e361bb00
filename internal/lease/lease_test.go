package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLeaseExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Acquire(ctx, "env-1", "deploy-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Acquire(ctx, "env-1", "deploy-b", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if err := m.Release(ctx, "env-1", "deploy-b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if owner, ok := m.Holder("env-1"); !ok || owner != "deploy-a" {
		t.Fatalf("non-owner release must not drop lease, holder=%q", owner)
	}
	if err := m.Release(ctx, "env-1", "deploy-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Acquire(ctx, "env-1", "deploy-b", time.Minute); err != nil {
		t.Fatalf("expected lease to be free, got %v", err)
	}
}

func TestMemoryLeaseExpires(t *testing.T) {
	now := time.Now()
	m := NewMemory()
	m.now = func() time.Time { return now }
	if err := m.Acquire(context.Background(), "env-1", "a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := m.Acquire(context.Background(), "env-1", "b", time.Second); err != nil {
		t.Fatalf("expected expired lease to be reclaimable, got %v", err)
	}
}
