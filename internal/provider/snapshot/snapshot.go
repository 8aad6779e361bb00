// Package snapshot implements provider.SnapshotStore. Every capture writes a
// descriptor object; the returned handle names that object and is the only
// thing a rollback point keeps.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/releasectl/internal/provider"
)

// Descriptor is the stored body of a snapshot handle.
type Descriptor struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	EnvironmentID string    `json:"environment_id"`
	Version       string    `json:"version"`
	CapturedAt    time.Time `json:"captured_at"`
}

func newDescriptor(kind, environmentID, version string) Descriptor {
	return Descriptor{
		ID:            uuid.NewString(),
		Kind:          kind,
		EnvironmentID: environmentID,
		Version:       version,
		CapturedAt:    time.Now().UTC(),
	}
}

func objectName(d Descriptor) string {
	return fmt.Sprintf("snapshots/%s/%s/%s-%s.json", d.EnvironmentID, d.Version, d.Kind, d.ID)
}

func validKind(kind string) bool {
	switch kind {
	case provider.SnapshotDatabase, provider.SnapshotConfiguration, provider.SnapshotArtifacts, provider.SnapshotManifest:
		return true
	}
	return false
}

// Memory keeps descriptors in process.
type Memory struct {
	mu       sync.Mutex
	objects  map[string]Descriptor
	restored []string
	// FailRestore makes Restore of the given kind return the error.
	FailRestore map[string]error
}

var _ provider.SnapshotStore = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Descriptor), FailRestore: make(map[string]error)}
}

// Capture implements provider.SnapshotStore.
func (m *Memory) Capture(_ context.Context, kind, environmentID, version string) (string, error) {
	if !validKind(kind) {
		return "", fmt.Errorf("unknown snapshot kind %q", kind)
	}
	d := newDescriptor(kind, environmentID, version)
	handle := "mem://" + objectName(d)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[handle] = d
	return handle, nil
}

// Restore implements provider.SnapshotStore.
func (m *Memory) Restore(_ context.Context, kind, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailRestore[kind]; err != nil {
		return err
	}
	d, ok := m.objects[handle]
	if !ok {
		return fmt.Errorf("snapshot %s not found", handle)
	}
	if d.Kind != kind {
		return fmt.Errorf("snapshot %s holds %s, not %s", handle, d.Kind, kind)
	}
	m.restored = append(m.restored, handle)
	return nil
}

// Restored lists handles restored so far, in order.
func (m *Memory) Restored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.restored...)
}

func decodeDescriptor(raw []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode snapshot descriptor: %w", err)
	}
	return d, nil
}
