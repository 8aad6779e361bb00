package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/storage"

	"github.com/splax/releasectl/internal/provider"
	"github.com/splax/releasectl/pkg/crypto"
)

type bucketFake struct {
	data map[string][]byte
}

func (b *bucketFake) write(_ context.Context, name, _ string, data []byte) error {
	b.data[name] = append([]byte(nil), data...)
	return nil
}

func (b *bucketFake) read(_ context.Context, name string) ([]byte, error) {
	raw, ok := b.data[name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return raw, nil
}

func TestGCSCaptureRestore(t *testing.T) {
	bucket := &bucketFake{data: map[string][]byte{}}
	store := newGCS("releases", bucket, nil)
	ctx := context.Background()

	handle, err := store.Capture(ctx, provider.SnapshotDatabase, "prod", "1.2.0")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !strings.HasPrefix(handle, "gs://releases/snapshots/prod/1.2.0/database-") {
		t.Fatalf("unexpected handle %q", handle)
	}
	if err := store.Restore(ctx, provider.SnapshotDatabase, handle); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := store.Restore(ctx, provider.SnapshotManifest, handle); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
	if err := store.Restore(ctx, provider.SnapshotDatabase, "gs://other/x.json"); err == nil {
		t.Fatalf("expected foreign bucket error")
	}
	missing := "gs://releases/snapshots/prod/1.2.0/database-missing.json"
	if err := store.Restore(ctx, provider.SnapshotDatabase, missing); !errors.Is(err, storage.ErrObjectNotExist) {
		t.Fatalf("expected not exist error, got %v", err)
	}
}

func TestGCSSealedDescriptors(t *testing.T) {
	bucket := &bucketFake{data: map[string][]byte{}}
	store := newGCS("releases", bucket, nil)
	sealer, err := crypto.NewSealer("snapshot-key")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	store.SealWith(sealer)
	ctx := context.Background()

	handle, err := store.Capture(ctx, provider.SnapshotConfiguration, "prod", "2.0.0")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	name := strings.TrimPrefix(handle, "gs://releases/")
	if strings.Contains(string(bucket.data[name]), "prod") {
		t.Fatalf("descriptor stored in clear text")
	}
	if err := store.Restore(ctx, provider.SnapshotConfiguration, handle); err != nil {
		t.Fatalf("restore: %v", err)
	}

	bucket.data[name][len(bucket.data[name])-1] ^= 0xff
	if err := store.Restore(ctx, provider.SnapshotConfiguration, handle); err == nil {
		t.Fatalf("expected tampered descriptor to be rejected")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	handle, err := store.Capture(ctx, provider.SnapshotConfiguration, "staging", "1.0.0")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := store.Capture(ctx, "disk", "staging", "1.0.0"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if err := store.Restore(ctx, provider.SnapshotConfiguration, handle); err != nil {
		t.Fatalf("restore: %v", err)
	}
	store.FailRestore[provider.SnapshotConfiguration] = errors.New("disk full")
	if err := store.Restore(ctx, provider.SnapshotConfiguration, handle); err == nil {
		t.Fatalf("expected injected failure")
	}
	if len(store.Restored()) != 1 {
		t.Fatalf("expected one successful restore")
	}
}
