package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/splax/releasectl/internal/provider"
	"github.com/splax/releasectl/pkg/crypto"
)

// objects is the slice of bucket operations the store relies on.
type objects interface {
	write(ctx context.Context, name, contentType string, data []byte) error
	read(ctx context.Context, name string) ([]byte, error)
}

// GCS stores snapshot descriptors in a Cloud Storage bucket.
type GCS struct {
	bucket  string
	objects objects
	sealer  *crypto.Sealer
	closer  func() error
	logger  *slog.Logger
}

var _ provider.SnapshotStore = (*GCS)(nil)

// NewGCS connects to bucket. An empty credentialsFile uses application default credentials.
func NewGCS(ctx context.Context, bucket, credentialsFile string, log *slog.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("snapshot bucket required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("locate credentials file: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	store := newGCS(bucket, gcsObjects{handle: client.Bucket(bucket)}, log)
	store.closer = client.Close
	return store, nil
}

func newGCS(bucket string, objs objects, log *slog.Logger) *GCS {
	if log == nil {
		log = slog.Default()
	}
	return &GCS{bucket: bucket, objects: objs, logger: log.With("component", "snapshot")}
}

// SealWith encrypts descriptors written from now on. Restore then refuses
// descriptors that fail authentication.
func (g *GCS) SealWith(s *crypto.Sealer) {
	g.sealer = s
}

// Capture writes a descriptor object and returns its gs:// handle.
func (g *GCS) Capture(ctx context.Context, kind, environmentID, version string) (string, error) {
	if !validKind(kind) {
		return "", fmt.Errorf("unknown snapshot kind %q", kind)
	}
	d := newDescriptor(kind, environmentID, version)
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	name := objectName(d)
	contentType := "application/json"
	if g.sealer != nil {
		if raw, err = g.sealer.Seal(raw); err != nil {
			return "", fmt.Errorf("seal snapshot %s: %w", name, err)
		}
		contentType = "application/octet-stream"
	}
	if err := g.objects.write(ctx, name, contentType, raw); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", name, err)
	}
	handle := fmt.Sprintf("gs://%s/%s", g.bucket, name)
	g.logger.Info("snapshot captured", "kind", kind, "environment_id", environmentID, "handle", handle)
	return handle, nil
}

// Restore verifies the handle's descriptor is present and of the expected kind.
func (g *GCS) Restore(ctx context.Context, kind, handle string) error {
	name, err := g.objectFromHandle(handle)
	if err != nil {
		return err
	}
	raw, err := g.objects.read(ctx, name)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", handle, err)
	}
	if g.sealer != nil {
		if raw, err = g.sealer.Open(raw); err != nil {
			return fmt.Errorf("snapshot %s: %w", handle, err)
		}
	}
	d, err := decodeDescriptor(raw)
	if err != nil {
		return err
	}
	if d.Kind != kind {
		return fmt.Errorf("snapshot %s holds %s, not %s", handle, d.Kind, kind)
	}
	g.logger.Info("snapshot restored", "kind", kind, "environment_id", d.EnvironmentID, "version", d.Version)
	return nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

func (g *GCS) objectFromHandle(handle string) (string, error) {
	prefix := fmt.Sprintf("gs://%s/", g.bucket)
	if !strings.HasPrefix(handle, prefix) {
		return "", fmt.Errorf("snapshot handle %q is not in bucket %s", handle, g.bucket)
	}
	return strings.TrimPrefix(handle, prefix), nil
}

type gcsObjects struct {
	handle *storage.BucketHandle
}

func (o gcsObjects) write(ctx context.Context, name, contentType string, data []byte) error {
	writer := o.handle.Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (o gcsObjects) read(ctx context.Context, name string) ([]byte, error) {
	reader, err := o.handle.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
