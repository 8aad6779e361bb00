// Package docker produces release artifacts by tagging a built image with
// the release version through the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/client"

	"github.com/splax/releasectl/internal/provider"
)

type tagger interface {
	ImageTag(ctx context.Context, source, target string) error
}

// Builder implements provider.ArtifactBuilder by tagging repository:source
// as repository:version.
type Builder struct {
	api        tagger
	closer     func() error
	repository string
	sourceTag  string
	logger     *slog.Logger
}

var _ provider.ArtifactBuilder = (*Builder)(nil)

// New creates a Builder using environment defaults, optionally overriding the daemon host.
func New(host, repository, sourceTag string, log *slog.Logger) (*Builder, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	b := newBuilder(inner, repository, sourceTag, log)
	b.closer = inner.Close
	return b, nil
}

func newBuilder(api tagger, repository, sourceTag string, log *slog.Logger) *Builder {
	if sourceTag == "" {
		sourceTag = "latest"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		api:        api,
		repository: strings.TrimSuffix(repository, ":"),
		sourceTag:  sourceTag,
		logger:     log.With("component", "docker"),
	}
}

// Build tags the source image for version and returns the new reference.
func (b *Builder) Build(ctx context.Context, version string) (string, error) {
	if strings.TrimSpace(version) == "" {
		return "", fmt.Errorf("version required")
	}
	if b.repository == "" {
		return "", fmt.Errorf("image repository not configured")
	}
	source := b.repository + ":" + b.sourceTag
	target := b.repository + ":" + strings.ReplaceAll(version, "+", "_")
	if err := b.api.ImageTag(ctx, source, target); err != nil {
		return "", fmt.Errorf("tag %s as %s: %w", source, target, err)
	}
	b.logger.Info("artifact tagged", "source", source, "target", target)
	return target, nil
}

// Close releases the docker client.
func (b *Builder) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}
