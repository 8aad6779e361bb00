package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeTagger struct {
	source, target string
	err            error
}

func (f *fakeTagger) ImageTag(_ context.Context, source, target string) error {
	f.source, f.target = source, target
	return f.err
}

func TestBuildTagsVersion(t *testing.T) {
	api := &fakeTagger{}
	b := newBuilder(api, "registry.local/app", "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ref, err := b.Build(context.Background(), "1.2.0-rc.1+build.7")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if api.source != "registry.local/app:latest" {
		t.Fatalf("unexpected source %q", api.source)
	}
	if ref != "registry.local/app:1.2.0-rc.1_build.7" || api.target != ref {
		t.Fatalf("unexpected target %q", ref)
	}
}

func TestBuildPropagatesDaemonError(t *testing.T) {
	api := &fakeTagger{err: errors.New("No such image")}
	b := newBuilder(api, "app", "main", nil)
	if _, err := b.Build(context.Background(), "1.0.0"); err == nil {
		t.Fatalf("expected error")
	}
}
