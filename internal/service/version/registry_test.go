package version

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/repository/memory"
	"github.com/splax/releasectl/internal/semver"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	r, err := New(memory.New(), "1.0.0", logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestCreatePatchFromFreshRegistry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	meta, err := r.CreateVersion(ctx, CreateVersionInput{Increment: semver.IncrementPatch, Changelog: []string{"fix"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if meta.Version != "1.0.1" {
		t.Fatalf("expected 1.0.1, got %s", meta.Version)
	}
	if !meta.CompatibilityMatrix["1.0.0"] {
		t.Fatalf("patch must be compatible with 1.0.0: %v", meta.CompatibilityMatrix)
	}
}

func TestIncrementProperties(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	increments := []semver.Increment{semver.IncrementMajor, semver.IncrementMinor, semver.IncrementPatch}
	prev := semver.MustParse("1.0.0")

	for i := 0; i < 40; i++ {
		inc := increments[rng.Intn(len(increments))]
		meta, err := r.CreateVersion(ctx, CreateVersionInput{Increment: inc})
		if err != nil {
			t.Fatalf("create %s: %v", inc, err)
		}
		v := meta.SemanticVersion
		switch inc {
		case semver.IncrementMajor:
			if v.Minor != 0 || v.Patch != 0 || !meta.BreakingChanges {
				t.Fatalf("major bump produced %s breaking=%v", meta.Version, meta.BreakingChanges)
			}
		case semver.IncrementPatch:
			if v.Major != prev.Major || v.Minor != prev.Minor {
				t.Fatalf("patch bump changed major/minor: %s -> %s", prev, v)
			}
		}
		prev = v
	}
}

func TestPrereleaseBumpKeepsNumbers(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.CreateVersion(ctx, CreateVersionInput{Increment: semver.IncrementMinor}); err != nil {
		t.Fatalf("minor: %v", err)
	}
	meta, err := r.CreateVersion(ctx, CreateVersionInput{Increment: semver.IncrementPrerelease, PrereleaseTag: "rc.1", Build: "b42"})
	if err != nil {
		t.Fatalf("prerelease: %v", err)
	}
	if meta.Version != "1.1.0-rc.1+b42" {
		t.Fatalf("unexpected version %s", meta.Version)
	}
	if _, err := r.CreateVersion(ctx, CreateVersionInput{Increment: semver.IncrementPrerelease, PrereleaseTag: "rc.1"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestGetUnknownVersion(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.GetVersion(context.Background(), "9.9.9"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIsCompatible(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate := func(in CreateVersionInput) string {
		meta, err := r.CreateVersion(ctx, in)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return meta.Version
	}
	v101 := mustCreate(CreateVersionInput{Increment: semver.IncrementPatch})
	v110 := mustCreate(CreateVersionInput{Increment: semver.IncrementMinor})
	v111 := mustCreate(CreateVersionInput{Increment: semver.IncrementPatch, BreakingChanges: true})
	v200 := mustCreate(CreateVersionInput{Increment: semver.IncrementMajor})
	v300 := mustCreate(CreateVersionInput{Increment: semver.IncrementMajor, CompatibleWith: []string{v200}})

	cases := []struct {
		a, b string
		want bool
	}{
		{v101, v110, true},
		{v110, v111, false},
		{v110, v200, false},
		{v200, v300, true},
		{v300, v200, true},
		{v101, v300, false},
		{v110, v110, true},
		{v111, v111, false},
	}
	for _, tc := range cases {
		got, err := r.IsCompatible(ctx, tc.a, tc.b)
		if err != nil {
			t.Fatalf("IsCompatible(%s, %s): %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Fatalf("IsCompatible(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
