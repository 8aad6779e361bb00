package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/semver"
)

func TestVersionsListInSemanticOrder(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, v := range []string{"1.10.0", "1.2.0", "1.2.0-rc"} {
		meta := &domain.VersionMetadata{Version: v, SemanticVersion: semver.MustParse(v)}
		if err := store.CreateVersion(ctx, meta); err != nil {
			t.Fatalf("CreateVersion(%s) returned error: %v", v, err)
		}
	}
	if err := store.CreateVersion(ctx, &domain.VersionMetadata{Version: "1.2.0"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	list, err := store.ListVersions(ctx)
	if err != nil {
		t.Fatalf("ListVersions returned error: %v", err)
	}
	got := []string{list[0].Version, list[1].Version, list[2].Version}
	want := []string{"1.2.0-rc", "1.2.0", "1.10.0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRecordsAreCopied(t *testing.T) {
	store := New()
	ctx := context.Background()
	d := &domain.Deployment{ID: "dep-1", Logs: []domain.LogEntry{{Message: "one"}}}
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment returned error: %v", err)
	}
	d.Logs[0].Message = "mutated"

	stored, err := store.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetDeployment returned error: %v", err)
	}
	if stored.Logs[0].Message != "one" {
		t.Fatalf("expected stored copy to be isolated, got %q", stored.Logs[0].Message)
	}
}

func TestRollbackPointsNewestFirstAndExpiryQuery(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []domain.RollbackPoint{
		{ID: "old", EnvironmentID: "env", Timestamp: base, Status: domain.RollbackAvailable},
		{ID: "mid", EnvironmentID: "env", Timestamp: base.Add(time.Hour), Status: domain.RollbackUsed},
		{ID: "new", EnvironmentID: "env", Timestamp: base.Add(2 * time.Hour), Status: domain.RollbackAvailable},
	}
	for i := range points {
		if err := store.CreateRollbackPoint(ctx, &points[i]); err != nil {
			t.Fatalf("CreateRollbackPoint returned error: %v", err)
		}
	}
	list, _ := store.ListRollbackPoints(ctx, "env")
	if list[0].ID != "new" || list[2].ID != "old" {
		t.Fatalf("unexpected order: %s %s %s", list[0].ID, list[1].ID, list[2].ID)
	}
	stale, _ := store.ListAvailableBefore(ctx, base.Add(90*time.Minute))
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("expected only the old available point, got %+v", stale)
	}
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.UpdateHotUpdate(ctx, &domain.HotUpdate{ID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetEnvironment(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
