package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository/memory"
)

const seedYAML = `
environments:
  - id: blue
    type: blue
    twin: green
    active: true
    version: 1.4.0
    health_checks:
      - name: blue-api
        type: api
        endpoint: http://blue.internal/healthz
        expected_status: 200
        timeout: 5s
        retries: 2
      - name: blue-latency
        type: performance
        endpoint: http://blue.internal/metrics/p95
        threshold: {metric: p95_ms, operator: "<", value: 250}
  - id: green
    name: Green
    type: green
    twin: blue
`

func TestParseEnvironments(t *testing.T) {
	envs, err := ParseEnvironments([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 environments, got %d", len(envs))
	}
	blue := envs[0]
	if blue.Name != "blue" || blue.Status != domain.EnvironmentActive || blue.CurrentVersion != "1.4.0" || blue.TwinID != "green" {
		t.Fatalf("unexpected blue environment %+v", blue)
	}
	if len(blue.HealthChecks) != 2 || blue.HealthChecks[0].Timeout != 5*time.Second || blue.HealthChecks[0].Retries != 2 {
		t.Fatalf("unexpected checks %+v", blue.HealthChecks)
	}
	if th := blue.HealthChecks[1].Threshold; th == nil || th.Operator != "<" || th.Value != 250 {
		t.Fatalf("threshold not decoded: %+v", th)
	}
	if envs[1].Status != domain.EnvironmentIdle || envs[1].Name != "Green" {
		t.Fatalf("unexpected green environment %+v", envs[1])
	}
}

func TestParseEnvironmentsRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing id":   "environments:\n  - type: dev\n",
		"unknown type": "environments:\n  - id: qa\n    type: qa\n",
		"duplicate":    "environments:\n  - id: dev\n    type: dev\n  - id: dev\n    type: dev\n",
		"dangling":     "environments:\n  - id: blue\n    type: blue\n    twin: green\n",
		"malformed":    "environments: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseEnvironments([]byte(raw)); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadEnvironmentsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	envs, err := LoadEnvironments(path)
	if err != nil || len(envs) != 2 {
		t.Fatalf("load: %v (%d)", err, len(envs))
	}
	if _, err := LoadEnvironments(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSeedEnvironmentsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	created, err := SeedEnvironments(ctx, store, DefaultEnvironments(), log)
	if err != nil || created != 5 {
		t.Fatalf("first seed: created=%d err=%v", created, err)
	}
	created, err = SeedEnvironments(ctx, store, DefaultEnvironments(), log)
	if err != nil || created != 0 {
		t.Fatalf("second seed: created=%d err=%v", created, err)
	}
	blue, err := store.GetEnvironment(ctx, "blue")
	if err != nil {
		t.Fatalf("get blue: %v", err)
	}
	if !blue.Active || blue.TwinID != "green" || blue.HealthStatus != domain.HealthUnknown {
		t.Fatalf("unexpected blue %+v", blue)
	}
}
