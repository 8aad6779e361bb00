// Package provider declares the collaborator contracts the orchestrators
// depend on. Concrete adapters live in the sub-packages.
package provider

import (
	"context"

	"github.com/splax/releasectl/internal/domain"
)

// Instance is one running unit of an environment.
type Instance struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	Healthy bool   `json:"healthy"`
}

// InstanceProvider lists and mutates the running units of an environment.
type InstanceProvider interface {
	ListInstances(ctx context.Context, environmentID string) ([]Instance, error)
	UpdateInstance(ctx context.Context, environmentID, instanceID, version string) error
	InstanceHealth(ctx context.Context, environmentID, instanceID string) (bool, error)
}

// ArtifactBuilder produces a deployable artifact handle for a version.
type ArtifactBuilder interface {
	Build(ctx context.Context, version string) (string, error)
}

// TrafficSwitcher moves live traffic between blue-green twins.
type TrafficSwitcher interface {
	SwitchTraffic(ctx context.Context, fromEnvironmentID, toEnvironmentID string) error
}

// Snapshot kinds captured for a rollback point.
const (
	SnapshotDatabase      = "database"
	SnapshotConfiguration = "configuration"
	SnapshotArtifacts     = "artifacts"
	SnapshotManifest      = "manifest"
)

// SnapshotStore captures and restores opaque backup handles.
type SnapshotStore interface {
	Capture(ctx context.Context, kind, environmentID, version string) (string, error)
	Restore(ctx context.Context, kind, handle string) error
}

// PatchApplier applies and reverts hot update patches on instances.
type PatchApplier interface {
	ApplyPatch(ctx context.Context, instanceID string, update domain.HotUpdate) error
	RevertPatch(ctx context.Context, instanceID string, update domain.HotUpdate) error
}

// RolloutMetrics is sampled between hot update rollout steps.
type RolloutMetrics struct {
	ErrorRate      float64 `json:"error_rate"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Throughput     float64 `json:"throughput"`
}

// AsMap flattens the sample for rollout history entries.
func (m RolloutMetrics) AsMap() map[string]float64 {
	return map[string]float64{
		"error_rate":       m.ErrorRate,
		"response_time_ms": m.ResponseTimeMs,
		"throughput":       m.Throughput,
	}
}

// MetricsSource samples live metrics for a set of instances.
type MetricsSource interface {
	Collect(ctx context.Context, environmentID string, instanceIDs []string) (RolloutMetrics, error)
}

// Prober executes one verification check against its backend.
type Prober interface {
	Probe(ctx context.Context, check domain.VerificationCheck) (domain.CheckResult, error)
}
