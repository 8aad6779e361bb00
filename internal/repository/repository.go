package repository

import (
	"context"
	"time"

	"github.com/splax/releasectl/internal/domain"
)

// VersionRepository persists registered versions (version_history).
type VersionRepository interface {
	CreateVersion(ctx context.Context, version *domain.VersionMetadata) error
	GetVersion(ctx context.Context, version string) (*domain.VersionMetadata, error)
	ListVersions(ctx context.Context) ([]domain.VersionMetadata, error)
}

// EnvironmentRepository persists deployment environments and their health history.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	UpdateEnvironment(ctx context.Context, env *domain.Environment) error
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
	AppendHealthCheck(ctx context.Context, record *domain.HealthCheckRecord) error
	ListHealthChecks(ctx context.Context, environmentID string, limit int) ([]domain.HealthCheckRecord, error)
}

// RollbackPointRepository persists rollback points.
type RollbackPointRepository interface {
	CreateRollbackPoint(ctx context.Context, point *domain.RollbackPoint) error
	GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error)
	UpdateRollbackPoint(ctx context.Context, point *domain.RollbackPoint) error
	// ListRollbackPoints returns an environment's points, newest first.
	ListRollbackPoints(ctx context.Context, environmentID string) ([]domain.RollbackPoint, error)
	ListAvailableBefore(ctx context.Context, cutoff time.Time) ([]domain.RollbackPoint, error)
}

// DeploymentRepository persists deployment runs (agent_deployments).
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	// ListDeployments returns newest first; an empty environmentID lists all.
	ListDeployments(ctx context.Context, environmentID string, limit int) ([]domain.Deployment, error)
}

// HotUpdateRepository persists hot updates including approvals and rollout history.
type HotUpdateRepository interface {
	CreateHotUpdate(ctx context.Context, update *domain.HotUpdate) error
	UpdateHotUpdate(ctx context.Context, update *domain.HotUpdate) error
	GetHotUpdate(ctx context.Context, id string) (*domain.HotUpdate, error)
	ListHotUpdates(ctx context.Context, environmentID string, limit int) ([]domain.HotUpdate, error)
}

// MetricRepository appends orchestration measurements (versioning_metrics).
type MetricRepository interface {
	RecordMetric(ctx context.Context, metric domain.VersioningMetric) error
}

// Store bundles every repository; both backends implement it.
type Store interface {
	VersionRepository
	EnvironmentRepository
	RollbackPointRepository
	DeploymentRepository
	HotUpdateRepository
	MetricRepository
}
