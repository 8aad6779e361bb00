// Package deploy orchestrates versioned deployments across environments.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/lease"
	"github.com/splax/releasectl/internal/metrics"
	"github.com/splax/releasectl/internal/provider"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/service/health"
	"github.com/splax/releasectl/internal/service/migration"
	"github.com/splax/releasectl/internal/service/rollback"
)

const (
	defaultTimeout      = 30 * time.Minute
	defaultCanaryWindow = 5 * time.Minute
	defaultListLimit    = 50
	leaseGrace          = time.Minute
)

// Observer receives deployment lifecycle events.
type Observer interface {
	HandleEvent(ctx context.Context, event domain.Event)
}

// VersionLookup resolves registered versions.
type VersionLookup interface {
	GetVersion(ctx context.Context, version string) (*domain.VersionMetadata, error)
}

// RollbackPoints is the subset of the rollback manager a deployment uses.
type RollbackPoints interface {
	CreateRollbackPoint(ctx context.Context, in rollback.CreatePointInput) (*domain.RollbackPoint, error)
	GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error)
	ExecuteRollback(ctx context.Context, pointID string) (*domain.RollbackPoint, error)
	EmergencyRollback(ctx context.Context, environmentID string) (*domain.RollbackPoint, error)
}

// Migrator runs pre-deploy migrations.
type Migrator interface {
	RunMigrations(ctx context.Context, rc migration.RunContext) (*migration.Result, error)
}

// Config describes a deployment request.
type Config struct {
	Version       string                     `json:"version"`
	EnvironmentID string                     `json:"environment_id"`
	Strategy      domain.StrategyKind        `json:"strategy"`
	Params        domain.StrategyParams      `json:"params"`
	HealthChecks  []domain.VerificationCheck `json:"health_checks,omitempty"`
	// RunMigrations executes pending migrations before the strategy runs.
	RunMigrations     bool   `json:"run_migrations"`
	RollbackOnFailure bool   `json:"rollback_on_failure"`
	RequireApproval   bool   `json:"require_approval"`
	ApprovedBy        string `json:"approved_by,omitempty"`
	InitiatedBy       string `json:"initiated_by,omitempty"`
}

// Options carries collaborators and tuning knobs.
type Options struct {
	Builder      provider.ArtifactBuilder
	Instances    provider.InstanceProvider
	Traffic      provider.TrafficSwitcher
	Migrator     Migrator
	Leases       lease.Manager
	Metrics      *metrics.Recorder
	MetricStore  repository.MetricRepository
	Clock        clock.Clock
	Timeout      time.Duration
	CanaryWindow time.Duration
	StepPause    time.Duration
}

// Service runs deployments in the background and records their progress.
type Service struct {
	versions    VersionLookup
	envs        repository.EnvironmentRepository
	deployments repository.DeploymentRepository
	rollbacks   RollbackPoints
	checker     *health.Checker
	logger      *slog.Logger

	builder      provider.ArtifactBuilder
	instances    provider.InstanceProvider
	traffic      provider.TrafficSwitcher
	migrator     Migrator
	leases       lease.Manager
	metrics      *metrics.Recorder
	metricStore  repository.MetricRepository
	clock        clock.Clock
	timeout      time.Duration
	canaryWindow time.Duration
	stepPause    time.Duration

	strategies map[domain.StrategyKind]strategyFunc

	mu        sync.Mutex
	observers []Observer
	wg        sync.WaitGroup
}

// New constructs a deployment service.
func New(versions VersionLookup, envs repository.EnvironmentRepository, deployments repository.DeploymentRepository, rollbacks RollbackPoints, checker *health.Checker, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		versions:     versions,
		envs:         envs,
		deployments:  deployments,
		rollbacks:    rollbacks,
		checker:      checker,
		logger:       logger.With("component", "deploy"),
		builder:      opts.Builder,
		instances:    opts.Instances,
		traffic:      opts.Traffic,
		migrator:     opts.Migrator,
		leases:       opts.Leases,
		metrics:      opts.Metrics,
		metricStore:  opts.MetricStore,
		clock:        opts.Clock,
		timeout:      opts.Timeout,
		canaryWindow: opts.CanaryWindow,
		stepPause:    opts.StepPause,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.leases == nil {
		s.leases = lease.NewMemory()
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.canaryWindow <= 0 {
		s.canaryWindow = defaultCanaryWindow
	}
	s.strategies = map[domain.StrategyKind]strategyFunc{
		domain.StrategyBlueGreen: s.blueGreen,
		domain.StrategyRolling:   s.rolling,
		domain.StrategyCanary:    s.canary,
		domain.StrategyAllAtOnce: s.allAtOnce,
	}
	return s
}

// Subscribe registers an observer.
func (s *Service) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Wait blocks until every background run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// StartDeployment validates cfg, records a pending deployment and runs it in
// the background. The returned id can be polled with GetDeploymentStatus.
func (s *Service) StartDeployment(ctx context.Context, cfg Config) (string, error) {
	cfg.Version = strings.TrimSpace(cfg.Version)
	cfg.EnvironmentID = strings.TrimSpace(cfg.EnvironmentID)
	if cfg.Version == "" || cfg.EnvironmentID == "" {
		return "", fmt.Errorf("%w: version and environment_id are required", domain.ErrValidation)
	}
	if _, err := s.versions.GetVersion(ctx, cfg.Version); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: version %s is not registered", domain.ErrValidation, cfg.Version)
		}
		return "", err
	}
	env, err := s.envs.GetEnvironment(ctx, cfg.EnvironmentID)
	if err != nil {
		return "", fmt.Errorf("environment %s: %w", cfg.EnvironmentID, err)
	}
	if _, ok := s.strategies[cfg.Strategy]; !ok {
		return "", fmt.Errorf("%w: unknown strategy %q", domain.ErrValidation, cfg.Strategy)
	}
	if err := s.checkCollaborators(env, cfg); err != nil {
		return "", err
	}
	if cfg.Strategy == domain.StrategyCanary {
		if _, err := canarySteps(cfg.Params); err != nil {
			return "", err
		}
	}
	if (env.IsProduction() || cfg.RequireApproval) && strings.TrimSpace(cfg.ApprovedBy) == "" {
		return "", fmt.Errorf("%w: deployment to %s needs approved_by", domain.ErrApprovalRequired, env.ID)
	}

	id := uuid.NewString()
	keys := []string{env.ID}
	if cfg.Strategy == domain.StrategyBlueGreen {
		keys = append(keys, env.TwinID)
	}
	if err := s.acquire(ctx, keys, id); err != nil {
		return "", err
	}

	now := s.clock.Now()
	dep := &domain.Deployment{
		ID:                id,
		Version:           cfg.Version,
		EnvironmentID:     env.ID,
		Strategy:          cfg.Strategy,
		Params:            cfg.Params,
		Status:            domain.DeploymentPending,
		StartTime:         now,
		Logs:              []domain.LogEntry{{Timestamp: now, Level: "info", Message: "deployment requested"}},
		RollbackOnFailure: cfg.RollbackOnFailure,
		InitiatedBy:       cfg.InitiatedBy,
		ApprovedBy:        cfg.ApprovedBy,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		s.release(keys, id)
		return "", err
	}

	r := s.newRun(dep, env, cfg)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(keys, id)
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		s.execute(runCtx, r)
	}()

	s.logger.Info("deployment started", "deployment_id", id, "environment_id", env.ID, "version", cfg.Version, "strategy", cfg.Strategy)
	return id, nil
}

func (s *Service) checkCollaborators(env *domain.Environment, cfg Config) error {
	if s.instances == nil {
		return fmt.Errorf("%w: no instance provider configured", domain.ErrValidation)
	}
	if cfg.RunMigrations && s.migrator == nil {
		return fmt.Errorf("%w: no migration engine configured", domain.ErrValidation)
	}
	if cfg.Strategy == domain.StrategyBlueGreen {
		if env.TwinID == "" {
			return fmt.Errorf("%w: environment %s has no blue-green twin", domain.ErrValidation, env.ID)
		}
		if s.traffic == nil {
			return fmt.Errorf("%w: no traffic switcher configured", domain.ErrValidation)
		}
	}
	return nil
}

// GetDeploymentStatus returns the stored state of a deployment.
func (s *Service) GetDeploymentStatus(ctx context.Context, id string) (*domain.Deployment, error) {
	dep, err := s.deployments.GetDeployment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("deployment %s: %w", id, err)
	}
	return dep, nil
}

// ListDeployments returns recent deployments, newest first.
func (s *Service) ListDeployments(ctx context.Context, environmentID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.deployments.ListDeployments(ctx, environmentID, limit)
}

// RollbackDeployment restores the rollback point captured by a finished
// deployment. Blue-green deployments also move traffic back.
func (s *Service) RollbackDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	dep, err := s.GetDeploymentStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.Status != domain.DeploymentCompleted && dep.Status != domain.DeploymentFailed {
		return nil, fmt.Errorf("%w: deployment %s is %s", domain.ErrInvalidState, id, dep.Status)
	}
	if dep.RollbackPointID == "" {
		return nil, fmt.Errorf("%w: deployment %s captured no rollback point", domain.ErrNoRollbackPoint, id)
	}
	keys := []string{dep.EnvironmentID}
	if dep.TargetEnvironmentID != "" && dep.TargetEnvironmentID != dep.EnvironmentID {
		keys = append(keys, dep.TargetEnvironmentID)
	}
	owner := "rollback:" + id
	if err := s.acquire(ctx, keys, owner); err != nil {
		return nil, err
	}
	defer s.release(keys, owner)

	env, err := s.envs.GetEnvironment(ctx, dep.EnvironmentID)
	if err != nil {
		return nil, err
	}
	r := s.newRun(dep, env, Config{Version: dep.Version, Strategy: dep.Strategy, RollbackOnFailure: true})
	r.log("warn", "operator requested rollback")
	if dep.Status == domain.DeploymentCompleted && dep.TargetEnvironmentID != "" && dep.TargetEnvironmentID != dep.EnvironmentID {
		r.switched = &trafficSwitch{from: dep.EnvironmentID, to: dep.TargetEnvironmentID}
	}
	s.rollbackRun(ctx, r)
	return r.snapshot(), nil
}

// ExecuteRollbackPoint restores a specific rollback point while holding its
// environment's lease.
func (s *Service) ExecuteRollbackPoint(ctx context.Context, pointID string) (*domain.RollbackPoint, error) {
	point, err := s.rollbacks.GetRollbackPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}
	keys := []string{point.EnvironmentID}
	owner := "rollback-point:" + pointID
	if err := s.acquire(ctx, keys, owner); err != nil {
		return nil, err
	}
	defer s.release(keys, owner)
	return s.rollbacks.ExecuteRollback(ctx, pointID)
}

// EmergencyRollback restores the newest available rollback point of an environment.
func (s *Service) EmergencyRollback(ctx context.Context, environmentID string) (*domain.RollbackPoint, error) {
	owner := "emergency:" + uuid.NewString()
	if err := s.acquire(ctx, []string{environmentID}, owner); err != nil {
		return nil, err
	}
	defer s.release([]string{environmentID}, owner)
	point, err := s.rollbacks.EmergencyRollback(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, domain.Event{
		Kind:          domain.EventRolledBack,
		Subject:       domain.SubjectRollback,
		ID:            point.ID,
		EnvironmentID: environmentID,
		Version:       point.Version,
		Status:        string(point.Status),
		Message:       "emergency rollback",
	})
	return point, nil
}

func (s *Service) acquire(ctx context.Context, keys []string, owner string) error {
	ttl := s.timeout + leaseGrace
	for i, key := range keys {
		if err := s.leases.Acquire(ctx, key, owner, ttl); err != nil {
			s.release(keys[:i], owner)
			if errors.Is(err, lease.ErrHeld) {
				s.metrics.LeaseConflict("deployment")
				return fmt.Errorf("%w: environment %s", domain.ErrEnvironmentBusy, key)
			}
			return fmt.Errorf("acquire environment lease: %w", err)
		}
	}
	return nil
}

func (s *Service) release(keys []string, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.leases.Release(ctx, key, owner); err != nil {
			s.logger.Warn("failed to release environment lease", "environment_id", key, "owner", owner, "error", err)
		}
	}
}

func (s *Service) emit(ctx context.Context, event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, obs := range observers {
		obs.HandleEvent(ctx, event)
	}
}

func (s *Service) recordMetric(ctx context.Context, dep *domain.Deployment) {
	s.metrics.Deployment(string(dep.Strategy), string(dep.Status), dep.Metrics.Duration)
	if s.metricStore == nil {
		return
	}
	metric := domain.VersioningMetric{
		Name:          "deployment_duration_seconds",
		Value:         dep.Metrics.Duration.Seconds(),
		EnvironmentID: dep.EnvironmentID,
		Version:       dep.Version,
		Labels:        map[string]string{"strategy": string(dep.Strategy), "status": string(dep.Status)},
		RecordedAt:    s.clock.Now(),
	}
	if err := s.metricStore.RecordMetric(ctx, metric); err != nil {
		s.logger.Warn("failed to record deployment metric", "deployment_id", dep.ID, "error", err)
	}
}
