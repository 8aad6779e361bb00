// Package rollback captures rollback points and restores environments from them.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/metrics"
	"github.com/splax/releasectl/internal/provider"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/service/health"
)

// Observer receives rollback events.
type Observer interface {
	HandleEvent(ctx context.Context, event domain.Event)
}

// CreatePointInput describes a rollback point to capture.
type CreatePointInput struct {
	EnvironmentID      string                     `json:"environment_id"`
	Version            string                     `json:"version"`
	Description        string                     `json:"description"`
	Type               domain.RollbackPointType   `json:"type"`
	CreatedBy          string                     `json:"created_by,omitempty"`
	VerificationChecks []domain.VerificationCheck `json:"verification_checks,omitempty"`
}

// Options carries the optional collaborators of a Manager.
type Options struct {
	// Instances, when set, backs the redeploy_instances command.
	Instances     provider.InstanceProvider
	Metrics       *metrics.Recorder
	Clock         clock.Clock
	DefaultChecks []domain.VerificationCheck
}

// Manager owns rollback points. A failed execution leaves the point
// available for another attempt and records the error on it.
type Manager struct {
	points    repository.RollbackPointRepository
	envs      repository.EnvironmentRepository
	snapshots provider.SnapshotStore
	checker   *health.Checker
	instances provider.InstanceProvider
	metrics   *metrics.Recorder
	clock     clock.Clock
	defaults  []domain.VerificationCheck
	logger    *slog.Logger

	mu        sync.Mutex
	inFlight  map[string]struct{}
	observers []Observer
}

// New constructs a Manager.
func New(points repository.RollbackPointRepository, envs repository.EnvironmentRepository, snapshots provider.SnapshotStore, checker *health.Checker, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		points:    points,
		envs:      envs,
		snapshots: snapshots,
		checker:   checker,
		instances: opts.Instances,
		metrics:   opts.Metrics,
		clock:     clk,
		defaults:  opts.DefaultChecks,
		logger:    logger.With("component", "rollback"),
		inFlight:  make(map[string]struct{}),
	}
}

// Subscribe registers an observer for rolled_back and failed events.
func (m *Manager) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// CreateRollbackPoint snapshots the environment and stores an available point.
func (m *Manager) CreateRollbackPoint(ctx context.Context, in CreatePointInput) (*domain.RollbackPoint, error) {
	envID := strings.TrimSpace(in.EnvironmentID)
	version := strings.TrimSpace(in.Version)
	if envID == "" || version == "" {
		return nil, fmt.Errorf("%w: environment and version are required", domain.ErrValidation)
	}
	env, err := m.envs.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, fmt.Errorf("environment %s: %w", envID, err)
	}

	var data domain.RollbackData
	captures := []struct {
		kind string
		dst  *string
	}{
		{provider.SnapshotDatabase, &data.DatabaseBackup},
		{provider.SnapshotConfiguration, &data.ConfigurationBackup},
		{provider.SnapshotArtifacts, &data.ArtifactsBackup},
		{provider.SnapshotManifest, &data.DeploymentManifest},
	}
	for _, c := range captures {
		handle, err := m.snapshots.Capture(ctx, c.kind, envID, version)
		if err != nil {
			return nil, fmt.Errorf("capture %s snapshot: %w", c.kind, err)
		}
		*c.dst = handle
	}

	checks := in.VerificationChecks
	if len(checks) == 0 {
		checks = env.HealthChecks
	}
	if len(checks) == 0 {
		checks = m.defaults
	}
	kind := in.Type
	if kind == "" {
		kind = domain.RollbackPointManual
	}
	point := &domain.RollbackPoint{
		ID:                 uuid.NewString(),
		Version:            version,
		EnvironmentID:      envID,
		Timestamp:          m.clock.Now(),
		Description:        in.Description,
		Type:               kind,
		Status:             domain.RollbackAvailable,
		Data:               data,
		RollbackCommands:   Commands(data, envID, version),
		VerificationChecks: checks,
		CreatedBy:          in.CreatedBy,
	}
	if err := m.points.CreateRollbackPoint(ctx, point); err != nil {
		return nil, err
	}
	m.logger.Info("rollback point created", "rollback_point_id", point.ID, "environment_id", envID, "version", version, "type", kind)
	return point, nil
}

// Commands returns the ordered restoration steps for a snapshot set.
func Commands(data domain.RollbackData, environmentID, version string) []domain.RollbackCommand {
	return []domain.RollbackCommand{
		{Order: 1, Action: domain.ActionRestoreDatabase, Handle: data.DatabaseBackup},
		{Order: 2, Action: domain.ActionRestoreConfiguration, Handle: data.ConfigurationBackup},
		{Order: 3, Action: domain.ActionRestoreArtifacts, Handle: data.ArtifactsBackup},
		{Order: 4, Action: domain.ActionApplyManifest, Handle: data.DeploymentManifest},
		{Order: 5, Action: domain.ActionRedeployInstances, Target: environmentID + "@" + version},
	}
}

// GetRollbackPoint fetches a point.
func (m *Manager) GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error) {
	point, err := m.points.GetRollbackPoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rollback point %s: %w", id, err)
	}
	return point, nil
}

// ListRollbackPoints returns an environment's points, newest first.
func (m *Manager) ListRollbackPoints(ctx context.Context, environmentID string) ([]domain.RollbackPoint, error) {
	return m.points.ListRollbackPoints(ctx, environmentID)
}

// ExecuteRollback restores the environment from an available point. The
// point becomes used only after commands and verification checks succeed.
func (m *Manager) ExecuteRollback(ctx context.Context, pointID string) (*domain.RollbackPoint, error) {
	if !m.begin(pointID) {
		return nil, fmt.Errorf("%w: rollback point %s is already executing", domain.ErrInvalidState, pointID)
	}
	defer m.end(pointID)

	point, err := m.GetRollbackPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}
	if point.Status != domain.RollbackAvailable {
		return nil, fmt.Errorf("%w: rollback point %s is %s", domain.ErrInvalidState, pointID, point.Status)
	}
	logger := m.logger.With("rollback_point_id", point.ID, "environment_id", point.EnvironmentID, "version", point.Version)
	logger.Info("rollback started")

	runErr := m.restore(ctx, point)
	point.Attempts++
	if runErr != nil {
		point.LastError = runErr.Error()
		m.savePoint(ctx, point)
		m.markEnvironment(ctx, point.EnvironmentID, domain.EnvironmentMaintenance)
		m.metrics.Rollback("failure")
		logger.Error("rollback failed", "attempt", point.Attempts, "error", runErr)
		m.emit(ctx, point, domain.EventFailed, runErr.Error())
		return point, fmt.Errorf("%w: %w", domain.ErrRollbackFailed, runErr)
	}

	now := m.clock.Now()
	point.Status = domain.RollbackUsed
	point.UsedAt = &now
	point.LastError = ""
	if err := m.points.UpdateRollbackPoint(ctx, point); err != nil {
		logger.Warn("failed to mark rollback point used", "error", err)
	}
	m.metrics.Rollback("success")
	logger.Info("rollback completed", "attempt", point.Attempts)
	m.emit(ctx, point, domain.EventRolledBack, "restored "+point.Version)
	return point, nil
}

// EmergencyRollback executes the newest available point of an environment.
func (m *Manager) EmergencyRollback(ctx context.Context, environmentID string) (*domain.RollbackPoint, error) {
	points, err := m.points.ListRollbackPoints(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		if p.Status == domain.RollbackAvailable {
			m.logger.Warn("emergency rollback", "environment_id", environmentID, "rollback_point_id", p.ID, "version", p.Version)
			return m.ExecuteRollback(ctx, p.ID)
		}
	}
	return nil, fmt.Errorf("%w: environment %s", domain.ErrNoRollbackPoint, environmentID)
}

func (m *Manager) restore(ctx context.Context, point *domain.RollbackPoint) error {
	env, err := m.envs.GetEnvironment(ctx, point.EnvironmentID)
	if err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	env.Status = domain.EnvironmentRollingBack
	if err := m.envs.UpdateEnvironment(ctx, env); err != nil {
		m.logger.Warn("failed to mark environment rolling back", "environment_id", env.ID, "error", err)
	}

	for _, cmd := range point.RollbackCommands {
		if err := m.runCommand(ctx, point, cmd); err != nil {
			return fmt.Errorf("step %d %s: %w", cmd.Order, cmd.Action, err)
		}
	}

	env, err = m.envs.GetEnvironment(ctx, point.EnvironmentID)
	if err != nil {
		return fmt.Errorf("reload environment: %w", err)
	}
	env.CurrentVersion = point.Version
	env.TargetVersion = ""
	env.Status = domain.EnvironmentActive
	if err := m.envs.UpdateEnvironment(ctx, env); err != nil {
		return fmt.Errorf("update environment version: %w", err)
	}

	if len(point.VerificationChecks) == 0 || m.checker == nil {
		return nil
	}
	suite := m.checker.RunSuite(ctx, point.VerificationChecks)
	if !suite.Passed {
		return fmt.Errorf("%w: %d of %d verification checks failed", domain.ErrHealthCheckFailed, suite.Failed, len(suite.Results))
	}
	return nil
}

func (m *Manager) runCommand(ctx context.Context, point *domain.RollbackPoint, cmd domain.RollbackCommand) error {
	switch cmd.Action {
	case domain.ActionRestoreDatabase:
		return m.snapshots.Restore(ctx, provider.SnapshotDatabase, cmd.Handle)
	case domain.ActionRestoreConfiguration:
		return m.snapshots.Restore(ctx, provider.SnapshotConfiguration, cmd.Handle)
	case domain.ActionRestoreArtifacts:
		return m.snapshots.Restore(ctx, provider.SnapshotArtifacts, cmd.Handle)
	case domain.ActionApplyManifest:
		return m.snapshots.Restore(ctx, provider.SnapshotManifest, cmd.Handle)
	case domain.ActionRedeployInstances:
		return m.redeploy(ctx, point.EnvironmentID, point.Version)
	default:
		return fmt.Errorf("%w: unknown rollback action %q", domain.ErrValidation, cmd.Action)
	}
}

func (m *Manager) redeploy(ctx context.Context, environmentID, version string) error {
	if m.instances == nil {
		return nil
	}
	instances, err := m.instances.ListInstances(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		id := inst.ID
		g.Go(func() error {
			return m.instances.UpdateInstance(gctx, environmentID, id, version)
		})
	}
	return g.Wait()
}

func (m *Manager) savePoint(ctx context.Context, point *domain.RollbackPoint) {
	if err := m.points.UpdateRollbackPoint(ctx, point); err != nil {
		m.logger.Warn("failed to record rollback attempt", "rollback_point_id", point.ID, "error", err)
	}
}

func (m *Manager) markEnvironment(ctx context.Context, environmentID string, status domain.EnvironmentStatus) {
	env, err := m.envs.GetEnvironment(ctx, environmentID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			m.logger.Warn("failed to load environment", "environment_id", environmentID, "error", err)
		}
		return
	}
	env.Status = status
	if err := m.envs.UpdateEnvironment(ctx, env); err != nil {
		m.logger.Warn("failed to update environment status", "environment_id", environmentID, "error", err)
	}
}

// Claim marks a point busy; it fails while the point executes.
func (m *Manager) Claim(pointID string) bool { return m.begin(pointID) }

// Unclaim releases a claim taken with Claim.
func (m *Manager) Unclaim(pointID string) { m.end(pointID) }

func (m *Manager) begin(pointID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[pointID]; busy {
		return false
	}
	m.inFlight[pointID] = struct{}{}
	return true
}

func (m *Manager) end(pointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, pointID)
}

func (m *Manager) emit(ctx context.Context, point *domain.RollbackPoint, kind domain.EventKind, message string) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	event := domain.Event{
		Kind:          kind,
		Subject:       domain.SubjectRollback,
		ID:            point.ID,
		EnvironmentID: point.EnvironmentID,
		Version:       point.Version,
		Status:        string(point.Status),
		Message:       message,
		Timestamp:     m.clock.Now(),
	}
	for _, obs := range observers {
		obs.HandleEvent(ctx, event)
	}
}
