package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
)

const defaultPollInterval = 30 * time.Second

// Monitor periodically runs each environment's configured checks and
// records the derived health status.
type Monitor struct {
	envs     repository.EnvironmentRepository
	checker  *Checker
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitor constructs a Monitor polling every interval.
func NewMonitor(envs repository.EnvironmentRepository, checker *Checker, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		envs:     envs,
		checker:  checker,
		clock:    clk,
		interval: interval,
		logger:   logger.With("component", "health_monitor"),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started", "interval", m.interval)
	for {
		if err := m.PollOnce(ctx); err != nil {
			m.logger.Warn("health poll failed", "error", err)
		}
		if err := m.clock.Sleep(ctx, m.interval); err != nil {
			m.logger.Info("health monitor stopped")
			return
		}
	}
}

// PollOnce checks every environment that has checks configured.
func (m *Monitor) PollOnce(ctx context.Context) error {
	envs, err := m.envs.ListEnvironments(ctx)
	if err != nil {
		return err
	}
	for i := range envs {
		env := envs[i]
		if len(env.HealthChecks) == 0 {
			continue
		}
		m.checkEnvironment(ctx, &env)
	}
	return nil
}

func (m *Monitor) checkEnvironment(ctx context.Context, env *domain.Environment) {
	suite := m.checker.RunSuite(ctx, env.HealthChecks)
	now := m.clock.Now()
	status := suite.HealthStatus()

	record := &domain.HealthCheckRecord{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		Status:        status,
		Results:       suite.Results,
		CheckedAt:     now,
	}
	if err := m.envs.AppendHealthCheck(ctx, record); err != nil {
		m.logger.Warn("failed to append health history", "environment_id", env.ID, "error", err)
	}

	// Re-read so a deployment that finished during the suite is not overwritten.
	fresh, err := m.envs.GetEnvironment(ctx, env.ID)
	if err != nil {
		m.logger.Warn("failed to reload environment", "environment_id", env.ID, "error", err)
		return
	}
	if fresh.HealthStatus != status {
		m.logger.Info("environment health changed", "environment_id", env.ID, "from", fresh.HealthStatus, "to", status)
	}
	fresh.HealthStatus = status
	fresh.LastHealthCheck = &now
	fresh.UpdatedAt = now
	if err := m.envs.UpdateEnvironment(ctx, fresh); err != nil {
		m.logger.Warn("failed to update environment health", "environment_id", env.ID, "error", err)
	}
}
