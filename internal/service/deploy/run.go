package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/service/migration"
	"github.com/splax/releasectl/internal/service/rollback"
)

const (
	stepBuild         = "build_artifact"
	stepRollbackPoint = "create_rollback_point"
	stepMigrations    = "run_migrations"
	stepStrategy      = "execute_strategy"
	stepHealth        = "health_check"
	stepFinalize      = "finalize"

	saveTimeout = 5 * time.Second
)

type trafficSwitch struct {
	from, to string
}

// run is the mutable state of one deployment. Progress only moves forward
// and reaches 100 together with the completed status.
type run struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	dep      *domain.Deployment
	env      *domain.Environment
	target   *domain.Environment
	live     *domain.Environment
	switched *trafficSwitch
	health   domain.HealthStatus
	steps    []string
	current  int
}

func (s *Service) newRun(dep *domain.Deployment, env *domain.Environment, cfg Config) *run {
	steps := []string{stepBuild, stepRollbackPoint}
	if cfg.RunMigrations {
		steps = append(steps, stepMigrations)
	}
	steps = append(steps, stepStrategy, stepHealth, stepFinalize)
	if dep.TotalSteps == 0 {
		dep.TotalSteps = len(steps)
	}
	return &run{
		cfg:    cfg,
		logger: s.logger.With("deployment_id", dep.ID, "environment_id", dep.EnvironmentID),
		clock:  s.clock.Now,
		dep:    dep,
		env:    env,
		target: env,
		steps:  steps,
	}
}

func (r *run) log(level, msg string) {
	r.mu.Lock()
	r.dep.Logs = append(r.dep.Logs, domain.LogEntry{Timestamp: r.clock(), Level: level, Message: msg})
	r.mu.Unlock()
	switch level {
	case "error":
		r.logger.Error(msg)
	case "warn":
		r.logger.Warn(msg)
	default:
		r.logger.Info(msg)
	}
}

func (r *run) setStatus(status domain.DeploymentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dep.Status = status
	if status.Terminal() || status == domain.DeploymentRollingBack {
		now := r.clock()
		r.dep.EndTime = &now
	}
}

func (r *run) startStep(i int, name string) {
	r.mu.Lock()
	r.current = i
	r.dep.CurrentStep = i + 1
	r.dep.StepName = name
	r.mu.Unlock()
	r.log("info", "step "+name+" started")
}

// stepProgress reports fractional progress within the current step.
func (r *run) stepProgress(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked((float64(r.current) + fraction) / float64(len(r.steps)) * 100)
}

func (r *run) completeStep(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(float64(i+1) / float64(len(r.steps)) * 100)
}

func (r *run) advanceLocked(p float64) {
	if r.dep.Status != domain.DeploymentCompleted && p >= 100 {
		return
	}
	if p > r.dep.Progress {
		r.dep.Progress = p
	}
}

func (r *run) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	r.dep.Status = domain.DeploymentCompleted
	r.dep.Progress = 100
	r.dep.EndTime = &now
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.dep.Error == "" {
		r.dep.Error = err.Error()
	} else {
		r.dep.Error += "; " + err.Error()
	}
	r.mu.Unlock()
	r.setStatus(domain.DeploymentFailed)
	r.log("error", err.Error())
}

func (r *run) setTarget(target, live *domain.Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
	r.live = live
	r.dep.TargetEnvironmentID = target.ID
}

func (r *run) addUpdated(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dep.Metrics.InstancesUpdated += n
}

func (r *run) setTotal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dep.Metrics.InstancesTotal = n
}

func (r *run) snapshot() *domain.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.dep
	cp.Logs = append([]domain.LogEntry(nil), r.dep.Logs...)
	return &cp
}

func (r *run) checksFor(env *domain.Environment) []domain.VerificationCheck {
	if len(r.cfg.HealthChecks) > 0 {
		return r.cfg.HealthChecks
	}
	return env.HealthChecks
}

func (s *Service) execute(ctx context.Context, r *run) {
	started := s.clock.Now()
	r.setStatus(domain.DeploymentRunning)
	r.log("info", fmt.Sprintf("deploying %s with %s strategy", r.dep.Version, r.dep.Strategy))
	s.save(ctx, r)
	s.emitRun(ctx, r, domain.EventStarted, "deployment started")

	s.updateEnvironment(ctx, r.env.ID, func(e *domain.Environment) {
		e.Status = domain.EnvironmentDeploying
		e.TargetVersion = r.dep.Version
	})

	if err := s.runSteps(ctx, r); err != nil {
		r.fail(err)
		s.save(ctx, r)
		s.emitRun(ctx, r, domain.EventFailed, err.Error())
		// The run context may have expired; recovery gets its own budget.
		recoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		s.releaseEnvironments(recoverCtx, r)
		if r.dep.RollbackOnFailure && r.dep.RollbackPointID != "" {
			s.rollbackRun(recoverCtx, r)
		} else if r.dep.RollbackOnFailure {
			r.log("warn", "no rollback point captured; rollback skipped")
		}
	} else {
		s.emitRun(ctx, r, domain.EventCompleted, "deployment completed")
	}

	r.mu.Lock()
	r.dep.Metrics.Duration = s.clock.Now().Sub(started)
	r.mu.Unlock()
	s.save(ctx, r)
	s.recordMetric(context.WithoutCancel(ctx), r.snapshot())
}

func (s *Service) runSteps(ctx context.Context, r *run) error {
	for i, name := range r.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("deployment aborted before %s: %w", name, err)
		}
		r.startStep(i, name)
		var err error
		switch name {
		case stepBuild:
			err = s.buildArtifact(ctx, r)
		case stepRollbackPoint:
			err = s.createRollbackPoint(ctx, r)
		case stepMigrations:
			err = s.runMigrations(ctx, r)
		case stepStrategy:
			err = s.strategies[r.dep.Strategy](ctx, r)
		case stepHealth:
			err = s.verify(ctx, r)
		case stepFinalize:
			err = s.finalize(ctx, r)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.completeStep(i)
		s.save(ctx, r)
	}
	return nil
}

func (s *Service) buildArtifact(ctx context.Context, r *run) error {
	if s.builder == nil {
		r.log("warn", "no artifact builder configured; using version as artifact")
		r.mu.Lock()
		r.dep.Metrics.Artifact = r.dep.Version
		r.mu.Unlock()
		return nil
	}
	artifact, err := s.builder.Build(ctx, r.dep.Version)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.dep.Metrics.Artifact = artifact
	r.mu.Unlock()
	r.log("info", "artifact ready: "+artifact)
	return nil
}

func (s *Service) createRollbackPoint(ctx context.Context, r *run) error {
	if r.env.CurrentVersion == "" {
		r.log("warn", "environment has no current version; no rollback point captured")
		return nil
	}
	point, err := s.rollbacks.CreateRollbackPoint(ctx, rollback.CreatePointInput{
		EnvironmentID:      r.env.ID,
		Version:            r.env.CurrentVersion,
		Description:        fmt.Sprintf("before deployment %s of %s", r.dep.ID, r.dep.Version),
		Type:               domain.RollbackPointDeployment,
		CreatedBy:          r.dep.InitiatedBy,
		VerificationChecks: r.checksFor(r.env),
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.dep.RollbackPointID = point.ID
	r.mu.Unlock()
	r.log("info", fmt.Sprintf("rollback point %s captured at %s", point.ID, point.Version))
	return nil
}

func (s *Service) runMigrations(ctx context.Context, r *run) error {
	if s.migrator == nil {
		return fmt.Errorf("%w: no migration engine configured", domain.ErrValidation)
	}
	result, err := s.migrator.RunMigrations(ctx, migration.RunContext{
		Environment: r.env.MigrationContext(),
		ExecutedBy:  r.dep.InitiatedBy,
	})
	if err != nil {
		return err
	}
	s.metrics.Migrations(len(result.Executed), len(result.Failed))
	r.mu.Lock()
	r.dep.Metrics.MigrationsExecuted = len(result.Executed)
	r.mu.Unlock()
	for _, w := range result.Warnings {
		r.log("warn", w)
	}
	if !result.Success {
		first := result.Failed[0]
		return fmt.Errorf("%d migration(s) failed, first %s: %s", len(result.Failed), first.ID, first.Error)
	}
	r.log("info", fmt.Sprintf("%d migration(s) executed", len(result.Executed)))
	return nil
}

func (s *Service) verify(ctx context.Context, r *run) error {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	checks := r.checksFor(target)
	if len(checks) == 0 || s.checker == nil {
		r.log("warn", "no health checks configured")
		return nil
	}
	suite := s.checker.RunSuite(ctx, checks)
	r.mu.Lock()
	r.dep.Metrics.HealthChecksPassed += len(suite.Results) - suite.Failed
	r.dep.Metrics.HealthChecksFailed += suite.Failed
	r.health = suite.HealthStatus()
	r.mu.Unlock()
	if !suite.Passed {
		return fmt.Errorf("%w: %d of %d checks failed on %s", domain.ErrHealthCheckFailed, suite.Failed, len(suite.Results), target.ID)
	}
	r.log("info", fmt.Sprintf("%d health checks passed on %s", len(suite.Results), target.ID))
	return nil
}

func (s *Service) finalize(ctx context.Context, r *run) error {
	r.mu.Lock()
	target, live, health := r.target, r.live, r.health
	r.mu.Unlock()
	now := s.clock.Now()
	err := s.updateEnvironmentErr(ctx, target.ID, func(e *domain.Environment) {
		e.CurrentVersion = r.dep.Version
		e.TargetVersion = ""
		e.Status = domain.EnvironmentActive
		if health != "" {
			e.HealthStatus = health
			e.LastHealthCheck = &now
		}
		if live != nil {
			e.Active = true
		}
	})
	if err != nil {
		return fmt.Errorf("record current version: %w", err)
	}
	if live != nil {
		s.updateEnvironment(ctx, live.ID, func(e *domain.Environment) {
			e.Active = false
			e.Status = domain.EnvironmentIdle
			e.TargetVersion = ""
		})
	}
	r.complete()
	r.log("info", fmt.Sprintf("%s now serving %s", target.ID, r.dep.Version))
	return nil
}

// rollbackRun moves a failed or operator-rolled-back deployment through
// rolling_back to rolled_back, or back to failed when restoration fails.
func (s *Service) rollbackRun(ctx context.Context, r *run) {
	r.setStatus(domain.DeploymentRollingBack)
	r.log("warn", "rolling back to rollback point "+r.dep.RollbackPointID)
	s.save(ctx, r)

	if r.switched != nil && s.traffic != nil {
		if err := s.traffic.SwitchTraffic(ctx, r.switched.to, r.switched.from); err != nil {
			r.log("error", "failed to switch traffic back: "+err.Error())
		} else {
			s.updateEnvironment(ctx, r.switched.from, func(e *domain.Environment) { e.Active = true })
			s.updateEnvironment(ctx, r.switched.to, func(e *domain.Environment) {
				e.Active = false
				e.Status = domain.EnvironmentIdle
			})
			r.log("info", "traffic switched back to "+r.switched.from)
		}
	}

	point, err := s.rollbacks.ExecuteRollback(ctx, r.dep.RollbackPointID)
	if err != nil {
		r.fail(fmt.Errorf("rollback: %w", err))
		s.save(ctx, r)
		return
	}
	r.setStatus(domain.DeploymentRolledBack)
	r.log("info", "rolled back to "+point.Version)
	s.save(ctx, r)
	s.emitRun(ctx, r, domain.EventRolledBack, "rolled back to "+point.Version)
}

// releaseEnvironments clears the deploying marker after a failure without rollback.
func (s *Service) releaseEnvironments(ctx context.Context, r *run) {
	r.mu.Lock()
	target, live := r.target, r.live
	r.mu.Unlock()
	s.updateEnvironment(ctx, r.env.ID, func(e *domain.Environment) {
		e.Status = domain.EnvironmentActive
		e.TargetVersion = ""
	})
	if live != nil && target.ID != r.env.ID {
		s.updateEnvironment(ctx, target.ID, func(e *domain.Environment) {
			if !e.Active {
				e.Status = domain.EnvironmentIdle
			}
			e.TargetVersion = ""
		})
	}
}

func (s *Service) save(ctx context.Context, r *run) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.deployments.UpdateDeployment(saveCtx, r.snapshot()); err != nil {
		s.logger.Warn("update deployment failed", "deployment_id", r.dep.ID, "error", err)
	}
}

func (s *Service) updateEnvironment(ctx context.Context, id string, mutate func(*domain.Environment)) {
	if err := s.updateEnvironmentErr(ctx, id, mutate); err != nil {
		s.logger.Warn("update environment failed", "environment_id", id, "error", err)
	}
}

func (s *Service) updateEnvironmentErr(ctx context.Context, id string, mutate func(*domain.Environment)) error {
	ctx = context.WithoutCancel(ctx)
	env, err := s.envs.GetEnvironment(ctx, id)
	if err != nil {
		return err
	}
	mutate(env)
	env.UpdatedAt = s.clock.Now()
	return s.envs.UpdateEnvironment(ctx, env)
}

func (s *Service) emitRun(ctx context.Context, r *run, kind domain.EventKind, message string) {
	dep := r.snapshot()
	var recipients []string
	if dep.InitiatedBy != "" {
		recipients = append(recipients, dep.InitiatedBy)
	}
	s.emit(context.WithoutCancel(ctx), domain.Event{
		Kind:          kind,
		Subject:       domain.SubjectDeployment,
		ID:            dep.ID,
		EnvironmentID: dep.EnvironmentID,
		Version:       dep.Version,
		Status:        string(dep.Status),
		Message:       message,
		Recipients:    recipients,
	})
}
