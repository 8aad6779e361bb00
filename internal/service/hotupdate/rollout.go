package hotupdate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/provider"
	"github.com/splax/releasectl/internal/service/rollback"
)

type rolloutFunc func(ctx context.Context, r *rollout) error

type tier struct {
	pct   int
	label string
}

var (
	canaryTiers = []tier{{5, "canary"}, {10, "canary"}, {25, "canary"}, {50, "canary"}, {100, "full"}}
	stagedTiers = []tier{{10, "internal"}, {30, "beta"}, {100, "full"}}
)

// plan precomputes the rollout history; percentages never decrease.
func plan(u *domain.HotUpdate) []domain.RolloutStep {
	var tiers []tier
	switch u.RolloutStrategy {
	case domain.RolloutImmediate:
		tiers = []tier{{100, "full"}}
	case domain.RolloutCanary:
		tiers = canaryTiers
	case domain.RolloutStaged:
		tiers = stagedTiers
	default:
		n := max(u.RolloutSteps, 1)
		for i := 1; i <= n; i++ {
			tiers = append(tiers, tier{pct: min(100, i*100/n)})
		}
		tiers[n-1].pct = 100
	}
	steps := make([]domain.RolloutStep, len(tiers))
	for i, t := range tiers {
		steps[i] = domain.RolloutStep{Step: i + 1, Label: t.label, Percentage: t.pct, Instances: []string{}, Status: domain.StepPending}
	}
	return steps
}

// rollout is the in-flight state of one hot update.
type rollout struct {
	mu          sync.Mutex
	u           *domain.HotUpdate
	targets     []provider.Instance
	patched     int
	cancel      context.CancelFunc
	interrupted bool
	done        chan struct{}
}

func (r *rollout) snapshot() *domain.HotUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneUpdate(r.u)
}

func (r *rollout) interrupt() {
	r.mu.Lock()
	r.interrupted = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *rollout) wasInterrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

func cloneUpdate(u *domain.HotUpdate) *domain.HotUpdate {
	cp := *u
	cp.RolloutHistory = make([]domain.RolloutStep, len(u.RolloutHistory))
	for i, st := range u.RolloutHistory {
		st.Instances = slices.Clone(st.Instances)
		if st.Metrics != nil {
			m := make(map[string]float64, len(st.Metrics))
			for k, v := range st.Metrics {
				m[k] = v
			}
			st.Metrics = m
		}
		cp.RolloutHistory[i] = st
	}
	cp.Approvals = slices.Clone(u.Approvals)
	cp.TestResults = slices.Clone(u.TestResults)
	cp.Logs = slices.Clone(u.Logs)
	return &cp
}

func (s *Service) logRun(r *rollout, level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.appendLog(r.u, level, msg)
}

// StartRollout launches the rollout in the background and returns the
// update in its rolling state. Updates that were never tested run the gates first.
func (s *Service) StartRollout(ctx context.Context, id string) (*domain.HotUpdate, error) {
	u, err := s.GetHotUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	switch u.Status {
	case domain.HotUpdateApproved, domain.HotUpdateScheduled:
	case domain.HotUpdateDraft, domain.HotUpdatePendingApproval:
		return nil, fmt.Errorf("%w: hot update %s is %s", domain.ErrApprovalRequired, id, u.Status)
	default:
		return nil, fmt.Errorf("%w: hot update %s is %s", domain.ErrInvalidState, id, u.Status)
	}
	if s.instances == nil || s.patches == nil || s.points == nil {
		return nil, fmt.Errorf("%w: instance provider, patch applier and rollback manager are required", domain.ErrValidation)
	}
	if len(u.TestResults) == 0 {
		if _, err := s.test(ctx, u); err != nil {
			return nil, err
		}
	}

	owner := "hotupdate:" + u.ID
	if err := s.acquire(ctx, u.EnvironmentID, owner); err != nil {
		return nil, err
	}
	targets, err := s.targets(ctx, u)
	if err != nil {
		s.release(u.EnvironmentID, owner)
		return nil, err
	}

	if err := s.capture(ctx, u); err != nil {
		s.release(u.EnvironmentID, owner)
		return nil, err
	}

	u.RolloutHistory = plan(u)
	u.RolloutPercentage = 0
	u.Error = ""
	s.transition(u, domain.HotUpdateRolling, fmt.Sprintf("%s rollout started across %d instance(s) in %d step(s)", u.RolloutStrategy, len(targets), len(u.RolloutHistory)))
	if err := s.updates.UpdateHotUpdate(ctx, u); err != nil {
		s.release(u.EnvironmentID, owner)
		return nil, err
	}

	s.emit(ctx, u, domain.EventStarted, "rollout started", nil)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	r := &rollout{u: cloneUpdate(u), targets: targets, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[u.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer func() {
			s.mu.Lock()
			delete(s.active, u.ID)
			s.mu.Unlock()
		}()
		defer s.release(u.EnvironmentID, owner)
		defer cancel()
		s.execute(runCtx, r)
	}()
	return u, nil
}

// capture records the pre-rollout rollback point. Without one the update fails.
func (s *Service) capture(ctx context.Context, u *domain.HotUpdate) error {
	point, err := s.points.CreateRollbackPoint(ctx, rollback.CreatePointInput{
		EnvironmentID:      u.EnvironmentID,
		Version:            u.Version,
		Description:        fmt.Sprintf("before hot update %s (patch %s)", u.ID, u.PatchVersion),
		Type:               domain.RollbackPointHotUpdate,
		CreatedBy:          u.CreatedBy,
		VerificationChecks: u.VerificationChecks,
	})
	if err != nil {
		err = fmt.Errorf("create rollback point: %w", err)
		u.Error = err.Error()
		s.transition(u, domain.HotUpdateFailed, "rollout aborted: "+err.Error())
		s.save(ctx, u)
		s.emit(ctx, u, domain.EventFailed, err.Error(), nil)
		return err
	}
	u.RollbackPointID = point.ID
	s.appendLog(u, "info", "rollback point "+point.ID+" captured")
	return nil
}

// targets lists the instances running one of the update's target versions.
func (s *Service) targets(ctx context.Context, u *domain.HotUpdate) ([]provider.Instance, error) {
	all, err := s.instances.ListInstances(ctx, u.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", u.EnvironmentID, err)
	}
	var out []provider.Instance
	for _, inst := range all {
		if inst.Version == "" || slices.Contains(u.TargetVersions, inst.Version) {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no instance in %s runs %v", domain.ErrValidation, u.EnvironmentID, u.TargetVersions)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Service) execute(ctx context.Context, r *rollout) {
	err := s.waitForSchedule(ctx, r)
	if err == nil {
		err = s.rollouts[r.u.RolloutStrategy](ctx, r)
	}
	if err == nil {
		err = s.verify(ctx, r)
	}

	if r.wasInterrupted() {
		s.logRun(r, "warn", "rollout interrupted by rollback request")
		s.save(ctx, r.snapshot())
		return
	}
	if err != nil {
		r.mu.Lock()
		r.u.Error = err.Error()
		s.transition(r.u, domain.HotUpdateFailed, "rollout failed: "+err.Error())
		r.mu.Unlock()
		u := r.snapshot()
		s.save(ctx, u)
		s.metrics.HotUpdate(string(u.RolloutStrategy), string(u.Status))
		s.emit(ctx, u, domain.EventFailed, err.Error(), nil)
		if u.AutoRollback {
			recoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			if _, rbErr := s.revert(recoverCtx, u); rbErr != nil {
				s.logger.Error("automatic hot update rollback failed", "hot_update_id", u.ID, "error", rbErr)
			}
		}
		return
	}

	r.mu.Lock()
	now := s.clock.Now()
	r.u.CompletedAt = &now
	r.u.RolloutPercentage = 100
	s.transition(r.u, domain.HotUpdateCompleted, "rollout completed")
	r.mu.Unlock()
	u := r.snapshot()
	s.save(ctx, u)
	s.metrics.HotUpdate(string(u.RolloutStrategy), string(u.Status))
	s.emit(ctx, u, domain.EventCompleted, "rollout completed", nil)
}

func (s *Service) waitForSchedule(ctx context.Context, r *rollout) error {
	r.mu.Lock()
	schedule := r.u.Schedule
	r.mu.Unlock()
	if schedule == nil {
		return nil
	}
	wait := schedule.Sub(s.clock.Now())
	if wait <= 0 {
		return nil
	}
	s.logRun(r, "info", fmt.Sprintf("waiting %s for scheduled start", wait))
	return s.clock.Sleep(ctx, wait)
}

// advance patches the instances step i adds and records them on the step.
func (s *Service) advance(ctx context.Context, r *rollout, i int) error {
	r.mu.Lock()
	pct := r.u.RolloutHistory[i].Percentage
	total := len(r.targets)
	want := int(math.Ceil(float64(total) * float64(pct) / 100))
	want = min(max(want, 1), total)
	group := r.targets[min(r.patched, want):want]
	now := s.clock.Now()
	r.u.RolloutHistory[i].Status = domain.StepRunning
	r.u.RolloutHistory[i].StartedAt = &now
	update := cloneUpdate(r.u)
	r.mu.Unlock()
	s.save(ctx, update)

	var g errgroup.Group
	for _, inst := range group {
		id := inst.ID
		g.Go(func() error {
			if err := s.patches.ApplyPatch(ctx, id, *update); err != nil {
				return fmt.Errorf("apply patch to %s: %w", id, err)
			}
			r.mu.Lock()
			r.u.RolloutHistory[i].Instances = append(r.u.RolloutHistory[i].Instances, id)
			r.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.finishStep(ctx, r, i, domain.StepFailed)
		return err
	}

	r.mu.Lock()
	r.patched = max(r.patched, want)
	r.u.RolloutPercentage = max(r.u.RolloutPercentage, pct)
	sort.Strings(r.u.RolloutHistory[i].Instances)
	r.mu.Unlock()
	s.logRun(r, "info", fmt.Sprintf("step %d: patch applied to %d/%d instance(s) (%d%%)", i+1, want, total, pct))
	return nil
}

// sample records rollout metrics on step i; gate enforces the error-rate threshold.
func (s *Service) sample(ctx context.Context, r *rollout, i int, gate bool) error {
	if s.source == nil {
		return nil
	}
	r.mu.Lock()
	var ids []string
	for _, inst := range r.targets[:r.patched] {
		ids = append(ids, inst.ID)
	}
	env, threshold := r.u.EnvironmentID, r.u.RollbackThreshold
	r.mu.Unlock()

	m, err := s.source.Collect(ctx, env, ids)
	if err != nil {
		if gate {
			s.finishStep(ctx, r, i, domain.StepFailed)
			return fmt.Errorf("%w: collect metrics at step %d: %v", domain.ErrHealthCheckFailed, i+1, err)
		}
		s.logRun(r, "warn", fmt.Sprintf("step %d: metrics unavailable: %v", i+1, err))
		return nil
	}
	r.mu.Lock()
	r.u.RolloutHistory[i].Metrics = m.AsMap()
	r.mu.Unlock()
	if gate && m.ErrorRate > threshold {
		s.finishStep(ctx, r, i, domain.StepFailed)
		return fmt.Errorf("%w: error rate %.2f exceeds threshold %.2f at step %d", domain.ErrHealthCheckFailed, m.ErrorRate, threshold, i+1)
	}
	return nil
}

func (s *Service) monitor(ctx context.Context, r *rollout, i int) error {
	r.mu.Lock()
	checks := r.u.VerificationChecks
	r.mu.Unlock()
	if len(checks) == 0 || s.checker == nil {
		return nil
	}
	suite := s.checker.RunSuite(ctx, checks)
	if !suite.Passed {
		s.finishStep(ctx, r, i, domain.StepFailed)
		return fmt.Errorf("%w: %d verification check(s) failed at step %d", domain.ErrHealthCheckFailed, suite.Failed, i+1)
	}
	return nil
}

func (s *Service) finishStep(ctx context.Context, r *rollout, i int, status string) {
	r.mu.Lock()
	now := s.clock.Now()
	r.u.RolloutHistory[i].Status = status
	r.u.RolloutHistory[i].CompletedAt = &now
	update := cloneUpdate(r.u)
	r.mu.Unlock()
	s.metrics.RolloutStep(status)
	s.save(ctx, update)
}

func (s *Service) steps(r *rollout) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.u.RolloutHistory)
}

func (s *Service) immediate(ctx context.Context, r *rollout) error {
	if err := s.advance(ctx, r, 0); err != nil {
		return err
	}
	if err := s.sample(ctx, r, 0, false); err != nil {
		return err
	}
	s.finishStep(ctx, r, 0, domain.StepCompleted)
	return nil
}

// gradual walks the precomputed steps and aborts when the error rate
// crosses the rollback threshold.
func (s *Service) gradual(ctx context.Context, r *rollout) error {
	n := s.steps(r)
	for i := 0; i < n; i++ {
		if err := s.advance(ctx, r, i); err != nil {
			return err
		}
		if err := s.sample(ctx, r, i, true); err != nil {
			return err
		}
		s.finishStep(ctx, r, i, domain.StepCompleted)
		if i < n-1 && r.u.StepDelay > 0 {
			if err := s.clock.Sleep(ctx, r.u.StepDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// canary monitors metrics and verification checks after every tier.
func (s *Service) canary(ctx context.Context, r *rollout) error {
	window := r.u.StepDelay
	if window <= 0 {
		window = s.canaryWindow
	}
	n := s.steps(r)
	for i := 0; i < n; i++ {
		if err := s.advance(ctx, r, i); err != nil {
			return err
		}
		if err := s.clock.Sleep(ctx, window); err != nil {
			return err
		}
		if err := s.sample(ctx, r, i, true); err != nil {
			return err
		}
		if err := s.monitor(ctx, r, i); err != nil {
			return err
		}
		s.finishStep(ctx, r, i, domain.StepCompleted)
	}
	return nil
}

// staged moves through internal, beta and full tiers with a fixed delay and
// no metric gating.
func (s *Service) staged(ctx context.Context, r *rollout) error {
	n := s.steps(r)
	for i := 0; i < n; i++ {
		if err := s.advance(ctx, r, i); err != nil {
			return err
		}
		if err := s.sample(ctx, r, i, false); err != nil {
			return err
		}
		s.finishStep(ctx, r, i, domain.StepCompleted)
		if i < n-1 {
			if err := s.clock.Sleep(ctx, s.stageDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) verify(ctx context.Context, r *rollout) error {
	r.mu.Lock()
	checks := r.u.VerificationChecks
	r.mu.Unlock()
	if len(checks) == 0 || s.checker == nil {
		return nil
	}
	suite := s.checker.RunSuite(ctx, checks)
	if !suite.Passed {
		return fmt.Errorf("%w: %d of %d verification checks failed after rollout", domain.ErrHealthCheckFailed, suite.Failed, len(suite.Results))
	}
	s.logRun(r, "info", fmt.Sprintf("%d verification check(s) passed", len(suite.Results)))
	return nil
}

// RollbackHotUpdate reverts every patched instance using the update's
// rollback plan. An in-flight rollout is stopped first.
func (s *Service) RollbackHotUpdate(ctx context.Context, id string) (*domain.HotUpdate, error) {
	s.mu.Lock()
	if s.rollingBack[id] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: hot update %s is already rolling back", domain.ErrInvalidState, id)
	}
	s.rollingBack[id] = true
	r := s.active[id]
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.rollingBack, id)
		s.mu.Unlock()
	}()

	if r != nil {
		r.interrupt()
		<-r.done
	}
	u, err := s.GetHotUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	switch u.Status {
	case domain.HotUpdateRolling, domain.HotUpdateCompleted, domain.HotUpdateFailed:
	default:
		return nil, fmt.Errorf("%w: hot update %s is %s", domain.ErrInvalidState, id, u.Status)
	}
	owner := "hotupdate-rollback:" + id
	if err := s.acquire(ctx, u.EnvironmentID, owner); err != nil {
		return nil, err
	}
	defer s.release(u.EnvironmentID, owner)
	return s.revert(ctx, u)
}

func (s *Service) revert(ctx context.Context, u *domain.HotUpdate) (*domain.HotUpdate, error) {
	var ids []string
	for _, st := range u.RolloutHistory {
		for _, id := range st.Instances {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	s.appendLog(u, "warn", fmt.Sprintf("executing rollback plan on %d instance(s)", len(ids)))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	if s.patches != nil {
		for _, id := range ids {
			g.Go(func() error {
				if err := s.patches.RevertPatch(ctx, id, *u); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("revert %s: %w", id, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	} else if len(ids) > 0 {
		errs = append(errs, errors.New("no patch applier configured"))
	}

	if len(errs) > 0 && u.RollbackPointID != "" && s.points != nil {
		s.appendLog(u, "warn", fmt.Sprintf("patch revert failed on %d instance(s); restoring rollback point %s", len(errs), u.RollbackPointID))
		if _, err := s.points.ExecuteRollback(ctx, u.RollbackPointID); err != nil {
			errs = append(errs, fmt.Errorf("restore rollback point %s: %w", u.RollbackPointID, err))
		} else {
			errs = nil
		}
	}
	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", domain.ErrRollbackFailed, errors.Join(errs...))
		if u.Error == "" {
			u.Error = err.Error()
		} else {
			u.Error += "; " + err.Error()
		}
		s.transition(u, domain.HotUpdateFailed, "rollback failed: "+err.Error())
		s.save(ctx, u)
		s.metrics.Rollback("failure")
		s.emit(ctx, u, domain.EventFailed, err.Error(), nil)
		return u, err
	}
	s.transition(u, domain.HotUpdateRolledBack, "rolled back")
	s.save(ctx, u)
	s.metrics.Rollback("success")
	s.metrics.HotUpdate(string(u.RolloutStrategy), string(u.Status))
	s.emit(ctx, u, domain.EventRolledBack, "hot update rolled back", nil)
	return u, nil
}
