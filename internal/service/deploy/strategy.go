package deploy

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/provider"
)

type strategyFunc func(ctx context.Context, r *run) error

var defaultCanarySteps = []int{10, 25, 50, 100}

// canarySteps returns strictly increasing percentages ending at 100.
func canarySteps(params domain.StrategyParams) ([]int, error) {
	steps := params.CanarySteps
	if len(steps) == 0 {
		return defaultCanarySteps, nil
	}
	prev := 0
	for _, pct := range steps {
		if pct <= prev || pct > 100 {
			return nil, fmt.Errorf("%w: canary steps must increase within (0,100]: %v", domain.ErrValidation, steps)
		}
		prev = pct
	}
	if prev != 100 {
		steps = append(append([]int(nil), steps...), 100)
	}
	return steps, nil
}

// blueGreen deploys to the idle twin, gates on its health and then moves
// traffic in one switch.
func (s *Service) blueGreen(ctx context.Context, r *run) error {
	twin, err := s.envs.GetEnvironment(ctx, r.env.TwinID)
	if err != nil {
		return fmt.Errorf("load twin %s: %w", r.env.TwinID, err)
	}
	live, idle := r.env, twin
	if !r.env.Active && twin.Active {
		live, idle = twin, r.env
	}
	r.setTarget(idle, live)
	r.log("info", fmt.Sprintf("deploying to inactive twin %s while %s serves traffic", idle.ID, live.ID))
	s.updateEnvironment(ctx, idle.ID, func(e *domain.Environment) {
		e.Status = domain.EnvironmentDeploying
		e.TargetVersion = r.dep.Version
	})

	instances, err := s.listInstances(ctx, r, idle.ID)
	if err != nil {
		return err
	}
	if err := s.updateInstances(ctx, r, idle.ID, instances); err != nil {
		return err
	}
	r.stepProgress(0.5)

	if err := s.checkInstances(ctx, idle.ID, instances); err != nil {
		return fmt.Errorf("%w; traffic not switched", err)
	}
	if checks := r.checksFor(idle); len(checks) > 0 && s.checker != nil {
		suite := s.checker.RunSuite(ctx, checks)
		r.mu.Lock()
		r.dep.Metrics.HealthChecksPassed += len(suite.Results) - suite.Failed
		r.dep.Metrics.HealthChecksFailed += suite.Failed
		r.mu.Unlock()
		if !suite.Passed {
			return fmt.Errorf("%w: %d checks failed on %s; traffic not switched", domain.ErrHealthCheckFailed, suite.Failed, idle.ID)
		}
	}

	if err := s.traffic.SwitchTraffic(ctx, live.ID, idle.ID); err != nil {
		return fmt.Errorf("switch traffic: %w", err)
	}
	r.mu.Lock()
	r.switched = &trafficSwitch{from: live.ID, to: idle.ID}
	r.mu.Unlock()
	s.updateEnvironment(ctx, idle.ID, func(e *domain.Environment) { e.Active = true })
	s.updateEnvironment(ctx, live.ID, func(e *domain.Environment) { e.Active = false })
	r.log("info", fmt.Sprintf("traffic switched from %s to %s", live.ID, idle.ID))
	r.stepProgress(1)
	return nil
}

// rolling updates fixed-size batches in sequence; any unhealthy instance
// aborts the deployment.
func (s *Service) rolling(ctx context.Context, r *run) error {
	instances, err := s.listInstances(ctx, r, r.env.ID)
	if err != nil {
		return err
	}
	total := len(instances)
	batch := r.dep.Params.BatchSize
	if batch <= 0 {
		batch = total / 4
	}
	if batch < 1 {
		batch = 1
	}
	pause := r.dep.Params.StepPause
	if pause <= 0 {
		pause = s.stepPause
	}
	batches := (total + batch - 1) / batch
	for i, start := 0, 0; start < total; i, start = i+1, start+batch {
		end := min(start+batch, total)
		group := instances[start:end]
		if err := s.updateInstances(ctx, r, r.env.ID, group); err != nil {
			return err
		}
		if err := s.checkInstances(ctx, r.env.ID, group); err != nil {
			return err
		}
		r.log("info", fmt.Sprintf("batch %d/%d updated (%d/%d instances)", i+1, batches, end, total))
		r.stepProgress(float64(end) / float64(total))
		if end < total && pause > 0 {
			if err := s.clock.Sleep(ctx, pause); err != nil {
				return err
			}
		}
	}
	return nil
}

// canary widens the updated share through increasing percentages, holding a
// monitoring window after each one.
func (s *Service) canary(ctx context.Context, r *run) error {
	steps, err := canarySteps(r.dep.Params)
	if err != nil {
		return err
	}
	window := r.dep.Params.MonitorWindow
	if window <= 0 {
		window = s.canaryWindow
	}
	instances, err := s.listInstances(ctx, r, r.env.ID)
	if err != nil {
		return err
	}
	total := len(instances)
	updated := 0
	for i, pct := range steps {
		want := int(math.Ceil(float64(total) * float64(pct) / 100))
		want = max(want, 1)
		want = min(want, total)
		if want > updated {
			if err := s.updateInstances(ctx, r, r.env.ID, instances[updated:want]); err != nil {
				return err
			}
			updated = want
		}
		r.log("info", fmt.Sprintf("canary at %d%% (%d/%d instances); monitoring for %s", pct, updated, total, window))
		if err := s.clock.Sleep(ctx, window); err != nil {
			return err
		}
		if err := s.checkInstances(ctx, r.env.ID, instances[:updated]); err != nil {
			return fmt.Errorf("canary at %d%%: %w", pct, err)
		}
		if checks := r.checksFor(r.env); len(checks) > 0 && s.checker != nil {
			suite := s.checker.RunSuite(ctx, checks)
			if !suite.Passed {
				return fmt.Errorf("%w: canary at %d%%: %d checks failed", domain.ErrHealthCheckFailed, pct, suite.Failed)
			}
		}
		r.stepProgress(float64(i+1) / float64(len(steps)))
	}
	return nil
}

// allAtOnce updates every instance concurrently without gating.
func (s *Service) allAtOnce(ctx context.Context, r *run) error {
	instances, err := s.listInstances(ctx, r, r.env.ID)
	if err != nil {
		return err
	}
	r.log("warn", fmt.Sprintf("updating all %d instances at once", len(instances)))
	if err := s.updateInstances(ctx, r, r.env.ID, instances); err != nil {
		return err
	}
	r.stepProgress(1)
	return nil
}

func (s *Service) listInstances(ctx context.Context, r *run, environmentID string) ([]provider.Instance, error) {
	instances, err := s.instances.ListInstances(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", environmentID, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: environment %s has no instances", domain.ErrValidation, environmentID)
	}
	r.setTotal(len(instances))
	return instances, nil
}

// updateInstances moves a group to the run's version in parallel.
func (s *Service) updateInstances(ctx context.Context, r *run, environmentID string, group []provider.Instance) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range group {
		id := inst.ID
		g.Go(func() error {
			if err := s.instances.UpdateInstance(gctx, environmentID, id, r.dep.Version); err != nil {
				return fmt.Errorf("update instance %s: %w", id, err)
			}
			r.addUpdated(1)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) checkInstances(ctx context.Context, environmentID string, group []provider.Instance) error {
	for _, inst := range group {
		healthy, err := s.instances.InstanceHealth(ctx, environmentID, inst.ID)
		if err != nil {
			return fmt.Errorf("%w: instance %s: %v", domain.ErrHealthCheckFailed, inst.ID, err)
		}
		if !healthy {
			return fmt.Errorf("%w: instance %s unhealthy after update", domain.ErrHealthCheckFailed, inst.ID)
		}
	}
	return nil
}
