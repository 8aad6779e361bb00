package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
)

// DefaultSweepSchedule runs the expiry sweep hourly.
const DefaultSweepSchedule = "@every 1h"

// Sweeper expires available rollback points older than the retention window.
type Sweeper struct {
	points    repository.RollbackPointRepository
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	claims    Claimer
}

// Claimer hands out exclusive claims on rollback points. Manager implements
// it so the sweeper never expires a point that is being executed.
type Claimer interface {
	Claim(pointID string) bool
	Unclaim(pointID string)
}

// NewSweeper returns a Sweeper. A non-positive retention disables expiry.
func NewSweeper(points repository.RollbackPointRepository, retention time.Duration, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		points:    points,
		retention: retention,
		clock:     clk,
		logger:    logger.With("component", "rollback_sweeper"),
	}
}

// WithClaims makes RunOnce skip points the claimer reports as busy.
func (s *Sweeper) WithClaims(c Claimer) *Sweeper {
	s.claims = c
	return s
}

// RunOnce expires stale points and returns how many changed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.retention)
	stale, err := s.points.ListAvailableBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		if s.expire(ctx, stale[i]) {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("rollback points expired", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

func (s *Sweeper) expire(ctx context.Context, point domain.RollbackPoint) bool {
	if s.claims != nil {
		if !s.claims.Claim(point.ID) {
			s.logger.Debug("skipping rollback point in use", "rollback_point_id", point.ID)
			return false
		}
		defer s.claims.Unclaim(point.ID)
		// Re-read under the claim; an execution may have finished in between.
		current, err := s.points.GetRollbackPoint(ctx, point.ID)
		if err != nil {
			s.logger.Warn("failed to reload rollback point", "rollback_point_id", point.ID, "error", err)
			return false
		}
		if current.Status != domain.RollbackAvailable {
			return false
		}
		point = *current
	}
	point.Status = domain.RollbackExpired
	if err := s.points.UpdateRollbackPoint(ctx, &point); err != nil {
		s.logger.Warn("failed to expire rollback point", "rollback_point_id", point.ID, "error", err)
		return false
	}
	return true
}

// Start schedules RunOnce on a cron spec until ctx is done.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	c := cron.New()
	err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("rollback sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule rollback sweep: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	s.logger.Info("rollback sweeper scheduled", "schedule", schedule, "retention", s.retention)
	return nil
}
