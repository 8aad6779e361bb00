// Package hotupdate runs approval-gated, tested patches through staged rollouts.
package hotupdate

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
	"github.com/splax/releasectl/internal/service/rollback"
)

const (
	defaultTimeout      = time.Hour
	defaultSteps        = 5
	defaultThreshold    = 5.0
	defaultCanaryWindow = 5 * time.Minute
	defaultStageDelay   = 10 * time.Minute
	defaultListLimit    = 50
	saveTimeout         = 5 * time.Second
)

// Observer receives hot update lifecycle events.
type Observer interface {
	HandleEvent(ctx context.Context, event domain.Event)
}

// CreateInput describes a new hot update. A nil RollbackThreshold takes the
// default error-rate percentage; zero aborts a step on any error.
type CreateInput struct {
	Version            string                     `json:"version"`
	PatchVersion       string                     `json:"patch_version"`
	Type               domain.HotUpdateType       `json:"type"`
	Priority           domain.Priority            `json:"priority"`
	Critical           bool                       `json:"critical"`
	Description        string                     `json:"description,omitempty"`
	EnvironmentID      string                     `json:"environment_id"`
	TargetVersions     []string                   `json:"target_versions"`
	RolloutStrategy    domain.RolloutStrategy     `json:"rollout_strategy"`
	RolloutSteps       int                        `json:"rollout_steps"`
	StepDelay          time.Duration              `json:"step_delay"`
	AutoRollback       bool                       `json:"auto_rollback"`
	RollbackThreshold  *float64                   `json:"rollback_threshold,omitempty"`
	Script             string                     `json:"script"`
	VerificationChecks []domain.VerificationCheck `json:"verification_checks"`
	RollbackPlan       string                     `json:"rollback_plan"`
	Schedule           *time.Time                 `json:"schedule,omitempty"`
	CreatedBy          string                     `json:"created_by,omitempty"`
}

// RollbackPoints is the subset of the rollback manager a rollout uses.
type RollbackPoints interface {
	CreateRollbackPoint(ctx context.Context, in rollback.CreatePointInput) (*domain.RollbackPoint, error)
	ExecuteRollback(ctx context.Context, pointID string) (*domain.RollbackPoint, error)
}

// ApprovalInput is one approver's decision.
type ApprovalInput struct {
	Approver   string   `json:"approver"`
	Role       string   `json:"role,omitempty"`
	Approved   bool     `json:"approved"`
	Conditions []string `json:"conditions,omitempty"`
}

// Options carries collaborators and tuning knobs.
type Options struct {
	Instances    provider.InstanceProvider
	Patches      provider.PatchApplier
	Source       provider.MetricsSource
	Points       RollbackPoints
	Leases       lease.Manager
	Metrics      *metrics.Recorder
	Clock        clock.Clock
	Approvers    []string
	Timeout      time.Duration
	CanaryWindow time.Duration
	StageDelay   time.Duration
}

// Service owns the hot update lifecycle.
type Service struct {
	updates repository.HotUpdateRepository
	envs    repository.EnvironmentRepository
	checker *health.Checker
	logger  *slog.Logger

	instances    provider.InstanceProvider
	patches      provider.PatchApplier
	source       provider.MetricsSource
	points       RollbackPoints
	leases       lease.Manager
	metrics      *metrics.Recorder
	clock        clock.Clock
	approvers    []string
	timeout      time.Duration
	canaryWindow time.Duration
	stageDelay   time.Duration

	rollouts map[domain.RolloutStrategy]rolloutFunc

	mu          sync.Mutex
	observers   []Observer
	active      map[string]*rollout
	rollingBack map[string]bool
	wg          sync.WaitGroup
}

// New constructs a hot update service.
func New(updates repository.HotUpdateRepository, envs repository.EnvironmentRepository, checker *health.Checker, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		updates:      updates,
		envs:         envs,
		checker:      checker,
		logger:       logger.With("component", "hotupdate"),
		instances:    opts.Instances,
		patches:      opts.Patches,
		source:       opts.Source,
		points:       opts.Points,
		leases:       opts.Leases,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		approvers:    opts.Approvers,
		timeout:      opts.Timeout,
		canaryWindow: opts.CanaryWindow,
		stageDelay:   opts.StageDelay,
		active:       map[string]*rollout{},
		rollingBack:  map[string]bool{},
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
	if s.stageDelay <= 0 {
		s.stageDelay = defaultStageDelay
	}
	s.rollouts = map[domain.RolloutStrategy]rolloutFunc{
		domain.RolloutImmediate: s.immediate,
		domain.RolloutGradual:   s.gradual,
		domain.RolloutCanary:    s.canary,
		domain.RolloutStaged:    s.staged,
	}
	return s
}

// Subscribe registers an observer.
func (s *Service) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Wait blocks until every background rollout has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// CreateHotUpdate validates in and stores a draft hot update.
func (s *Service) CreateHotUpdate(ctx context.Context, in CreateInput) (*domain.HotUpdate, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	if _, err := s.envs.GetEnvironment(ctx, in.EnvironmentID); err != nil {
		return nil, fmt.Errorf("environment %s: %w", in.EnvironmentID, err)
	}

	now := s.clock.Now()
	u := &domain.HotUpdate{
		ID:                 uuid.NewString(),
		Version:            in.Version,
		PatchVersion:       in.PatchVersion,
		Type:               in.Type,
		Priority:           in.Priority,
		Critical:           in.Critical,
		Description:        in.Description,
		EnvironmentID:      in.EnvironmentID,
		TargetVersions:     in.TargetVersions,
		RolloutStrategy:    in.RolloutStrategy,
		RolloutSteps:       in.RolloutSteps,
		StepDelay:          in.StepDelay,
		AutoRollback:       in.AutoRollback,
		RollbackThreshold:  *in.RollbackThreshold,
		Script:             in.Script,
		VerificationChecks: in.VerificationChecks,
		RollbackPlan:       in.RollbackPlan,
		Schedule:           in.Schedule,
		Status:             domain.HotUpdateDraft,
		RolloutHistory:     []domain.RolloutStep{},
		Approvals:          []domain.Approval{},
		Logs:               []domain.LogEntry{{Timestamp: now, Level: "info", Message: "hot update created"}},
		CreatedBy:          in.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.updates.CreateHotUpdate(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("hot update created", "hot_update_id", u.ID, "environment_id", u.EnvironmentID, "patch_version", u.PatchVersion)
	return u, nil
}

func (s *Service) validate(in *CreateInput) error {
	in.Version = strings.TrimSpace(in.Version)
	in.PatchVersion = strings.TrimSpace(in.PatchVersion)
	in.EnvironmentID = strings.TrimSpace(in.EnvironmentID)
	var problems []string
	if in.Version == "" || in.PatchVersion == "" {
		problems = append(problems, "version and patch_version are required")
	}
	if in.EnvironmentID == "" {
		problems = append(problems, "environment_id is required")
	}
	if len(in.TargetVersions) == 0 {
		problems = append(problems, "at least one target version is required")
	}
	if strings.TrimSpace(in.Script) == "" {
		problems = append(problems, "script is required")
	}
	if strings.TrimSpace(in.RollbackPlan) == "" {
		problems = append(problems, "rollback_plan is required")
	}
	if len(in.VerificationChecks) == 0 {
		problems = append(problems, "at least one verification check is required")
	}
	if t := in.RollbackThreshold; t != nil && (*t < 0 || *t > 100) {
		problems = append(problems, "rollback_threshold must be within [0,100]")
	}
	if in.RolloutSteps < 0 || in.StepDelay < 0 {
		problems = append(problems, "rollout_steps and step_delay must not be negative")
	}
	if in.RolloutStrategy == "" {
		in.RolloutStrategy = domain.RolloutGradual
	}
	if _, ok := s.rollouts[in.RolloutStrategy]; !ok {
		problems = append(problems, fmt.Sprintf("unknown rollout strategy %q", in.RolloutStrategy))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	if in.Type == "" {
		in.Type = domain.HotUpdateBugfix
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if in.RolloutSteps == 0 {
		in.RolloutSteps = defaultSteps
	}
	if in.RollbackThreshold == nil {
		threshold := defaultThreshold
		in.RollbackThreshold = &threshold
	}
	return nil
}

// GetHotUpdate returns the stored state of a hot update.
func (s *Service) GetHotUpdate(ctx context.Context, id string) (*domain.HotUpdate, error) {
	u, err := s.updates.GetHotUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("hot update %s: %w", id, err)
	}
	return u, nil
}

// ListHotUpdates returns recent hot updates, newest first.
func (s *Service) ListHotUpdates(ctx context.Context, environmentID string, limit int) ([]domain.HotUpdate, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.updates.ListHotUpdates(ctx, environmentID, limit)
}

// SubmitForApproval moves a draft to pending_approval and asks the approvers.
func (s *Service) SubmitForApproval(ctx context.Context, id string) (*domain.HotUpdate, error) {
	u, err := s.GetHotUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != domain.HotUpdateDraft {
		return nil, fmt.Errorf("%w: hot update %s is %s, not draft", domain.ErrInvalidState, id, u.Status)
	}
	required := domain.RequiredApprovals(u.Priority, u.Critical)
	s.transition(u, domain.HotUpdatePendingApproval, fmt.Sprintf("submitted for approval; %d approval(s) required", required))
	if err := s.updates.UpdateHotUpdate(ctx, u); err != nil {
		return nil, err
	}
	s.emit(ctx, u, domain.EventApprovalRequested, fmt.Sprintf("%s patch %s needs %d approval(s)", u.Priority, u.PatchVersion, required), s.approvers)
	return u, nil
}

// ApproveHotUpdate appends an approval and advances the update once the
// quorum for its priority is met.
func (s *Service) ApproveHotUpdate(ctx context.Context, id string, in ApprovalInput) (*domain.HotUpdate, error) {
	in.Approver = strings.TrimSpace(in.Approver)
	if in.Approver == "" {
		return nil, fmt.Errorf("%w: approver is required", domain.ErrValidation)
	}
	u, err := s.GetHotUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != domain.HotUpdatePendingApproval {
		return nil, fmt.Errorf("%w: hot update %s is %s, not pending_approval", domain.ErrInvalidState, id, u.Status)
	}
	now := s.clock.Now()
	u.Approvals = append(u.Approvals, domain.Approval{
		HotUpdateID: u.ID,
		Approver:    in.Approver,
		Role:        in.Role,
		Approved:    in.Approved,
		Timestamp:   now,
		Conditions:  in.Conditions,
	})
	decision := "approved"
	if !in.Approved {
		decision = "rejected"
	}
	required := domain.RequiredApprovals(u.Priority, u.Critical)
	count := u.ApprovalCount()
	s.appendLog(u, "info", fmt.Sprintf("%s %s (%d/%d)", in.Approver, decision, count, required))

	if count >= required {
		next := domain.HotUpdateApproved
		if u.Schedule != nil && u.Schedule.After(now) {
			next = domain.HotUpdateScheduled
		}
		s.transition(u, next, "approval quorum reached")
	} else {
		u.UpdatedAt = now
	}
	if err := s.updates.UpdateHotUpdate(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CancelHotUpdate abandons an update that has not started rolling out.
func (s *Service) CancelHotUpdate(ctx context.Context, id, reason string) (*domain.HotUpdate, error) {
	u, err := s.GetHotUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	switch u.Status {
	case domain.HotUpdateDraft, domain.HotUpdatePendingApproval, domain.HotUpdateApproved, domain.HotUpdateScheduled:
	default:
		return nil, fmt.Errorf("%w: hot update %s is %s and cannot be cancelled", domain.ErrInvalidState, id, u.Status)
	}
	msg := "cancelled"
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += ": " + reason
	}
	s.transition(u, domain.HotUpdateCancelled, msg)
	if err := s.updates.UpdateHotUpdate(ctx, u); err != nil {
		return nil, err
	}
	s.metrics.HotUpdate(string(u.RolloutStrategy), string(u.Status))
	return u, nil
}

// RunHotUpdateTests runs the four pre-rollout gates. The update is testing
// while they run; a failed gate leaves it failed.
func (s *Service) RunHotUpdateTests(ctx context.Context, id string) ([]domain.TestResult, error) {
	u, err := s.GetHotUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != domain.HotUpdateApproved && u.Status != domain.HotUpdateScheduled {
		return nil, fmt.Errorf("%w: hot update %s is %s; approval required before testing", domain.ErrApprovalRequired, id, u.Status)
	}
	return s.test(ctx, u)
}

func (s *Service) test(ctx context.Context, u *domain.HotUpdate) ([]domain.TestResult, error) {
	prev := u.Status
	s.transition(u, domain.HotUpdateTesting, "running pre-rollout tests")
	s.save(ctx, u)

	results := runGates(ctx, u)
	u.TestResults = results
	for _, r := range results {
		for _, w := range r.Warnings {
			s.appendLog(u, "warn", r.Name+": "+w)
		}
	}
	if !gatesPassed(results) {
		var failed []string
		for _, r := range results {
			if r.Status == domain.CheckFail {
				failed = append(failed, fmt.Sprintf("%s (%s)", r.Name, strings.Join(r.Issues, ", ")))
			}
		}
		err := fmt.Errorf("%w: %s", domain.ErrTestGateFailed, strings.Join(failed, "; "))
		u.Error = err.Error()
		s.transition(u, domain.HotUpdateFailed, err.Error())
		s.save(ctx, u)
		s.metrics.HotUpdate(string(u.RolloutStrategy), string(u.Status))
		s.emit(ctx, u, domain.EventFailed, err.Error(), nil)
		return results, err
	}
	s.transition(u, prev, "all pre-rollout tests passed")
	s.save(ctx, u)
	return results, nil
}

func (s *Service) transition(u *domain.HotUpdate, status domain.HotUpdateStatus, msg string) {
	u.Status = status
	u.UpdatedAt = s.clock.Now()
	level := "info"
	if status == domain.HotUpdateFailed {
		level = "error"
	}
	s.appendLog(u, level, msg)
}

func (s *Service) appendLog(u *domain.HotUpdate, level, msg string) {
	u.Logs = append(u.Logs, domain.LogEntry{Timestamp: s.clock.Now(), Level: level, Message: msg})
	logger := s.logger.With("hot_update_id", u.ID, "status", u.Status)
	switch level {
	case "error":
		logger.Error(msg)
	case "warn":
		logger.Warn(msg)
	default:
		logger.Info(msg)
	}
}

func (s *Service) save(ctx context.Context, u *domain.HotUpdate) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.updates.UpdateHotUpdate(saveCtx, u); err != nil {
		s.logger.Warn("update hot update failed", "hot_update_id", u.ID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, u *domain.HotUpdate, kind domain.EventKind, msg string, recipients []string) {
	if recipients == nil && u.CreatedBy != "" {
		recipients = []string{u.CreatedBy}
	}
	event := domain.Event{
		Kind:          kind,
		Subject:       domain.SubjectHotUpdate,
		ID:            u.ID,
		EnvironmentID: u.EnvironmentID,
		Version:       u.PatchVersion,
		Status:        string(u.Status),
		Message:       msg,
		Recipients:    recipients,
		Timestamp:     s.clock.Now(),
	}
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, obs := range observers {
		obs.HandleEvent(context.WithoutCancel(ctx), event)
	}
}

func (s *Service) acquire(ctx context.Context, environmentID, owner string) error {
	if err := s.leases.Acquire(ctx, environmentID, owner, s.timeout+time.Minute); err != nil {
		if errors.Is(err, lease.ErrHeld) {
			s.metrics.LeaseConflict("hot_update")
			return fmt.Errorf("%w: environment %s", domain.ErrEnvironmentBusy, environmentID)
		}
		return fmt.Errorf("acquire environment lease: %w", err)
	}
	return nil
}

func (s *Service) release(environmentID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.leases.Release(ctx, environmentID, owner); err != nil {
		s.logger.Warn("failed to release environment lease", "environment_id", environmentID, "owner", owner, "error", err)
	}
}
