package domain

import "time"

// HotUpdateStatus moves draft → pending_approval → approved|scheduled → testing →
// rolling → completed | failed | rolled_back | cancelled.
type HotUpdateStatus string

const (
	HotUpdateDraft           HotUpdateStatus = "draft"
	HotUpdatePendingApproval HotUpdateStatus = "pending_approval"
	HotUpdateApproved        HotUpdateStatus = "approved"
	HotUpdateScheduled       HotUpdateStatus = "scheduled"
	HotUpdateTesting         HotUpdateStatus = "testing"
	HotUpdateRolling         HotUpdateStatus = "rolling"
	HotUpdateCompleted       HotUpdateStatus = "completed"
	HotUpdateFailed          HotUpdateStatus = "failed"
	HotUpdateRolledBack      HotUpdateStatus = "rolled_back"
	HotUpdateCancelled       HotUpdateStatus = "cancelled"
)

// HotUpdateType classifies the patch content.
type HotUpdateType string

const (
	HotUpdateBugfix      HotUpdateType = "bugfix"
	HotUpdateSecurity    HotUpdateType = "security"
	HotUpdatePerformance HotUpdateType = "performance"
	HotUpdateFeature     HotUpdateType = "feature"
	HotUpdateConfig      HotUpdateType = "config"
)

// Priority of a hot update; drives the approval quorum.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RolloutStrategy is the closed set of hot-update rollout algorithms.
type RolloutStrategy string

const (
	RolloutImmediate RolloutStrategy = "immediate"
	RolloutGradual   RolloutStrategy = "gradual"
	RolloutCanary    RolloutStrategy = "canary"
	RolloutStaged    RolloutStrategy = "staged"
)

// Rollout step states.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// RolloutStep is one entry of a hot update's rollout history.
type RolloutStep struct {
	Step        int                `json:"step"`
	Label       string             `json:"label,omitempty"`
	Percentage  int                `json:"percentage"`
	Instances   []string           `json:"instances"`
	Status      string             `json:"status"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Approval is an append-only sign-off record.
type Approval struct {
	HotUpdateID string    `json:"hot_update_id"`
	Approver    string    `json:"approver"`
	Role        string    `json:"role,omitempty"`
	Approved    bool      `json:"approved"`
	Timestamp   time.Time `json:"timestamp"`
	Conditions  []string  `json:"conditions,omitempty"`
}

// TestResult is the outcome of one pre-rollout test gate.
type TestResult struct {
	Name     string         `json:"name"`
	Status   CheckStatus    `json:"status"`
	Score    int            `json:"score"`
	Issues   []string       `json:"issues,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// HotUpdate is an approval-gated, tested patch applied to running instances.
type HotUpdate struct {
	ID                 string              `json:"id"`
	Version            string              `json:"version"`
	PatchVersion       string              `json:"patch_version"`
	Type               HotUpdateType       `json:"type"`
	Priority           Priority            `json:"priority"`
	Critical           bool                `json:"critical"`
	Description        string              `json:"description,omitempty"`
	EnvironmentID      string              `json:"environment_id"`
	TargetVersions     []string            `json:"target_versions"`
	RolloutStrategy    RolloutStrategy     `json:"rollout_strategy"`
	RolloutPercentage  int                 `json:"rollout_percentage"`
	RolloutSteps       int                 `json:"rollout_steps"`
	StepDelay          time.Duration       `json:"step_delay"`
	AutoRollback       bool                `json:"auto_rollback"`
	RollbackThreshold  float64             `json:"rollback_threshold"`
	Script             string              `json:"script"`
	VerificationChecks []VerificationCheck `json:"verification_checks"`
	RollbackPlan       string              `json:"rollback_plan"`
	Schedule           *time.Time          `json:"schedule,omitempty"`
	Status             HotUpdateStatus     `json:"status"`
	RolloutHistory     []RolloutStep       `json:"rollout_history"`
	Approvals          []Approval          `json:"approvals"`
	TestResults        []TestResult        `json:"test_results,omitempty"`
	Logs               []LogEntry          `json:"logs"`
	Error              string              `json:"error,omitempty"`
	RollbackPointID    string              `json:"rollback_point_id,omitempty"`
	CreatedBy          string              `json:"created_by,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
}

// RequiredApprovals returns the approval quorum: critical 3, high 2, otherwise 1.
func RequiredApprovals(priority Priority, critical bool) int {
	switch {
	case critical || priority == PriorityCritical:
		return 3
	case priority == PriorityHigh:
		return 2
	default:
		return 1
	}
}

// ApprovalCount counts distinct approvers whose latest decision is affirmative.
func (u HotUpdate) ApprovalCount() int {
	latest := make(map[string]bool, len(u.Approvals))
	for _, a := range u.Approvals {
		latest[a.Approver] = a.Approved
	}
	count := 0
	for _, ok := range latest {
		if ok {
			count++
		}
	}
	return count
}

// IsCritical reports whether the update is flagged critical or has critical priority.
func (u HotUpdate) IsCritical() bool {
	return u.Critical || u.Priority == PriorityCritical
}
