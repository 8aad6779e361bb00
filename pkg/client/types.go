package client

import (
	"encoding/json"
	"time"
)

// Version is a registered release version.
type Version struct {
	Version         string            `json:"version"`
	Changelog       []string          `json:"changelog"`
	BreakingChanges bool              `json:"breaking_changes"`
	CommitHash      string            `json:"commit_hash,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	Author          string            `json:"author,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// CreateVersionInput requests a version bump.
type CreateVersionInput struct {
	Increment       string            `json:"increment"`
	PrereleaseTag   string            `json:"prerelease_tag,omitempty"`
	Build           string            `json:"build,omitempty"`
	Changelog       []string          `json:"changelog"`
	BreakingChanges bool              `json:"breaking_changes"`
	CommitHash      string            `json:"commit_hash,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	CompatibleWith  []string          `json:"compatible_with,omitempty"`
}

// StrategyParams tunes a deployment strategy.
type StrategyParams struct {
	BatchSize   int   `json:"batch_size,omitempty"`
	CanarySteps []int `json:"canary_steps,omitempty"`
}

// DeploymentRequest starts a deployment.
type DeploymentRequest struct {
	Version           string         `json:"version"`
	EnvironmentID     string         `json:"environment_id"`
	Strategy          string         `json:"strategy"`
	Params            StrategyParams `json:"params"`
	RunMigrations     bool           `json:"run_migrations"`
	RollbackOnFailure bool           `json:"rollback_on_failure"`
	RequireApproval   bool           `json:"require_approval"`
	ApprovedBy        string         `json:"approved_by,omitempty"`
}

// Deployment is the status of one deployment run.
type Deployment struct {
	ID              string          `json:"id"`
	Version         string          `json:"version"`
	EnvironmentID   string          `json:"environment_id"`
	Strategy        string          `json:"strategy"`
	Status          string          `json:"status"`
	Progress        float64         `json:"progress"`
	RollbackPointID string          `json:"rollback_point_id,omitempty"`
	Error           string          `json:"error,omitempty"`
	Logs            json.RawMessage `json:"logs,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
}

// RollbackPoint is a captured restore target.
type RollbackPoint struct {
	ID            string    `json:"id"`
	Version       string    `json:"version"`
	EnvironmentID string    `json:"environment_id"`
	Description   string    `json:"description"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HotUpdateRequest creates a hot update. Field tags also serve YAML
// definition files.
type HotUpdateRequest struct {
	Version           string        `json:"version" yaml:"version"`
	PatchVersion      string        `json:"patch_version" yaml:"patch_version"`
	Type              string        `json:"type,omitempty" yaml:"type"`
	Priority          string        `json:"priority,omitempty" yaml:"priority"`
	Critical          bool          `json:"critical" yaml:"critical"`
	Description       string        `json:"description,omitempty" yaml:"description"`
	EnvironmentID     string        `json:"environment_id" yaml:"environment_id"`
	TargetVersions    []string      `json:"target_versions" yaml:"target_versions"`
	RolloutStrategy   string        `json:"rollout_strategy,omitempty" yaml:"rollout_strategy"`
	RolloutSteps      int           `json:"rollout_steps,omitempty" yaml:"rollout_steps"`
	StepDelay         time.Duration `json:"step_delay,omitempty" yaml:"step_delay"`
	AutoRollback      bool          `json:"auto_rollback" yaml:"auto_rollback"`
	RollbackThreshold *float64      `json:"rollback_threshold,omitempty" yaml:"rollback_threshold"`
	Script            string        `json:"script" yaml:"script"`
	RollbackPlan      string        `json:"rollback_plan" yaml:"rollback_plan"`
	Schedule          *time.Time    `json:"schedule,omitempty" yaml:"schedule"`
}

// TestResult is one pre-rollout gate outcome.
type TestResult struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Score    int      `json:"score"`
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// HotUpdate is the state of a hot update.
type HotUpdate struct {
	ID                string       `json:"id"`
	Version           string       `json:"version"`
	PatchVersion      string       `json:"patch_version"`
	EnvironmentID     string       `json:"environment_id"`
	Status            string       `json:"status"`
	RolloutStrategy   string       `json:"rollout_strategy"`
	RolloutPercentage int          `json:"rollout_percentage"`
	TestResults       []TestResult `json:"test_results,omitempty"`
	Error             string       `json:"error,omitempty"`
	RollbackPointID   string       `json:"rollback_point_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// TestReport is the response of a hot update test run.
type TestReport struct {
	Passed  bool         `json:"passed"`
	Results []TestResult `json:"results"`
	Error   string       `json:"error,omitempty"`
}

// MigrationResult summarises a migration batch.
type MigrationResult struct {
	Success  bool     `json:"success"`
	Executed []string `json:"executed"`
	Failed   []struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	} `json:"failed"`
	Planned  []string `json:"planned,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
