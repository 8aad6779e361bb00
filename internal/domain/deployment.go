package domain

import "time"

// DeploymentStatus moves pending → running → completed | failed, and
// failed → rolling_back → rolled_back when rollback on failure is set.
type DeploymentStatus string

const (
	DeploymentPending     DeploymentStatus = "pending"
	DeploymentRunning     DeploymentStatus = "running"
	DeploymentCompleted   DeploymentStatus = "completed"
	DeploymentFailed      DeploymentStatus = "failed"
	DeploymentRollingBack DeploymentStatus = "rolling_back"
	DeploymentRolledBack  DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further automatic transitions happen.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentCompleted, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

// StrategyKind is the closed set of deployment strategies.
type StrategyKind string

const (
	StrategyBlueGreen StrategyKind = "blue_green"
	StrategyRolling   StrategyKind = "rolling"
	StrategyCanary    StrategyKind = "canary"
	StrategyAllAtOnce StrategyKind = "all_at_once"
)

// StrategyParams tunes a strategy; zero values fall back to defaults.
type StrategyParams struct {
	BatchSize     int           `json:"batch_size,omitempty"`
	CanarySteps   []int         `json:"canary_steps,omitempty"`
	MonitorWindow time.Duration `json:"monitor_window,omitempty"`
	StepPause     time.Duration `json:"step_pause,omitempty"`
}

// LogEntry is one chronological log line attached to a run.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// DeploymentMetrics summarises a run.
type DeploymentMetrics struct {
	Artifact           string        `json:"artifact,omitempty"`
	InstancesTotal     int           `json:"instances_total"`
	InstancesUpdated   int           `json:"instances_updated"`
	HealthChecksPassed int           `json:"health_checks_passed"`
	HealthChecksFailed int           `json:"health_checks_failed"`
	MigrationsExecuted int           `json:"migrations_executed"`
	Duration           time.Duration `json:"duration,omitempty"`
}

// Deployment is one orchestration run against an environment.
type Deployment struct {
	ID                  string            `json:"id"`
	Version             string            `json:"version"`
	EnvironmentID       string            `json:"environment_id"`
	TargetEnvironmentID string            `json:"target_environment_id,omitempty"`
	Strategy            StrategyKind      `json:"strategy"`
	Params              StrategyParams    `json:"params"`
	Status              DeploymentStatus  `json:"status"`
	StartTime           time.Time         `json:"start_time"`
	EndTime             *time.Time        `json:"end_time,omitempty"`
	Progress            float64           `json:"progress"`
	CurrentStep         int               `json:"current_step"`
	TotalSteps          int               `json:"total_steps"`
	StepName            string            `json:"step_name,omitempty"`
	Logs                []LogEntry        `json:"logs"`
	Metrics             DeploymentMetrics `json:"metrics"`
	RollbackPointID     string            `json:"rollback_point_id,omitempty"`
	RollbackOnFailure   bool              `json:"rollback_on_failure"`
	Error               string            `json:"error,omitempty"`
	InitiatedBy         string            `json:"initiated_by,omitempty"`
	ApprovedBy          string            `json:"approved_by,omitempty"`
}
