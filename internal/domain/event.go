package domain

import "time"

// EventKind is the notification allow-list key.
type EventKind string

const (
	EventStarted           EventKind = "started"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventRolledBack        EventKind = "rolled_back"
	EventApprovalRequested EventKind = "approval_requested"
)

// Event subjects.
const (
	SubjectDeployment = "deployment"
	SubjectHotUpdate  = "hot_update"
	SubjectRollback   = "rollback"
)

// Event is broadcast to observers when an orchestration run changes state.
type Event struct {
	Kind          EventKind `json:"kind"`
	Subject       string    `json:"subject"`
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environment_id"`
	Version       string    `json:"version,omitempty"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	Recipients    []string  `json:"recipients,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// VersioningMetric is one row of versioning_metrics.
type VersioningMetric struct {
	Name          string            `json:"name"`
	Value         float64           `json:"value"`
	EnvironmentID string            `json:"environment_id,omitempty"`
	Version       string            `json:"version,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	RecordedAt    time.Time         `json:"recorded_at"`
}
