package domain

import "time"

// MigrationDirection marks whether a script moves the schema forward or back.
type MigrationDirection string

const (
	DirectionUp   MigrationDirection = "up"
	DirectionDown MigrationDirection = "down"
)

// MigrationStatus tracks a migration through pending → running → completed | failed,
// with completed → rolled_back on explicit rollback.
type MigrationStatus string

const (
	MigrationPending    MigrationStatus = "pending"
	MigrationRunning    MigrationStatus = "running"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationRolledBack MigrationStatus = "rolled_back"
)

// Migration is an ordered, dependency-gated schema change.
type Migration struct {
	ID             string             `json:"id" yaml:"id"`
	Version        string             `json:"version" yaml:"version"`
	Description    string             `json:"description,omitempty" yaml:"description"`
	Direction      MigrationDirection `json:"direction" yaml:"direction"`
	Script         string             `json:"script" yaml:"script"`
	RollbackScript string             `json:"rollback_script,omitempty" yaml:"rollback_script"`
	Dependencies   []string           `json:"dependencies,omitempty" yaml:"dependencies"`
	Checksum       string             `json:"checksum" yaml:"-"`
	Status         MigrationStatus    `json:"status" yaml:"-"`
	ExecutedAt     *time.Time         `json:"executed_at,omitempty" yaml:"-"`
	ExecutionTime  time.Duration      `json:"execution_time,omitempty" yaml:"-"`
	Error          string             `json:"error,omitempty" yaml:"-"`
}

// MigrationRecord is a row of the schema_migrations ledger.
type MigrationRecord struct {
	ID            string
	Version       string
	Checksum      string
	ExecutedAt    time.Time
	ExecutionTime time.Duration
	ExecutedBy    string
}

// SchemaDiff compares a live schema with an expected shape.
type SchemaDiff struct {
	Valid    bool     `json:"valid"`
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}
