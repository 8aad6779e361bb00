package domain

import "time"

// RollbackPointStatus moves available → used | expired.
type RollbackPointStatus string

const (
	RollbackAvailable RollbackPointStatus = "available"
	RollbackUsed      RollbackPointStatus = "used"
	RollbackExpired   RollbackPointStatus = "expired"
)

// RollbackPointType records why a point was captured.
type RollbackPointType string

const (
	RollbackPointDeployment RollbackPointType = "deployment"
	RollbackPointHotUpdate  RollbackPointType = "hot_update"
	RollbackPointManual     RollbackPointType = "manual"
)

// Rollback command actions, executed in this order.
const (
	ActionRestoreDatabase      = "restore_database"
	ActionRestoreConfiguration = "restore_configuration"
	ActionRestoreArtifacts     = "restore_artifacts"
	ActionApplyManifest        = "apply_manifest"
	ActionRedeployInstances    = "redeploy_instances"
)

// RollbackData holds opaque snapshot handles produced by the storage backend.
type RollbackData struct {
	DatabaseBackup      string `json:"database_backup"`
	ConfigurationBackup string `json:"configuration_backup"`
	ArtifactsBackup     string `json:"artifacts_backup"`
	DeploymentManifest  string `json:"deployment_manifest"`
}

// RollbackCommand is one ordered restoration step.
type RollbackCommand struct {
	Order  int    `json:"order"`
	Action string `json:"action"`
	Handle string `json:"handle,omitempty"`
	Target string `json:"target,omitempty"`
}

// RollbackPoint is a captured point-in-time recovery snapshot.
type RollbackPoint struct {
	ID                 string              `json:"id"`
	Version            string              `json:"version"`
	EnvironmentID      string              `json:"environment_id"`
	Timestamp          time.Time           `json:"timestamp"`
	Description        string              `json:"description"`
	Type               RollbackPointType   `json:"type"`
	Status             RollbackPointStatus `json:"status"`
	Data               RollbackData        `json:"data"`
	RollbackCommands   []RollbackCommand   `json:"rollback_commands"`
	VerificationChecks []VerificationCheck `json:"verification_checks"`
	CreatedBy          string              `json:"created_by,omitempty"`
	Attempts           int                 `json:"attempts"`
	LastError          string              `json:"last_error,omitempty"`
	UsedAt             *time.Time          `json:"used_at,omitempty"`
}
