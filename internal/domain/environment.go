package domain

import "time"

// EnvironmentType classifies a deployment target.
type EnvironmentType string

const (
	EnvironmentDev     EnvironmentType = "dev"
	EnvironmentStaging EnvironmentType = "staging"
	EnvironmentBlue    EnvironmentType = "blue"
	EnvironmentGreen   EnvironmentType = "green"
	EnvironmentProd    EnvironmentType = "prod"
)

// EnvironmentStatus is the lifecycle state of an environment.
type EnvironmentStatus string

const (
	EnvironmentActive      EnvironmentStatus = "active"
	EnvironmentIdle        EnvironmentStatus = "idle"
	EnvironmentDeploying   EnvironmentStatus = "deploying"
	EnvironmentRollingBack EnvironmentStatus = "rolling_back"
	EnvironmentMaintenance EnvironmentStatus = "maintenance"
)

// HealthStatus is the last observed health of an environment.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Environment is a deployment target. Blue-green pairs reference each other via TwinID.
type Environment struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Type            EnvironmentType     `json:"type"`
	Status          EnvironmentStatus   `json:"status"`
	CurrentVersion  string              `json:"current_version"`
	TargetVersion   string              `json:"target_version,omitempty"`
	HealthStatus    HealthStatus        `json:"health_status"`
	LastHealthCheck *time.Time          `json:"last_health_check,omitempty"`
	TwinID          string              `json:"twin_id,omitempty"`
	Active          bool                `json:"active"`
	HealthChecks    []VerificationCheck `json:"health_checks,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsProduction reports whether deployments here require sign-off.
func (e Environment) IsProduction() bool {
	return e.Type == EnvironmentProd
}

// MigrationContext names the context string the migration guard keys on.
func (e Environment) MigrationContext() string {
	if e.IsProduction() {
		return "production"
	}
	return string(e.Type)
}
