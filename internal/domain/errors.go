package domain

import "errors"

// Error taxonomy shared by the orchestration services. Callers match with
// errors.Is; concrete errors wrap these with detail.
var (
	ErrValidation        = errors.New("validation failed")
	ErrDependency        = errors.New("migration dependency not satisfied")
	ErrCyclicDependency  = errors.New("cyclic migration dependency")
	ErrApprovalRequired  = errors.New("approval required")
	ErrHealthCheckFailed = errors.New("health check failed")
	ErrTestGateFailed    = errors.New("test gate failed")
	ErrRollbackFailed    = errors.New("rollback failed")
	ErrNoRollbackPoint   = errors.New("no rollback point available")
	ErrEnvironmentBusy   = errors.New("environment busy")
	ErrInvalidState      = errors.New("invalid state")
)
