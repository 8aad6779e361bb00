package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/releasectl/internal/domain"
)

const environmentColumns = `id, name, environment_type, status, current_version, target_version, health_status,
	last_health_check, twin_id, active, health_checks, created_at, updated_at`

// CreateEnvironment inserts a new environment record.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	if env == nil {
		return fmt.Errorf("environment required")
	}
	const query = `INSERT INTO deployment_environments (id, name, environment_type, status, current_version,
			target_version, health_status, last_health_check, twin_id, active, health_checks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		env.ID,
		env.Name,
		string(env.Type),
		string(env.Status),
		env.CurrentVersion,
		env.TargetVersion,
		string(healthOrUnknown(env.HealthStatus)),
		timePtrToNil(env.LastHealthCheck),
		env.TwinID,
		env.Active,
		mustJSON(nonNilChecks(env.HealthChecks)),
	).Scan(&env.CreatedAt, &env.UpdatedAt)
	return mapError(err)
}

// GetEnvironment fetches an environment.
func (r *Repository) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM deployment_environments WHERE id = $1`
	env, err := scanEnvironment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return env, nil
}

// UpdateEnvironment mutates environment state.
func (r *Repository) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	if env == nil {
		return fmt.Errorf("environment required")
	}
	const query = `UPDATE deployment_environments
		SET name = $2,
			environment_type = $3,
			status = $4,
			current_version = $5,
			target_version = $6,
			health_status = $7,
			last_health_check = $8,
			twin_id = $9,
			active = $10,
			health_checks = $11,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	err := r.pool.QueryRow(ctx, query,
		env.ID,
		env.Name,
		string(env.Type),
		string(env.Status),
		env.CurrentVersion,
		env.TargetVersion,
		string(healthOrUnknown(env.HealthStatus)),
		timePtrToNil(env.LastHealthCheck),
		env.TwinID,
		env.Active,
		mustJSON(nonNilChecks(env.HealthChecks)),
	).Scan(&env.UpdatedAt)
	return mapError(err)
}

// ListEnvironments returns all environments ordered by id.
func (r *Repository) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM deployment_environments ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	envs := make([]domain.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// AppendHealthCheck inserts into health_check_history.
func (r *Repository) AppendHealthCheck(ctx context.Context, record *domain.HealthCheckRecord) error {
	if record == nil {
		return fmt.Errorf("health check record required")
	}
	const query = `INSERT INTO health_check_history (id, environment_id, status, results, checked_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.EnvironmentID,
		string(record.Status),
		mustJSON(record.Results),
		nilTime(record.CheckedAt),
	)
	return mapError(err)
}

// ListHealthChecks returns the newest records first.
func (r *Repository) ListHealthChecks(ctx context.Context, environmentID string, limit int) ([]domain.HealthCheckRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, environment_id, status, results, checked_at
		FROM health_check_history
		WHERE environment_id = $1
		ORDER BY checked_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, environmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.HealthCheckRecord, 0)
	for rows.Next() {
		var (
			rec     domain.HealthCheckRecord
			status  string
			results []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EnvironmentID, &status, &results, &rec.CheckedAt); err != nil {
			return nil, err
		}
		rec.Status = domain.HealthStatus(status)
		if err := json.Unmarshal(results, &rec.Results); err != nil {
			return nil, fmt.Errorf("decode health results: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var (
		env                     domain.Environment
		envType, status, health string
		checks                  []byte
	)
	if err := row.Scan(&env.ID, &env.Name, &envType, &status, &env.CurrentVersion, &env.TargetVersion, &health,
		&env.LastHealthCheck, &env.TwinID, &env.Active, &checks, &env.CreatedAt, &env.UpdatedAt); err != nil {
		return nil, err
	}
	env.Type = domain.EnvironmentType(envType)
	env.Status = domain.EnvironmentStatus(status)
	env.HealthStatus = domain.HealthStatus(health)
	if err := json.Unmarshal(checks, &env.HealthChecks); err != nil {
		return nil, fmt.Errorf("decode health checks: %w", err)
	}
	return &env, nil
}

func healthOrUnknown(h domain.HealthStatus) domain.HealthStatus {
	if h == "" {
		return domain.HealthUnknown
	}
	return h
}

func nonNilChecks(in []domain.VerificationCheck) []domain.VerificationCheck {
	if in == nil {
		return []domain.VerificationCheck{}
	}
	return in
}
