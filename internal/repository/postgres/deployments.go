package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/releasectl/internal/domain"
)

// CreateDeployment inserts a deployment run. The full record is kept as a
// JSON document next to the columns used for filtering.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `INSERT INTO agent_deployments (id, environment_id, version, strategy, status, progress,
			start_time, end_time, rollback_point_id, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`
	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.EnvironmentID,
		d.Version,
		string(d.Strategy),
		string(d.Status),
		d.Progress,
		nilTime(d.StartTime),
		timePtrToNil(d.EndTime),
		d.RollbackPointID,
		mustJSON(d),
	)
	return mapError(err)
}

// UpdateDeployment rewrites a deployment's state.
func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `UPDATE agent_deployments
		SET status = $2,
			progress = $3,
			end_time = $4,
			rollback_point_id = $5,
			document = $6,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		d.ID,
		string(d.Status),
		d.Progress,
		timePtrToNil(d.EndTime),
		d.RollbackPointID,
		mustJSON(d),
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// GetDeployment fetches a deployment.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT document FROM agent_deployments WHERE id = $1`
	var raw []byte
	if err := r.pool.QueryRow(ctx, query, id).Scan(&raw); err != nil {
		return nil, mapError(err)
	}
	var d domain.Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode deployment: %w", err)
	}
	return &d, nil
}

// ListDeployments returns newest first; an empty environmentID lists all.
func (r *Repository) ListDeployments(ctx context.Context, environmentID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT document FROM agent_deployments
		WHERE ($1 = '' OR environment_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, environmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d domain.Deployment
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}
