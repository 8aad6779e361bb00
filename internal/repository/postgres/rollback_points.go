package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/releasectl/internal/domain"
)

const rollbackColumns = `id, environment_id, version, point_type, status, description, data, rollback_commands,
	verification_checks, created_by, attempts, last_error, used_at, created_at`

// CreateRollbackPoint inserts a rollback point.
func (r *Repository) CreateRollbackPoint(ctx context.Context, p *domain.RollbackPoint) error {
	if p == nil {
		return fmt.Errorf("rollback point required")
	}
	const query = `INSERT INTO rollback_points (` + rollbackColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query,
		p.ID,
		p.EnvironmentID,
		p.Version,
		string(p.Type),
		string(p.Status),
		p.Description,
		mustJSON(p.Data),
		mustJSON(p.RollbackCommands),
		mustJSON(nonNilChecks(p.VerificationChecks)),
		p.CreatedBy,
		p.Attempts,
		p.LastError,
		timePtrToNil(p.UsedAt),
		nilTime(p.Timestamp),
	)
	return mapError(err)
}

// GetRollbackPoint fetches a rollback point.
func (r *Repository) GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_points WHERE id = $1`
	p, err := scanRollbackPoint(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// UpdateRollbackPoint persists status, attempt and error bookkeeping.
func (r *Repository) UpdateRollbackPoint(ctx context.Context, p *domain.RollbackPoint) error {
	if p == nil {
		return fmt.Errorf("rollback point required")
	}
	const query = `UPDATE rollback_points
		SET status = $2,
			attempts = $3,
			last_error = $4,
			used_at = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, p.ID, string(p.Status), p.Attempts, p.LastError, timePtrToNil(p.UsedAt))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// ListRollbackPoints returns an environment's points, newest first.
func (r *Repository) ListRollbackPoints(ctx context.Context, environmentID string) ([]domain.RollbackPoint, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_points
		WHERE environment_id = $1
		ORDER BY created_at DESC`
	return r.queryRollbackPoints(ctx, query, environmentID)
}

// ListAvailableBefore returns available points captured before cutoff.
func (r *Repository) ListAvailableBefore(ctx context.Context, cutoff time.Time) ([]domain.RollbackPoint, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_points
		WHERE status = 'available' AND created_at < $1
		ORDER BY created_at DESC`
	return r.queryRollbackPoints(ctx, query, cutoff.UTC())
}

func (r *Repository) queryRollbackPoints(ctx context.Context, query string, args ...any) ([]domain.RollbackPoint, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]domain.RollbackPoint, 0)
	for rows.Next() {
		p, err := scanRollbackPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

func scanRollbackPoint(row pgx.Row) (*domain.RollbackPoint, error) {
	var (
		p                      domain.RollbackPoint
		pointType, status      string
		data, commands, checks []byte
	)
	if err := row.Scan(&p.ID, &p.EnvironmentID, &p.Version, &pointType, &status, &p.Description, &data, &commands,
		&checks, &p.CreatedBy, &p.Attempts, &p.LastError, &p.UsedAt, &p.Timestamp); err != nil {
		return nil, err
	}
	p.Type = domain.RollbackPointType(pointType)
	p.Status = domain.RollbackPointStatus(status)
	if err := json.Unmarshal(data, &p.Data); err != nil {
		return nil, fmt.Errorf("decode rollback data: %w", err)
	}
	if err := json.Unmarshal(commands, &p.RollbackCommands); err != nil {
		return nil, fmt.Errorf("decode rollback commands: %w", err)
	}
	if err := json.Unmarshal(checks, &p.VerificationChecks); err != nil {
		return nil, fmt.Errorf("decode verification checks: %w", err)
	}
	return &p, nil
}
