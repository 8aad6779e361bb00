package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/releasectl/internal/domain"
)

// CreateHotUpdate inserts a hot update document.
func (r *Repository) CreateHotUpdate(ctx context.Context, u *domain.HotUpdate) error {
	if u == nil {
		return fmt.Errorf("hot update required")
	}
	const query = `INSERT INTO hot_updates (id, environment_id, version, patch_version, priority, status, document,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`
	_, err := r.pool.Exec(ctx, query,
		u.ID,
		u.EnvironmentID,
		u.Version,
		u.PatchVersion,
		string(u.Priority),
		string(u.Status),
		mustJSON(u),
		nilTime(u.CreatedAt),
	)
	return mapError(err)
}

// UpdateHotUpdate rewrites a hot update, approvals and rollout history included.
func (r *Repository) UpdateHotUpdate(ctx context.Context, u *domain.HotUpdate) error {
	if u == nil {
		return fmt.Errorf("hot update required")
	}
	const query = `UPDATE hot_updates
		SET status = $2,
			document = $3,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, u.ID, string(u.Status), mustJSON(u))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// GetHotUpdate fetches a hot update.
func (r *Repository) GetHotUpdate(ctx context.Context, id string) (*domain.HotUpdate, error) {
	const query = `SELECT document FROM hot_updates WHERE id = $1`
	var raw []byte
	if err := r.pool.QueryRow(ctx, query, id).Scan(&raw); err != nil {
		return nil, mapError(err)
	}
	var u domain.HotUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode hot update: %w", err)
	}
	return &u, nil
}

// ListHotUpdates returns newest first; an empty environmentID lists all.
func (r *Repository) ListHotUpdates(ctx context.Context, environmentID string, limit int) ([]domain.HotUpdate, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT document FROM hot_updates
		WHERE ($1 = '' OR environment_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, environmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := make([]domain.HotUpdate, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var u domain.HotUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode hot update: %w", err)
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// RecordMetric appends to versioning_metrics.
func (r *Repository) RecordMetric(ctx context.Context, m domain.VersioningMetric) error {
	const query = `INSERT INTO versioning_metrics (name, value, environment_id, version, labels, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	labels := m.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	_, err := r.pool.Exec(ctx, query, m.Name, m.Value, m.EnvironmentID, m.Version, mustJSON(labels), nilTime(m.RecordedAt))
	return mapError(err)
}
