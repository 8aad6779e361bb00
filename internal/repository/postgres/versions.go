package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/semver"
)

const versionColumns = `version, major, minor, patch, prerelease, build, commit_hash, branch, author,
	changelog, breaking_changes, dependencies, compatibility_matrix, created_at`

// CreateVersion inserts a row into version_history.
func (r *Repository) CreateVersion(ctx context.Context, v *domain.VersionMetadata) error {
	if v == nil {
		return fmt.Errorf("version required")
	}
	const query = `INSERT INTO version_history (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	sv := v.SemanticVersion
	_, err := r.pool.Exec(ctx, query,
		v.Version,
		int64(sv.Major),
		int64(sv.Minor),
		int64(sv.Patch),
		sv.Prerelease,
		sv.Build,
		v.CommitHash,
		v.Branch,
		v.Author,
		mustJSON(nonNilStrings(v.Changelog)),
		v.BreakingChanges,
		mustJSON(v.Dependencies),
		mustJSON(v.CompatibilityMatrix),
		nilTime(v.CreatedAt),
	)
	return mapError(err)
}

// GetVersion fetches a version by its string form.
func (r *Repository) GetVersion(ctx context.Context, version string) (*domain.VersionMetadata, error) {
	query := `SELECT ` + versionColumns + ` FROM version_history WHERE version = $1`
	v, err := scanVersion(r.pool.QueryRow(ctx, query, version))
	if err != nil {
		return nil, mapError(err)
	}
	return v, nil
}

// ListVersions returns versions in semantic order.
func (r *Repository) ListVersions(ctx context.Context) ([]domain.VersionMetadata, error) {
	query := `SELECT ` + versionColumns + ` FROM version_history
		ORDER BY major, minor, patch, (prerelease = ''), prerelease`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]domain.VersionMetadata, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func scanVersion(row pgx.Row) (*domain.VersionMetadata, error) {
	var (
		v                          domain.VersionMetadata
		major, minor, patch        int64
		prerelease, build          string
		changelog, deps, matrixRaw []byte
	)
	if err := row.Scan(&v.Version, &major, &minor, &patch, &prerelease, &build, &v.CommitHash, &v.Branch, &v.Author,
		&changelog, &v.BreakingChanges, &deps, &matrixRaw, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.SemanticVersion = semver.Version{
		Major:      uint64(major),
		Minor:      uint64(minor),
		Patch:      uint64(patch),
		Prerelease: prerelease,
		Build:      build,
	}
	if err := json.Unmarshal(changelog, &v.Changelog); err != nil {
		return nil, fmt.Errorf("decode changelog: %w", err)
	}
	if err := json.Unmarshal(deps, &v.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal(matrixRaw, &v.CompatibilityMatrix); err != nil {
		return nil, fmt.Errorf("decode compatibility matrix: %w", err)
	}
	return &v, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
