// Package migrate applies the controller's own audit schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const runTimeout = time.Minute

// Status describes one schema migration file.
type Status struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Runner wraps goose over a database handle.
type Runner struct {
	db       *sql.DB
	provider *goose.Provider
	log      *slog.Logger
	owned    bool
}

// Open connects to dsn and prepares a runner. dir overrides the embedded
// migrations when non-empty.
func Open(ctx context.Context, dsn, dir string, embedded fs.FS, log *slog.Logger) (*Runner, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	fsys := embedded
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("locate migrations dir: %w", err)
		}
		fsys = os.DirFS(dir)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	r, err := New(db, fsys, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// New returns a runner over an existing handle. fsys must hold the SQL files
// either at its root or under migrations/.
func New(db *sql.DB, fsys fs.FS, log *slog.Logger) (*Runner, error) {
	if db == nil {
		return nil, errors.New("nil database provided")
	}
	if fsys == nil {
		return nil, errors.New("nil migrations filesystem")
	}
	if log == nil {
		log = slog.Default()
	}
	if sub, err := fs.Sub(fsys, "migrations"); err == nil {
		if matches, _ := fs.Glob(sub, "*.sql"); len(matches) > 0 {
			fsys = sub
		}
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{db: db, provider: provider, log: log.With("component", "schema")}, nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	r.log.Info("applying schema migrations")
	results, err := r.provider.Up(runCtx)
	for _, res := range results {
		r.log.Info("schema migration applied", "version", res.Source.Version, "path", res.Source.Path, "duration_ms", res.Duration.Milliseconds())
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("schema up to date", "applied", len(results))
	return nil
}

// Down rolls back the latest migration, or every migration above target when
// target is positive.
func (r *Runner) Down(ctx context.Context, target int64) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if target > 0 {
		r.log.Info("rolling back schema", "target", target)
		if _, err := r.provider.DownTo(runCtx, target); err != nil {
			return fmt.Errorf("rollback to version %d: %w", target, err)
		}
		return nil
	}
	r.log.Info("rolling back latest schema migration")
	res, err := r.provider.Down(runCtx)
	if err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	r.log.Info("schema migration rolled back", "version", res.Source.Version)
	return nil
}

// Status reports applied and pending migrations.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]Status, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, Status{
			Version:   s.Source.Version,
			Path:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}

// Close releases the provider and, when Open created it, the database handle.
func (r *Runner) Close() error {
	err := r.provider.Close()
	if r.owned {
		if cerr := r.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
