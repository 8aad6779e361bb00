package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/releasectl/internal/service/migration"
)

// Conn is the migration engine's storage connection on a pgx pool.
type Conn struct {
	pool *pgxpool.Pool
}

var _ migration.Conn = (*Conn)(nil)

// NewConn wraps pool for the migration engine.
func NewConn(pool *pgxpool.Pool) *Conn {
	return &Conn{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Execute runs query. Row-returning statements are collected into column maps.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (migration.QueryResult, error) {
	return execute(ctx, c.pool, query, args...)
}

// Transaction runs fn in a single transaction, committing only if fn succeeds.
func (c *Conn) Transaction(ctx context.Context, fn func(ctx context.Context, tx migration.Executor) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, txExecutor{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the pool.
func (c *Conn) Close() {
	c.pool.Close()
}

type txExecutor struct {
	tx pgx.Tx
}

func (t txExecutor) Execute(ctx context.Context, query string, args ...any) (migration.QueryResult, error) {
	return execute(ctx, t.tx, query, args...)
}

func execute(ctx context.Context, q querier, query string, args ...any) (migration.QueryResult, error) {
	if !returnsRows(query) {
		tag, err := q.Exec(ctx, query, args...)
		if err != nil {
			return migration.QueryResult{}, err
		}
		return migration.QueryResult{RowCount: tag.RowsAffected()}, nil
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return migration.QueryResult{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := migration.QueryResult{Rows: make([]map[string]any, 0)}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return migration.QueryResult{}, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return migration.QueryResult{}, err
	}
	result.RowCount = int64(len(result.Rows))
	return result, nil
}

func returnsRows(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH") || strings.Contains(head, " RETURNING ")
}
