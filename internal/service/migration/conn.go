package migration

import (
	"context"
	"time"
)

// QueryResult is what a storage connection hands back for a statement.
type QueryResult struct {
	Rows     []map[string]any
	RowCount int64
}

// Executor runs a single statement or script.
type Executor interface {
	Execute(ctx context.Context, query string, args ...any) (QueryResult, error)
}

// Conn is the transactional data store migrations run against.
type Conn interface {
	Executor
	// Transaction runs fn inside one transaction; a non-nil error rolls it back.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Executor) error) error
	Close()
}

// RunContext controls one RunMigrations batch.
type RunContext struct {
	// Environment "production" enables the destructive statement guard.
	Environment string
	DryRun      bool
	Force       bool
	ExecutedBy  string
}

// Failure names a migration that could not run and why.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarises a run or rollback batch.
type Result struct {
	Success  bool          `json:"success"`
	Executed []string      `json:"executed"`
	Failed   []Failure     `json:"failed"`
	Skipped  []string      `json:"skipped,omitempty"`
	Planned  []string      `json:"planned,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r *Result) fail(id string, err error) {
	r.Failed = append(r.Failed, Failure{ID: id, Error: err.Error()})
}
