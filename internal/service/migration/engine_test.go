package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/releasectl/internal/domain"
)

type fakeConn struct {
	mu      sync.Mutex
	ledger  map[string][]any
	scripts []string
	columns []map[string]any
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{ledger: make(map[string][]any)}
}

func (c *fakeConn) Execute(_ context.Context, query string, args ...any) (QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.Contains(query, "INVALID"):
		return QueryResult{}, errors.New(`syntax error at or near "INVALID"`)
	case strings.HasPrefix(query, "CREATE TABLE IF NOT EXISTS schema_migrations"):
		return QueryResult{}, nil
	case strings.HasPrefix(query, "SELECT id, version"):
		rows := make([]map[string]any, 0, len(c.ledger))
		for _, args := range c.ledger {
			rows = append(rows, map[string]any{
				"id":                args[0],
				"version":           args[1],
				"checksum":          args[2],
				"executed_at":       args[3],
				"execution_time_ms": args[4],
				"executed_by":       args[5],
			})
		}
		return QueryResult{Rows: rows, RowCount: int64(len(rows))}, nil
	case strings.HasPrefix(query, "INSERT INTO schema_migrations"):
		c.ledger[args[0].(string)] = args
		return QueryResult{RowCount: 1}, nil
	case strings.HasPrefix(query, "DELETE FROM schema_migrations"):
		delete(c.ledger, args[0].(string))
		return QueryResult{RowCount: 1}, nil
	case strings.Contains(query, "information_schema.columns"):
		return QueryResult{Rows: c.columns, RowCount: int64(len(c.columns))}, nil
	}
	c.scripts = append(c.scripts, query)
	return QueryResult{RowCount: 1}, nil
}

func (c *fakeConn) Transaction(ctx context.Context, fn func(context.Context, Executor) error) error {
	return fn(ctx, c)
}

func (c *fakeConn) Close() { c.closed = true }

func (c *fakeConn) ran(script string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scripts {
		if s == script {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, conn *fakeConn) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	engine := New(conn, logger)
	if err := engine.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return engine
}

func mustAdd(t *testing.T, e *Engine, m domain.Migration) {
	t.Helper()
	if err := e.AddMigration(m); err != nil {
		t.Fatalf("add %s: %v", m.ID, err)
	}
}

func TestRunMigrationsInvalidSQLFailsBatch(t *testing.T) {
	engine := newTestEngine(t, newFakeConn())
	mustAdd(t, engine, domain.Migration{ID: "001_broken", Version: "1.0.0", Script: "INVALID SQL"})

	result, err := engine.RunMigrations(context.Background(), RunContext{Environment: "staging"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure")
	}
	if len(result.Failed) != 1 || len(result.Executed) != 0 {
		t.Fatalf("expected one failure and no executions, got %+v", result)
	}
	if got := engine.Migrations()[0].Status; got != domain.MigrationFailed {
		t.Fatalf("expected failed status, got %s", got)
	}
}

func TestRunMigrationsOrdersByVersionAndRecordsLedger(t *testing.T) {
	conn := newFakeConn()
	engine := newTestEngine(t, conn)
	mustAdd(t, engine, domain.Migration{ID: "b", Version: "1.2.0", Script: "ALTER TABLE users ADD COLUMN b INT", Dependencies: []string{"a"}})
	mustAdd(t, engine, domain.Migration{ID: "a", Version: "1.1.0", Script: "CREATE TABLE users (id INT)"})

	result, err := engine.RunMigrations(context.Background(), RunContext{ExecutedBy: "ops"})
	if err != nil || !result.Success {
		t.Fatalf("run: %v %+v", err, result)
	}
	if strings.Join(result.Executed, ",") != "a,b" {
		t.Fatalf("unexpected order %v", result.Executed)
	}
	if len(conn.ledger) != 2 {
		t.Fatalf("expected ledger rows, got %d", len(conn.ledger))
	}

	again, err := engine.RunMigrations(context.Background(), RunContext{})
	if err != nil || len(again.Executed) != 0 {
		t.Fatalf("expected nothing pending, got %+v %v", again, err)
	}
}

func TestRunMigrationsRunsHigherVersionDependencyFirst(t *testing.T) {
	engine := newTestEngine(t, newFakeConn())
	mustAdd(t, engine, domain.Migration{ID: "backfill", Version: "1.0.0", Script: "UPDATE users SET tier = 1", Dependencies: []string{"add-tier"}})
	mustAdd(t, engine, domain.Migration{ID: "add-tier", Version: "1.3.0", Script: "ALTER TABLE users ADD COLUMN tier INT"})
	mustAdd(t, engine, domain.Migration{ID: "index", Version: "1.1.0", Script: "CREATE INDEX users_tier ON users (tier)"})

	result, err := engine.RunMigrations(context.Background(), RunContext{})
	if err != nil || !result.Success {
		t.Fatalf("run: %v %+v", err, result)
	}
	if got := strings.Join(result.Executed, ","); got != "index,add-tier,backfill" {
		t.Fatalf("unexpected order %s", got)
	}
}

func TestRunMigrationsMissingDependencyHaltsUnlessForced(t *testing.T) {
	engine := newTestEngine(t, newFakeConn())
	mustAdd(t, engine, domain.Migration{ID: "needs-ghost", Version: "1.0.0", Script: "SELECT 1", Dependencies: []string{"ghost"}})
	mustAdd(t, engine, domain.Migration{ID: "later", Version: "1.1.0", Script: "SELECT 2"})

	result, _ := engine.RunMigrations(context.Background(), RunContext{})
	if result.Success || len(result.Executed) != 0 || len(result.Skipped) != 1 {
		t.Fatalf("expected halt after dependency failure, got %+v", result)
	}
	if !strings.Contains(result.Failed[0].Error, domain.ErrDependency.Error()) {
		t.Fatalf("expected dependency error, got %q", result.Failed[0].Error)
	}

	forced, _ := engine.RunMigrations(context.Background(), RunContext{Force: true})
	if len(forced.Executed) != 1 || forced.Executed[0] != "later" {
		t.Fatalf("expected forced run to continue past failure, got %+v", forced)
	}
	for _, m := range engine.Migrations() {
		if m.ID == "needs-ghost" && m.Status == domain.MigrationCompleted {
			t.Fatalf("migration with missing dependency must not complete")
		}
	}
}

func TestRunMigrationsDependenciesCompleteFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		engine := newTestEngine(t, newFakeConn())
		n := 3 + rng.Intn(8)
		deps := make(map[string][]string, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("m%02d", i)
			var ds []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					ds = append(ds, fmt.Sprintf("m%02d", j))
				}
			}
			deps[id] = ds
			mustAdd(t, engine, domain.Migration{
				ID:           id,
				Version:      fmt.Sprintf("1.%d.0", rng.Intn(4)),
				Script:       "SELECT " + id,
				Dependencies: ds,
			})
		}

		result, err := engine.RunMigrations(context.Background(), RunContext{Force: true})
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		position := make(map[string]int, len(result.Executed))
		for i, id := range result.Executed {
			position[id] = i
		}
		for id, i := range position {
			for _, dep := range deps[id] {
				j, ok := position[dep]
				if !ok || j >= i {
					t.Fatalf("round %d: %s completed before dependency %s", round, id, dep)
				}
			}
		}
	}
}

func TestRunMigrationsDetectsCycles(t *testing.T) {
	engine := newTestEngine(t, newFakeConn())
	mustAdd(t, engine, domain.Migration{ID: "a", Version: "1.0.0", Script: "SELECT 1", Dependencies: []string{"b"}})
	mustAdd(t, engine, domain.Migration{ID: "b", Version: "1.0.0", Script: "SELECT 2", Dependencies: []string{"a"}})

	_, err := engine.RunMigrations(context.Background(), RunContext{Force: true})
	if !errors.Is(err, domain.ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency error, got %v", err)
	}
}

func TestRunMigrationsProductionGuard(t *testing.T) {
	conn := newFakeConn()
	engine := newTestEngine(t, conn)
	mustAdd(t, engine, domain.Migration{ID: "wipe", Version: "1.0.0", Script: "DELETE FROM users"})

	result, _ := engine.RunMigrations(context.Background(), RunContext{Environment: ProductionContext})
	if result.Success || conn.ran("DELETE FROM users") {
		t.Fatalf("expected guard to reject bulk delete, got %+v", result)
	}

	result, _ = engine.RunMigrations(context.Background(), RunContext{Environment: ProductionContext, Force: true})
	if !result.Success || !conn.ran("DELETE FROM users") {
		t.Fatalf("expected forced run to execute, got %+v", result)
	}
}

func TestRunMigrationsDryRunPlansWithoutExecuting(t *testing.T) {
	conn := newFakeConn()
	engine := newTestEngine(t, conn)
	mustAdd(t, engine, domain.Migration{ID: "a", Version: "1.0.0", Script: "CREATE TABLE a (id INT)"})
	mustAdd(t, engine, domain.Migration{ID: "b", Version: "1.0.1", Script: "CREATE TABLE b (id INT)", Dependencies: []string{"a"}})
	mustAdd(t, engine, domain.Migration{ID: "c", Version: "1.0.2", Script: "TRUNCATE b"})

	result, _ := engine.RunMigrations(context.Background(), RunContext{DryRun: true, Environment: ProductionContext, Force: false})
	if strings.Join(result.Planned, ",") != "a,b" || len(result.Failed) != 1 {
		t.Fatalf("unexpected dry run %+v", result)
	}
	if len(conn.scripts) != 0 || len(conn.ledger) != 0 {
		t.Fatalf("dry run must not touch the store")
	}
}

func TestCheckScript(t *testing.T) {
	cases := []struct {
		script string
		reject bool
	}{
		{"DROP DATABASE app", true},
		{"DROP TABLE users", true},
		{"DROP TABLE IF EXISTS tmp_import", false},
		{"DROP TABLE temp_scratch, users", true},
		{"DROP TABLE tmp_rollback_points; SELECT 1", false},
		{"DROP TABLE public.schema_migrations", true},
		{"DELETE FROM users WHERE id = 1", false},
		{"delete from users", true},
		{"TRUNCATE events", true},
		{"CREATE INDEX users_email_idx ON users (email)", false},
	}
	for _, tc := range cases {
		err := CheckScript(tc.script, ProductionContext, false)
		if (err != nil) != tc.reject {
			t.Fatalf("CheckScript(%q) = %v, want reject=%v", tc.script, err, tc.reject)
		}
		if err := CheckScript(tc.script, "staging", false); err != nil {
			t.Fatalf("guard must be inactive outside production: %v", err)
		}
	}
}

func TestRollbackMigration(t *testing.T) {
	conn := newFakeConn()
	engine := newTestEngine(t, conn)
	mustAdd(t, engine, domain.Migration{ID: "a", Version: "1.0.0", Script: "CREATE TABLE a (id INT)", RollbackScript: "DROP TABLE a"})
	mustAdd(t, engine, domain.Migration{ID: "b", Version: "1.1.0", Script: "CREATE TABLE b (id INT)", RollbackScript: "DROP TABLE b", Dependencies: []string{"a"}})
	mustAdd(t, engine, domain.Migration{ID: "c", Version: "1.2.0", Script: "CREATE TABLE c (id INT)"})
	if _, err := engine.RunMigrations(context.Background(), RunContext{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := engine.RollbackMigration(context.Background(), "c", false); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected missing rollback script error, got %v", err)
	}
	if err := engine.RollbackMigration(context.Background(), "a", false); !errors.Is(err, domain.ErrDependency) {
		t.Fatalf("expected dependent error, got %v", err)
	}
	if err := engine.RollbackMigration(context.Background(), "b", false); err != nil {
		t.Fatalf("rollback b: %v", err)
	}
	if _, ok := conn.ledger["b"]; ok || !conn.ran("DROP TABLE b") {
		t.Fatalf("expected ledger row removed and rollback script run")
	}
	if err := engine.RollbackMigration(context.Background(), "b", false); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected not-executed error, got %v", err)
	}
}

func TestRollbackToVersionRunsNewestFirst(t *testing.T) {
	conn := newFakeConn()
	engine := newTestEngine(t, conn)
	mustAdd(t, engine, domain.Migration{ID: "a", Version: "1.0.0", Script: "CREATE TABLE a (id INT)", RollbackScript: "DROP TABLE a"})
	mustAdd(t, engine, domain.Migration{ID: "b", Version: "1.1.0", Script: "CREATE TABLE b (id INT)", RollbackScript: "DROP TABLE b"})
	mustAdd(t, engine, domain.Migration{ID: "c", Version: "1.2.0", Script: "CREATE TABLE c (id INT)", RollbackScript: "DROP TABLE c", Dependencies: []string{"b"}})
	if _, err := engine.RunMigrations(context.Background(), RunContext{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	result, err := engine.RollbackToVersion(context.Background(), "1.0.0", false)
	if err != nil || !result.Success {
		t.Fatalf("rollback: %v %+v", err, result)
	}
	if strings.Join(result.Executed, ",") != "c,b" {
		t.Fatalf("expected reverse execution order, got %v", result.Executed)
	}
	if _, ok := conn.ledger["a"]; !ok {
		t.Fatalf("migration at target version must stay executed")
	}
}

func TestInitRestoresLedger(t *testing.T) {
	conn := newFakeConn()
	conn.ledger["a"] = []any{"a", "1.0.0", "stale", time.Now(), int64(12), "ops"}
	engine := newTestEngine(t, conn)
	mustAdd(t, engine, domain.Migration{ID: "a", Version: "1.0.0", Script: "CREATE TABLE a (id INT)"})

	result, err := engine.RunMigrations(context.Background(), RunContext{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Executed) != 0 {
		t.Fatalf("ledger migration must not rerun, got %v", result.Executed)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected checksum drift warning, got %v", result.Warnings)
	}
}

func TestValidateSchema(t *testing.T) {
	conn := newFakeConn()
	conn.columns = []map[string]any{
		{"table_name": "users", "column_name": "id", "data_type": "integer"},
		{"table_name": "users", "column_name": "email", "data_type": "text"},
		{"table_name": "orders", "column_name": "id", "data_type": "integer"},
		{"table_name": "schema_migrations", "column_name": "id", "data_type": "text"},
	}
	engine := newTestEngine(t, conn)

	diff, err := engine.ValidateSchema(context.Background(), map[string]map[string]string{
		"users": {"id": "integer", "email": "varchar"},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !diff.Valid || len(diff.Modified) != 1 || len(diff.Added) != 1 || diff.Added[0] != "orders" {
		t.Fatalf("unexpected diff %+v", diff)
	}

	diff, _ = engine.ValidateSchema(context.Background(), map[string]map[string]string{"invoices": {}})
	if diff.Valid || len(diff.Removed) != 1 {
		t.Fatalf("missing table must invalidate schema, got %+v", diff)
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	single := "id: 001_users\nversion: 1.0.0\nscript: CREATE TABLE users (id INT)\nrollback_script: DROP TABLE users\n"
	list := "- id: 002_orders\n  version: 1.1.0\n  script: CREATE TABLE orders (id INT)\n  dependencies: [001_users]\n" +
		"- id: 003_index\n  version: 1.1.1\n  script: CREATE INDEX orders_id ON orders (id)\n"
	if err := os.WriteFile(filepath.Join(dir, "001.yaml"), []byte(single), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "002.yml"), []byte(list), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine := newTestEngine(t, newFakeConn())
	n, err := engine.LoadMigrations(dir)
	if err != nil || n != 3 {
		t.Fatalf("load: %d %v", n, err)
	}
	migrations := engine.Migrations()
	if migrations[1].Dependencies[0] != "001_users" || migrations[0].Checksum == "" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
}
