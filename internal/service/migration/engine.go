package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/semver"
)

const (
	createLedger = `CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    checksum TEXT NOT NULL,
    executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    execution_time_ms BIGINT NOT NULL DEFAULT 0,
    executed_by TEXT NOT NULL DEFAULT ''
)`
	selectLedger = `SELECT id, version, checksum, executed_at, execution_time_ms, executed_by
	FROM schema_migrations ORDER BY executed_at, id`
	insertLedger = `INSERT INTO schema_migrations (id, version, checksum, executed_at, execution_time_ms, executed_by)
	VALUES ($1, $2, $3, $4, $5, $6)`
	deleteLedger = `DELETE FROM schema_migrations WHERE id = $1`
)

// Engine executes registered migrations against a Conn and keeps the
// schema_migrations ledger in step. Run and rollback calls are serialized.
type Engine struct {
	conn   Conn
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	migrations map[string]*registered
	order      []string
	ledger     map[string]domain.MigrationRecord
	executed   []string
}

type registered struct {
	domain.Migration
	semver semver.Version
	seq    int
}

// New constructs an Engine. Init must be called before running migrations.
func New(conn Conn, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		conn:       conn,
		logger:     logger.With("component", "migration"),
		now:        func() time.Time { return time.Now().UTC() },
		migrations: make(map[string]*registered),
		ledger:     make(map[string]domain.MigrationRecord),
	}
}

// Init ensures the ledger table exists and loads executed migrations from it.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.conn.Execute(ctx, createLedger); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	res, err := e.conn.Execute(ctx, selectLedger)
	if err != nil {
		return fmt.Errorf("load schema_migrations: %w", err)
	}
	e.ledger = make(map[string]domain.MigrationRecord, len(res.Rows))
	e.executed = e.executed[:0]
	for _, row := range res.Rows {
		rec := recordFromRow(row)
		e.ledger[rec.ID] = rec
		e.executed = append(e.executed, rec.ID)
	}
	for id, m := range e.migrations {
		e.syncStatusLocked(id, m)
	}
	e.logger.Info("migration ledger loaded", "executed", len(e.executed))
	return nil
}

// Close releases the underlying connection.
func (e *Engine) Close() {
	e.conn.Close()
}

// AddMigration registers a migration definition and computes its checksum.
func (e *Engine) AddMigration(m domain.Migration) error {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return fmt.Errorf("%w: migration id required", domain.ErrValidation)
	}
	if strings.TrimSpace(m.Script) == "" {
		return fmt.Errorf("%w: migration %s has an empty script", domain.ErrValidation, m.ID)
	}
	sv, err := semver.Parse(m.Version)
	if err != nil {
		return fmt.Errorf("%w: migration %s: %v", domain.ErrValidation, m.ID, err)
	}
	if m.Direction == "" {
		m.Direction = domain.DirectionUp
	}
	if m.Direction != domain.DirectionUp && m.Direction != domain.DirectionDown {
		return fmt.Errorf("%w: migration %s has unknown direction %q", domain.ErrValidation, m.ID, m.Direction)
	}
	m.Checksum = Checksum(m)
	m.Status = domain.MigrationPending
	m.Error = ""

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.migrations[m.ID]; exists {
		return fmt.Errorf("%w: migration %s already registered", domain.ErrValidation, m.ID)
	}
	reg := &registered{Migration: m, semver: sv, seq: len(e.order)}
	e.migrations[m.ID] = reg
	e.order = append(e.order, m.ID)
	e.syncStatusLocked(m.ID, reg)
	return nil
}

// Checksum is the sha256 of the migration's serialized definition.
func Checksum(m domain.Migration) string {
	def := struct {
		ID             string                    `json:"id"`
		Version        string                    `json:"version"`
		Direction      domain.MigrationDirection `json:"direction"`
		Script         string                    `json:"script"`
		RollbackScript string                    `json:"rollback_script"`
		Dependencies   []string                  `json:"dependencies"`
	}{m.ID, m.Version, m.Direction, m.Script, m.RollbackScript, m.Dependencies}
	raw, _ := json.Marshal(def)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Migrations returns a snapshot of registered migrations in version order.
func (e *Engine) Migrations() []domain.Migration {
	e.mu.Lock()
	defer e.mu.Unlock()
	sorted := e.sortedLocked(func(*registered) bool { return true })
	out := make([]domain.Migration, 0, len(sorted))
	for _, m := range sorted {
		out = append(out, m.Migration)
	}
	return out
}

// RunMigrations executes every pending migration in dependency order,
// version order breaking ties. Per
// migration failures are reported in the Result; the returned error is
// reserved for batch-level problems such as a dependency cycle.
func (e *Engine) RunMigrations(ctx context.Context, rc RunContext) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	if err := e.detectCycleLocked(); err != nil {
		return nil, err
	}

	result := &Result{Executed: []string{}, Failed: []Failure{}}
	result.Warnings = e.driftLocked()

	done := make(map[string]bool, len(e.ledger))
	for id := range e.ledger {
		done[id] = true
	}
	pending := dependencyOrder(e.sortedLocked(func(m *registered) bool { return m.Status != domain.MigrationCompleted }))

	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			result.fail(m.ID, err)
			result.Skipped = append(result.Skipped, idsOf(pending[i+1:])...)
			break
		}
		halt := false
		switch err := e.prepare(m, done, rc); {
		case err != nil:
			result.fail(m.ID, err)
			e.logger.Warn("migration rejected", "migration_id", m.ID, "error", err)
			halt = !rc.Force
		case rc.DryRun:
			result.Planned = append(result.Planned, m.ID)
			done[m.ID] = true
		default:
			if err := e.execute(ctx, m, rc); err != nil {
				result.fail(m.ID, err)
				e.logger.Error("migration failed", "migration_id", m.ID, "error", err)
				halt = !rc.Force
			} else {
				done[m.ID] = true
				result.Executed = append(result.Executed, m.ID)
			}
		}
		if halt {
			result.Skipped = append(result.Skipped, idsOf(pending[i+1:])...)
			break
		}
	}

	result.Success = len(result.Failed) == 0
	result.Duration = e.now().Sub(start)
	e.logger.Info("migration batch finished",
		"executed", len(result.Executed),
		"failed", len(result.Failed),
		"dry_run", rc.DryRun,
		"environment", rc.Environment,
	)
	return result, nil
}

// prepare validates a pending migration against the executed set and the
// destructive statement guard.
func (e *Engine) prepare(m *registered, done map[string]bool, rc RunContext) error {
	var missing []string
	for _, dep := range m.Dependencies {
		if !done[dep] {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", domain.ErrDependency, m.ID, strings.Join(missing, ", "))
	}
	return CheckScript(m.Script, rc.Environment, rc.Force)
}

func (e *Engine) execute(ctx context.Context, m *registered, rc RunContext) error {
	m.Status = domain.MigrationRunning
	started := e.now()
	var elapsed time.Duration
	err := e.conn.Transaction(ctx, func(ctx context.Context, tx Executor) error {
		if _, err := tx.Execute(ctx, m.Script); err != nil {
			return err
		}
		elapsed = e.now().Sub(started)
		_, err := tx.Execute(ctx, insertLedger, m.ID, m.Version, m.Checksum, started, elapsed.Milliseconds(), rc.ExecutedBy)
		return err
	})
	if err != nil {
		m.Status = domain.MigrationFailed
		m.Error = err.Error()
		return err
	}
	m.Status = domain.MigrationCompleted
	m.Error = ""
	m.ExecutedAt = &started
	m.ExecutionTime = elapsed
	e.ledger[m.ID] = domain.MigrationRecord{
		ID:            m.ID,
		Version:       m.Version,
		Checksum:      m.Checksum,
		ExecutedAt:    started,
		ExecutionTime: elapsed,
		ExecutedBy:    rc.ExecutedBy,
	}
	e.executed = append(e.executed, m.ID)
	e.logger.Info("migration executed", "migration_id", m.ID, "version", m.Version, "duration", elapsed)
	return nil
}

// RollbackMigration runs a completed migration's rollback script and removes
// it from the ledger. Rolling back a migration that another executed
// migration depends on requires force.
func (e *Engine) RollbackMigration(ctx context.Context, id string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollbackLocked(ctx, id, force)
}

func (e *Engine) rollbackLocked(ctx context.Context, id string, force bool) error {
	m, ok := e.migrations[id]
	if !ok {
		return fmt.Errorf("migration %s: %w", id, repository.ErrNotFound)
	}
	if strings.TrimSpace(m.RollbackScript) == "" {
		return fmt.Errorf("%w: migration %s has no rollback script", domain.ErrValidation, id)
	}
	if _, executed := e.ledger[id]; !executed {
		return fmt.Errorf("%w: migration %s is not executed", domain.ErrInvalidState, id)
	}
	if !force {
		if dependents := e.executedDependentsLocked(id); len(dependents) > 0 {
			return fmt.Errorf("%w: %s is required by %s", domain.ErrDependency, id, strings.Join(dependents, ", "))
		}
	}

	err := e.conn.Transaction(ctx, func(ctx context.Context, tx Executor) error {
		if _, err := tx.Execute(ctx, m.RollbackScript); err != nil {
			return err
		}
		_, err := tx.Execute(ctx, deleteLedger, id)
		return err
	})
	if err != nil {
		m.Error = err.Error()
		e.logger.Error("migration rollback failed", "migration_id", id, "error", err)
		return fmt.Errorf("rollback migration %s: %w", id, err)
	}

	delete(e.ledger, id)
	for i, executed := range e.executed {
		if executed == id {
			e.executed = append(e.executed[:i], e.executed[i+1:]...)
			break
		}
	}
	m.Status = domain.MigrationRolledBack
	m.Error = ""
	e.logger.Info("migration rolled back", "migration_id", id)
	return nil
}

// RollbackToVersion rolls back, newest execution first, every executed
// migration whose version is greater than target.
func (e *Engine) RollbackToVersion(ctx context.Context, target string, force bool) (*Result, error) {
	targetVersion, err := semver.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	result := &Result{Executed: []string{}, Failed: []Failure{}}

	var candidates []string
	for i := len(e.executed) - 1; i >= 0; i-- {
		id := e.executed[i]
		rec := e.ledger[id]
		v, err := semver.Parse(rec.Version)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: unparseable ledger version %q", id, rec.Version))
			continue
		}
		if targetVersion.LessThan(v) {
			candidates = append(candidates, id)
		}
	}

	for i, id := range candidates {
		if err := e.rollbackLocked(ctx, id, force); err != nil {
			result.fail(id, err)
			if !force {
				result.Skipped = append(result.Skipped, candidates[i+1:]...)
				break
			}
			continue
		}
		result.Executed = append(result.Executed, id)
	}

	result.Success = len(result.Failed) == 0
	result.Duration = e.now().Sub(start)
	return result, nil
}

func (e *Engine) executedDependentsLocked(id string) []string {
	var dependents []string
	for _, other := range e.executed {
		m, ok := e.migrations[other]
		if !ok || other == id {
			continue
		}
		for _, dep := range m.Dependencies {
			if dep == id {
				dependents = append(dependents, other)
				break
			}
		}
	}
	return dependents
}

// detectCycleLocked walks the dependency graph of registered migrations.
func (e *Engine) detectCycleLocked() error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(e.migrations))
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			return fmt.Errorf("%w: %s", domain.ErrCyclicDependency, strings.Join(cycle, " -> "))
		case visited:
			return nil
		}
		m, ok := e.migrations[id]
		if !ok {
			// unknown ids surface as dependency failures at run time
			return nil
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range m.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = visited
		return nil
	}
	for _, id := range e.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) driftLocked() []string {
	var warnings []string
	for _, id := range e.order {
		rec, ok := e.ledger[id]
		if !ok {
			continue
		}
		if m := e.migrations[id]; rec.Checksum != "" && rec.Checksum != m.Checksum {
			warnings = append(warnings, fmt.Sprintf("%s: checksum changed since execution", id))
		}
	}
	return warnings
}

func (e *Engine) syncStatusLocked(id string, m *registered) {
	rec, ok := e.ledger[id]
	if !ok {
		if m.Status == domain.MigrationCompleted {
			m.Status = domain.MigrationPending
		}
		return
	}
	executedAt := rec.ExecutedAt
	m.Status = domain.MigrationCompleted
	m.ExecutedAt = &executedAt
	m.ExecutionTime = rec.ExecutionTime
	if rec.Checksum != "" && rec.Checksum != m.Checksum {
		e.logger.Warn("migration checksum drift", "migration_id", id)
	}
}

// sortedLocked orders by semantic version, registration order breaking ties.
func (e *Engine) sortedLocked(keep func(*registered) bool) []*registered {
	out := make([]*registered, 0, len(e.migrations))
	for _, id := range e.order {
		if m := e.migrations[id]; keep(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].semver.Compare(out[j].semver); c != 0 {
			return c < 0
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// dependencyOrder moves each migration after the pending migrations it
// depends on, otherwise keeping the version order of ms. The graph must be acyclic.
func dependencyOrder(ms []*registered) []*registered {
	index := make(map[string]int, len(ms))
	for i, m := range ms {
		index[m.ID] = i
	}
	waiting := make([]int, len(ms))
	dependents := make([][]int, len(ms))
	for i, m := range ms {
		for _, dep := range m.Dependencies {
			if j, ok := index[dep]; ok {
				waiting[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}
	out := make([]*registered, 0, len(ms))
	placed := make([]bool, len(ms))
	for len(out) < len(ms) {
		next := -1
		for i := range ms {
			if !placed[i] && waiting[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// unreachable after detectCycleLocked
			for i := range ms {
				if !placed[i] {
					out = append(out, ms[i])
				}
			}
			return out
		}
		placed[next] = true
		out = append(out, ms[next])
		for _, d := range dependents[next] {
			waiting[d]--
		}
	}
	return out
}

func idsOf(ms []*registered) []string {
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}

func recordFromRow(row map[string]any) domain.MigrationRecord {
	rec := domain.MigrationRecord{
		ID:         stringValue(row["id"]),
		Version:    stringValue(row["version"]),
		Checksum:   stringValue(row["checksum"]),
		ExecutedBy: stringValue(row["executed_by"]),
	}
	if t, ok := row["executed_at"].(time.Time); ok {
		rec.ExecutedAt = t
	}
	switch ms := row["execution_time_ms"].(type) {
	case int64:
		rec.ExecutionTime = time.Duration(ms) * time.Millisecond
	case int32:
		rec.ExecutionTime = time.Duration(ms) * time.Millisecond
	case int:
		rec.ExecutionTime = time.Duration(ms) * time.Millisecond
	}
	return rec
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
