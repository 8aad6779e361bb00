// Package memory implements the repository interfaces in process. It backs
// local runs without a database and the service tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
)

// Store keeps every record in maps guarded by a single mutex. Records are
// copied on the way in and out so callers never share state with the store.
type Store struct {
	mu           sync.RWMutex
	versions     map[string]domain.VersionMetadata
	environments map[string]domain.Environment
	health       map[string][]domain.HealthCheckRecord
	points       map[string]domain.RollbackPoint
	deployments  map[string]domain.Deployment
	hotUpdates   map[string]domain.HotUpdate
	metrics      []domain.VersioningMetric
	seq          int64
	order        map[string]int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		versions:     make(map[string]domain.VersionMetadata),
		environments: make(map[string]domain.Environment),
		health:       make(map[string][]domain.HealthCheckRecord),
		points:       make(map[string]domain.RollbackPoint),
		deployments:  make(map[string]domain.Deployment),
		hotUpdates:   make(map[string]domain.HotUpdate),
		order:        make(map[string]int64),
	}
}

var _ repository.Store = (*Store)(nil)

func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory: clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("memory: clone %T: %v", v, err))
	}
	return out
}

func (s *Store) stamp(key string) {
	s.seq++
	s.order[key] = s.seq
}

// CreateVersion stores a version; duplicates are rejected.
func (s *Store) CreateVersion(_ context.Context, version *domain.VersionMetadata) error {
	if version == nil || version.Version == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[version.Version]; ok {
		return repository.ErrConflict
	}
	s.versions[version.Version] = clone(*version)
	s.stamp("version:" + version.Version)
	return nil
}

// GetVersion fetches a version by its string form.
func (s *Store) GetVersion(_ context.Context, version string) (*domain.VersionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[version]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(v)
	return &out, nil
}

// ListVersions returns versions in semantic order.
func (s *Store) ListVersions(_ context.Context) ([]domain.VersionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.VersionMetadata, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, clone(v))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SemanticVersion.LessThan(out[j].SemanticVersion)
	})
	return out, nil
}

// CreateEnvironment stores a new environment.
func (s *Store) CreateEnvironment(_ context.Context, env *domain.Environment) error {
	if env == nil || env.ID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[env.ID]; ok {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now
	s.environments[env.ID] = clone(*env)
	return nil
}

// GetEnvironment fetches an environment.
func (s *Store) GetEnvironment(_ context.Context, id string) (*domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.environments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(env)
	return &out, nil
}

// UpdateEnvironment replaces a stored environment.
func (s *Store) UpdateEnvironment(_ context.Context, env *domain.Environment) error {
	if env == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[env.ID]; !ok {
		return repository.ErrNotFound
	}
	env.UpdatedAt = time.Now().UTC()
	s.environments[env.ID] = clone(*env)
	return nil
}

// ListEnvironments returns environments ordered by id.
func (s *Store) ListEnvironments(_ context.Context) ([]domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Environment, 0, len(s.environments))
	for _, env := range s.environments {
		out = append(out, clone(env))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendHealthCheck records a health poll.
func (s *Store) AppendHealthCheck(_ context.Context, record *domain.HealthCheckRecord) error {
	if record == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[record.EnvironmentID]; !ok {
		return repository.ErrNotFound
	}
	s.health[record.EnvironmentID] = append(s.health[record.EnvironmentID], clone(*record))
	return nil
}

// ListHealthChecks returns the newest records first.
func (s *Store) ListHealthChecks(_ context.Context, environmentID string, limit int) ([]domain.HealthCheckRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.health[environmentID]
	out := make([]domain.HealthCheckRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, clone(records[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateRollbackPoint stores a point.
func (s *Store) CreateRollbackPoint(_ context.Context, point *domain.RollbackPoint) error {
	if point == nil || point.ID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[point.ID]; ok {
		return repository.ErrConflict
	}
	s.points[point.ID] = clone(*point)
	s.stamp("point:" + point.ID)
	return nil
}

// GetRollbackPoint fetches a point.
func (s *Store) GetRollbackPoint(_ context.Context, id string) (*domain.RollbackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(p)
	return &out, nil
}

// UpdateRollbackPoint replaces a stored point.
func (s *Store) UpdateRollbackPoint(_ context.Context, point *domain.RollbackPoint) error {
	if point == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[point.ID]; !ok {
		return repository.ErrNotFound
	}
	s.points[point.ID] = clone(*point)
	return nil
}

// ListRollbackPoints returns an environment's points, newest first.
func (s *Store) ListRollbackPoints(_ context.Context, environmentID string) ([]domain.RollbackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RollbackPoint, 0)
	for _, p := range s.points {
		if p.EnvironmentID == environmentID {
			out = append(out, clone(p))
		}
	}
	s.sortNewestFirst(out)
	return out, nil
}

// ListAvailableBefore returns available points captured before cutoff.
func (s *Store) ListAvailableBefore(_ context.Context, cutoff time.Time) ([]domain.RollbackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RollbackPoint, 0)
	for _, p := range s.points {
		if p.Status == domain.RollbackAvailable && p.Timestamp.Before(cutoff) {
			out = append(out, clone(p))
		}
	}
	s.sortNewestFirst(out)
	return out, nil
}

// sortNewestFirst orders by timestamp, falling back to insertion order for ties.
func (s *Store) sortNewestFirst(points []domain.RollbackPoint) {
	sort.Slice(points, func(i, j int) bool {
		if !points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].Timestamp.After(points[j].Timestamp)
		}
		return s.order["point:"+points[i].ID] > s.order["point:"+points[j].ID]
	})
}

// CreateDeployment stores a deployment run.
func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	if deployment == nil || deployment.ID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[deployment.ID]; ok {
		return repository.ErrConflict
	}
	s.deployments[deployment.ID] = clone(*deployment)
	s.stamp("deployment:" + deployment.ID)
	return nil
}

// UpdateDeployment replaces a stored deployment.
func (s *Store) UpdateDeployment(_ context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[deployment.ID]; !ok {
		return repository.ErrNotFound
	}
	s.deployments[deployment.ID] = clone(*deployment)
	return nil
}

// GetDeployment fetches a deployment.
func (s *Store) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(d)
	return &out, nil
}

// ListDeployments returns newest first.
func (s *Store) ListDeployments(_ context.Context, environmentID string, limit int) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if environmentID == "" || d.EnvironmentID == environmentID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order["deployment:"+out[i].ID] > s.order["deployment:"+out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateHotUpdate stores a hot update.
func (s *Store) CreateHotUpdate(_ context.Context, update *domain.HotUpdate) error {
	if update == nil || update.ID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hotUpdates[update.ID]; ok {
		return repository.ErrConflict
	}
	s.hotUpdates[update.ID] = clone(*update)
	s.stamp("hot_update:" + update.ID)
	return nil
}

// UpdateHotUpdate replaces a stored hot update.
func (s *Store) UpdateHotUpdate(_ context.Context, update *domain.HotUpdate) error {
	if update == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hotUpdates[update.ID]; !ok {
		return repository.ErrNotFound
	}
	s.hotUpdates[update.ID] = clone(*update)
	return nil
}

// GetHotUpdate fetches a hot update.
func (s *Store) GetHotUpdate(_ context.Context, id string) (*domain.HotUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.hotUpdates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(u)
	return &out, nil
}

// ListHotUpdates returns newest first.
func (s *Store) ListHotUpdates(_ context.Context, environmentID string, limit int) ([]domain.HotUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.HotUpdate, 0)
	for _, u := range s.hotUpdates {
		if environmentID == "" || u.EnvironmentID == environmentID {
			out = append(out, clone(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order["hot_update:"+out[i].ID] > s.order["hot_update:"+out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordMetric appends a measurement.
func (s *Store) RecordMetric(_ context.Context, metric domain.VersioningMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, clone(metric))
	return nil
}

// Metrics returns recorded measurements in insertion order.
func (s *Store) Metrics() []domain.VersioningMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.metrics)
}
