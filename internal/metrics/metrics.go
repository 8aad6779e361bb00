// Package metrics exposes prometheus collectors for orchestration outcomes.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// Recorder counts deployments, rollbacks, hot updates and migrations. A nil
// Recorder is valid and records nothing.
type Recorder struct {
	once sync.Once

	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	rollbacks          *prometheus.CounterVec
	hotUpdates         *prometheus.CounterVec
	rolloutSteps       *prometheus.CounterVec
	migrations         *prometheus.CounterVec
	leaseConflicts     *prometheus.CounterVec
}

// New registers the collectors on reg, reusing any already registered.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{}
	r.init(reg)
	return r
}

func (r *Recorder) init(reg prometheus.Registerer) {
	r.once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		r.deployments = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releasectl",
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Deployments by strategy and terminal status",
		}, []string{"strategy", "status"}))

		r.deploymentDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "releasectl",
			Subsystem: "deploy",
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of deployment runs",
			Buckets:   durationBuckets,
		}, []string{"strategy", "status"}))

		r.rollbacks = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releasectl",
			Subsystem: "rollback",
			Name:      "executions_total",
			Help:      "Rollback point executions by outcome",
		}, []string{"outcome"}))

		r.hotUpdates = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releasectl",
			Subsystem: "hotupdate",
			Name:      "hot_updates_total",
			Help:      "Hot updates by rollout strategy and terminal status",
		}, []string{"strategy", "status"}))

		r.rolloutSteps = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releasectl",
			Subsystem: "hotupdate",
			Name:      "rollout_steps_total",
			Help:      "Hot update rollout steps by status",
		}, []string{"status"}))

		r.migrations = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releasectl",
			Subsystem: "migration",
			Name:      "migrations_total",
			Help:      "Migration executions by outcome",
		}, []string{"outcome"}))

		r.leaseConflicts = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releasectl",
			Subsystem: "lease",
			Name:      "conflicts_total",
			Help:      "Orchestration runs rejected because the environment was busy",
		}, []string{"kind"}))
	})
}

// register adds c to reg, returning the existing collector on a duplicate.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Deployment records a finished deployment.
func (r *Recorder) Deployment(strategy, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.deployments.WithLabelValues(strategy, status).Inc()
	r.deploymentDuration.WithLabelValues(strategy, status).Observe(duration.Seconds())
}

// Rollback records a rollback point execution outcome ("success" or "failure").
func (r *Recorder) Rollback(outcome string) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(outcome).Inc()
}

// HotUpdate records a hot update reaching a terminal status.
func (r *Recorder) HotUpdate(strategy, status string) {
	if r == nil {
		return
	}
	r.hotUpdates.WithLabelValues(strategy, status).Inc()
}

// RolloutStep records one hot update rollout step.
func (r *Recorder) RolloutStep(status string) {
	if r == nil {
		return
	}
	r.rolloutSteps.WithLabelValues(status).Inc()
}

// Migrations adds executed and failed counts from a batch.
func (r *Recorder) Migrations(executed, failed int) {
	if r == nil {
		return
	}
	r.migrations.WithLabelValues("executed").Add(float64(executed))
	r.migrations.WithLabelValues("failed").Add(float64(failed))
}

// LeaseConflict records a run rejected with an environment busy error.
func (r *Recorder) LeaseConflict(kind string) {
	if r == nil {
		return
	}
	r.leaseConflicts.WithLabelValues(kind).Inc()
}
