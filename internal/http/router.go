// Package httpx exposes the release controller over HTTP.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/service/deploy"
	"github.com/splax/releasectl/internal/service/hotupdate"
	"github.com/splax/releasectl/internal/service/migration"
	"github.com/splax/releasectl/internal/service/rollback"
	"github.com/splax/releasectl/internal/service/version"
	"github.com/splax/releasectl/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 1 << 20
)

// VersionService is the registry surface served over HTTP.
type VersionService interface {
	CreateVersion(ctx context.Context, in version.CreateVersionInput) (*domain.VersionMetadata, error)
	GetVersion(ctx context.Context, v string) (*domain.VersionMetadata, error)
	ListVersions(ctx context.Context) ([]domain.VersionMetadata, error)
	IsCompatible(ctx context.Context, v1, v2 string) (bool, error)
}

// MigrationService is the migration engine surface served over HTTP.
type MigrationService interface {
	RunMigrations(ctx context.Context, rc migration.RunContext) (*migration.Result, error)
	RollbackMigration(ctx context.Context, id string, force bool) error
	RollbackToVersion(ctx context.Context, target string, force bool) (*migration.Result, error)
	ValidateSchema(ctx context.Context, expected map[string]map[string]string) (*domain.SchemaDiff, error)
}

// RollbackService manages rollback points.
type RollbackService interface {
	CreateRollbackPoint(ctx context.Context, in rollback.CreatePointInput) (*domain.RollbackPoint, error)
	GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error)
	ListRollbackPoints(ctx context.Context, environmentID string) ([]domain.RollbackPoint, error)
}

// DeploymentService runs deployments.
type DeploymentService interface {
	StartDeployment(ctx context.Context, cfg deploy.Config) (string, error)
	GetDeploymentStatus(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, environmentID string, limit int) ([]domain.Deployment, error)
	RollbackDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	EmergencyRollback(ctx context.Context, environmentID string) (*domain.RollbackPoint, error)
	ExecuteRollbackPoint(ctx context.Context, pointID string) (*domain.RollbackPoint, error)
}

// HotUpdateService runs the hot update lifecycle.
type HotUpdateService interface {
	CreateHotUpdate(ctx context.Context, in hotupdate.CreateInput) (*domain.HotUpdate, error)
	GetHotUpdate(ctx context.Context, id string) (*domain.HotUpdate, error)
	ListHotUpdates(ctx context.Context, environmentID string, limit int) ([]domain.HotUpdate, error)
	SubmitForApproval(ctx context.Context, id string) (*domain.HotUpdate, error)
	ApproveHotUpdate(ctx context.Context, id string, in hotupdate.ApprovalInput) (*domain.HotUpdate, error)
	RunHotUpdateTests(ctx context.Context, id string) ([]domain.TestResult, error)
	StartRollout(ctx context.Context, id string) (*domain.HotUpdate, error)
	RollbackHotUpdate(ctx context.Context, id string) (*domain.HotUpdate, error)
	CancelHotUpdate(ctx context.Context, id, reason string) (*domain.HotUpdate, error)
}

// EnvironmentReader lists deployment environments.
type EnvironmentReader interface {
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}

// EventStream accepts live event subscribers.
type EventStream interface {
	Register(environmentID string, client ws.Subscriber)
	Unregister(environmentID string, client ws.Subscriber)
}

// Services bundles the orchestration services behind the router. A nil
// Migrations disables the migration routes.
type Services struct {
	Versions     VersionService
	Migrations   MigrationService
	Rollbacks    RollbackService
	Deployments  DeploymentService
	HotUpdates   HotUpdateService
	Environments EnvironmentReader
	Events       EventStream
}

// Options configures the router.
type Options struct {
	TokenSecret string
	// AppEnvironment is the default migration environment.
	AppEnvironment string
	Limiter        RateLimiter
	WriteLimit     int
	ReadLimit      int
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	DBHealth       func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	svc         Services
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	writeLimit  int
	readLimit   int
	tokenSecret string
	appEnv      string
	dbHealth    func(context.Context) error
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer
	metrics     *apiMetrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     opts.Limiter,
		writeLimit:  opts.WriteLimit,
		readLimit:   opts.ReadLimit,
		tokenSecret: opts.TokenSecret,
		appEnv:      opts.AppEnvironment,
		dbHealth:    opts.DBHealth,
		registerer:  opts.Registerer,
		gatherer:    opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter(clock.Real{})
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.metrics = newAPIMetrics(r.registerer)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.mux.HandleFunc("/versions", r.audit("versions", r.authed("versions", r.handleVersions)))
	r.mux.HandleFunc("/versions/compatibility", r.audit("versions_compatibility", r.authed("versions_compatibility", r.handleCompatibility)))
	r.mux.HandleFunc("/versions/", r.audit("version", r.authed("version", r.handleVersion)))
	r.mux.HandleFunc("/migrations/", r.audit("migrations", r.authed("migrations", r.handleMigrations)))
	r.mux.HandleFunc("/deployments", r.audit("deployments", r.authed("deployments", r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment", r.authed("deployment", r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/environments", r.audit("environments", r.authed("environments", r.handleEnvironments)))
	r.mux.HandleFunc("/environments/", r.audit("environment", r.authed("environment", r.handleEnvironmentSubroutes)))
	r.mux.HandleFunc("/rollback-points/", r.audit("rollback_point", r.authed("rollback_point", r.handleRollbackPointSubroutes)))
	r.mux.HandleFunc("/hot-updates", r.audit("hot_updates", r.authed("hot_updates", r.handleHotUpdates)))
	r.mux.HandleFunc("/hot-updates/", r.audit("hot_update", r.authed("hot_update", r.handleHotUpdateSubroutes)))
	r.mux.HandleFunc("/ws/events", r.audit("ws_events", r.authed("ws_events", r.handleEventsWS)))
	r.mux.HandleFunc("/events/stream", r.audit("events_stream", r.authed("events_stream", r.handleEventsSSE)))
}

// authed applies authentication and the read or write rate limit.
func (r *Router) authed(route string, next http.HandlerFunc) http.HandlerFunc {
	limited := func(w http.ResponseWriter, req *http.Request) {
		limit := r.readLimit
		if req.Method != http.MethodGet {
			limit = r.writeLimit
		}
		r.withRateLimit(route, limit, next)(w, req)
	}
	return r.requireOperator(limited)
}

func (r *Router) handleVersions(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		versions, err := r.svc.Versions.ListVersions(req.Context())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
	case http.MethodPost:
		var payload version.CreateVersionInput
		if !decodeBody(w, req, &payload) {
			return
		}
		if payload.Author == "" {
			payload.Author = operator(req)
		}
		meta, err := r.svc.Versions.CreateVersion(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, meta)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	v := strings.TrimPrefix(req.URL.Path, "/versions/")
	if v == "" || strings.Contains(v, "/") {
		r.notFound(w)
		return
	}
	meta, err := r.svc.Versions.GetVersion(req.Context(), v)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (r *Router) handleCompatibility(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	v1 := strings.TrimSpace(req.URL.Query().Get("v1"))
	v2 := strings.TrimSpace(req.URL.Query().Get("v2"))
	if v1 == "" || v2 == "" {
		writeError(w, http.StatusBadRequest, "v1 and v2 query parameters required")
		return
	}
	ok, err := r.svc.Versions.IsCompatible(req.Context(), v1, v2)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"v1": v1, "v2": v2, "compatible": ok})
}

func (r *Router) handleMigrations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.svc.Migrations == nil {
		writeError(w, http.StatusServiceUnavailable, "migration engine not configured")
		return
	}
	switch strings.TrimPrefix(req.URL.Path, "/migrations/") {
	case "run":
		var payload struct {
			Environment string `json:"environment"`
			DryRun      bool   `json:"dry_run"`
			Force       bool   `json:"force"`
		}
		if !decodeBody(w, req, &payload) {
			return
		}
		if payload.Environment == "" {
			payload.Environment = r.appEnv
		}
		res, err := r.svc.Migrations.RunMigrations(req.Context(), migration.RunContext{
			Environment: payload.Environment,
			DryRun:      payload.DryRun,
			Force:       payload.Force,
			ExecutedBy:  operator(req),
		})
		r.writeMigrationResult(w, req, res, err)
	case "rollback":
		var payload struct {
			ID            string `json:"id"`
			TargetVersion string `json:"target_version"`
			Force         bool   `json:"force"`
		}
		if !decodeBody(w, req, &payload) {
			return
		}
		switch {
		case payload.ID != "":
			if err := r.svc.Migrations.RollbackMigration(req.Context(), payload.ID, payload.Force); err != nil {
				r.writeServiceError(w, req, err)
				return
			}
			writeJSON(w, http.StatusOK, migration.Result{Success: true, Executed: []string{payload.ID}})
		case payload.TargetVersion != "":
			res, err := r.svc.Migrations.RollbackToVersion(req.Context(), payload.TargetVersion, payload.Force)
			r.writeMigrationResult(w, req, res, err)
		default:
			writeError(w, http.StatusBadRequest, "id or target_version required")
		}
	case "validate":
		var payload struct {
			Tables map[string]map[string]string `json:"tables"`
		}
		if !decodeBody(w, req, &payload) {
			return
		}
		diff, err := r.svc.Migrations.ValidateSchema(req.Context(), payload.Tables)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, diff)
	default:
		r.notFound(w)
	}
}

// writeMigrationResult reports partial batches with their result; a failed
// batch that produced no result is a plain error.
func (r *Router) writeMigrationResult(w http.ResponseWriter, req *http.Request, res *migration.Result, err error) {
	if err != nil && res == nil {
		r.writeServiceError(w, req, err)
		return
	}
	status := http.StatusOK
	if err != nil || !res.Success {
		status = http.StatusUnprocessableEntity
		if err != nil {
			status = statusFor(err)
		}
	}
	writeJSON(w, status, res)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		envID := strings.TrimSpace(req.URL.Query().Get("environment_id"))
		deployments, err := r.svc.Deployments.ListDeployments(req.Context(), envID, queryLimit(req))
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
	case http.MethodPost:
		var cfg deploy.Config
		if !decodeBody(w, req, &cfg) {
			return
		}
		if cfg.InitiatedBy == "" {
			cfg.InitiatedBy = operator(req)
		}
		id, err := r.svc.Deployments.StartDeployment(req.Context(), cfg)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		d, err := r.svc.Deployments.GetDeploymentStatus(req.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.DeploymentPending)})
			return
		}
		writeJSON(w, http.StatusAccepted, d)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	id, action, ok := splitSubroute(req.URL.Path, "/deployments/")
	if !ok {
		r.notFound(w)
		return
	}
	switch action {
	case "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		d, err := r.svc.Deployments.GetDeploymentStatus(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case "rollback":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		d, err := r.svc.Deployments.RollbackDeployment(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	envs, err := r.svc.Environments.ListEnvironments(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	envID, action, ok := splitSubroute(req.URL.Path, "/environments/")
	if !ok {
		r.notFound(w)
		return
	}
	switch action {
	case "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		env, err := r.svc.Environments.GetEnvironment(req.Context(), envID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	case "emergency-rollback":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.logger.Warn("emergency rollback requested", "environment_id", envID, "operator", operator(req))
		point, err := r.svc.Deployments.EmergencyRollback(req.Context(), envID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, point)
	case "rollback-points":
		r.handleRollbackPoints(w, req, envID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleRollbackPoints(w http.ResponseWriter, req *http.Request, envID string) {
	switch req.Method {
	case http.MethodGet:
		points, err := r.svc.Rollbacks.ListRollbackPoints(req.Context(), envID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rollback_points": points})
	case http.MethodPost:
		var payload rollback.CreatePointInput
		if !decodeBody(w, req, &payload) {
			return
		}
		payload.EnvironmentID = envID
		if payload.CreatedBy == "" {
			payload.CreatedBy = operator(req)
		}
		if payload.Type == "" {
			payload.Type = domain.RollbackPointManual
		}
		point, err := r.svc.Rollbacks.CreateRollbackPoint(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, point)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRollbackPointSubroutes(w http.ResponseWriter, req *http.Request) {
	id, action, ok := splitSubroute(req.URL.Path, "/rollback-points/")
	if !ok {
		r.notFound(w)
		return
	}
	switch action {
	case "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		point, err := r.svc.Rollbacks.GetRollbackPoint(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, point)
	case "execute":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		point, err := r.svc.Deployments.ExecuteRollbackPoint(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, point)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleHotUpdates(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		envID := strings.TrimSpace(req.URL.Query().Get("environment_id"))
		updates, err := r.svc.HotUpdates.ListHotUpdates(req.Context(), envID, queryLimit(req))
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hot_updates": updates})
	case http.MethodPost:
		var payload hotupdate.CreateInput
		if !decodeBody(w, req, &payload) {
			return
		}
		if payload.CreatedBy == "" {
			payload.CreatedBy = operator(req)
		}
		u, err := r.svc.HotUpdates.CreateHotUpdate(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, u)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleHotUpdateSubroutes(w http.ResponseWriter, req *http.Request) {
	id, action, ok := splitSubroute(req.URL.Path, "/hot-updates/")
	if !ok {
		r.notFound(w)
		return
	}
	if action == "" {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		u, err := r.svc.HotUpdates.GetHotUpdate(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	ctx := req.Context()
	var (
		u   *domain.HotUpdate
		err error
	)
	switch action {
	case "submit":
		u, err = r.svc.HotUpdates.SubmitForApproval(ctx, id)
	case "approve":
		var payload hotupdate.ApprovalInput
		if !decodeBody(w, req, &payload) {
			return
		}
		approver, _ := identityFrom(ctx)
		payload.Approver = approver.Name
		payload.Role = approver.Role
		u, err = r.svc.HotUpdates.ApproveHotUpdate(ctx, id, payload)
	case "test":
		results, testErr := r.svc.HotUpdates.RunHotUpdateTests(ctx, id)
		if testErr != nil && !errors.Is(testErr, domain.ErrTestGateFailed) {
			r.writeServiceError(w, req, testErr)
			return
		}
		payload := map[string]any{"passed": testErr == nil, "results": results}
		status := http.StatusOK
		if testErr != nil {
			payload["error"] = testErr.Error()
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, payload)
		return
	case "rollout":
		u, err = r.svc.HotUpdates.StartRollout(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusAccepted, u)
			return
		}
	case "rollback":
		u, err = r.svc.HotUpdates.RollbackHotUpdate(ctx, id)
	case "cancel":
		var payload struct {
			Reason string `json:"reason"`
		}
		if req.ContentLength != 0 && !decodeBody(w, req, &payload) {
			return
		}
		u, err = r.svc.HotUpdates.CancelHotUpdate(ctx, id, payload.Reason)
	default:
		r.notFound(w)
		return
	}
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.svc.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	envID := strings.TrimSpace(req.URL.Query().Get("environment_id"))
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.svc.Events.Register(envID, client)
	done := r.trackStream("websocket")
	go func() {
		defer func() {
			done()
			r.svc.Events.Unregister(envID, client)
			client.Close()
		}()
		client.Wait()
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.svc.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	envID := strings.TrimSpace(req.URL.Query().Get("environment_id"))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.svc.Events.Register(envID, client)
	defer r.trackStream("sse")()
	defer func() {
		r.svc.Events.Unregister(envID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// audit wraps a route with request metrics and one structured log line per
// request. Server errors log at Error, client errors at Warn.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(rec, req)
		elapsed := time.Since(start)

		status := rec.statusCode()
		r.recordRequestMetrics(req.Method, route, status, elapsed)

		actor, role := "anonymous", ""
		if rec.identity != nil {
			actor, role = rec.identity.Name, rec.identity.Role
		}
		attrs := []any{
			"route", route,
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"ip", clientIP(req),
			"actor", actor,
		}
		if role != "" {
			attrs = append(attrs, "role", role)
		}
		if id := strings.TrimSpace(req.Header.Get("X-Request-ID")); id != "" {
			attrs = append(attrs, "request_id", id)
		}

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		r.logger.Log(req.Context(), level, "http_request", attrs...)
	}
}

// statusRecorder captures what a handler wrote. It forwards Flush for SSE
// and Hijack for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int
	identity *operatorIdentity
}

func (sr *statusRecorder) statusCode() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection cannot be hijacked")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// splitSubroute turns "/prefix/{id}" or "/prefix/{id}/{action}" into its parts.
func splitSubroute(path, prefix string) (id, action string, ok bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if parts[0] == "" || len(parts) > 2 {
		return "", "", false
	}
	if len(parts) == 2 {
		action = parts[1]
	}
	return parts[0], action, true
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
