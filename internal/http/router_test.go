package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/lease"
	"github.com/splax/releasectl/internal/provider/snapshot"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/repository/memory"
	"github.com/splax/releasectl/internal/service/deploy"
	"github.com/splax/releasectl/internal/service/health"
	"github.com/splax/releasectl/internal/service/hotupdate"
	"github.com/splax/releasectl/internal/service/migration"
	"github.com/splax/releasectl/internal/service/rollback"
	"github.com/splax/releasectl/internal/service/version"
	"github.com/splax/releasectl/internal/ws"
	jwtpkg "github.com/splax/releasectl/pkg/jwt"
)

const testSecret = "router-test-secret"

type versionStub struct {
	created []version.CreateVersionInput
	known   map[string]bool
}

func (s *versionStub) CreateVersion(_ context.Context, in version.CreateVersionInput) (*domain.VersionMetadata, error) {
	s.created = append(s.created, in)
	return &domain.VersionMetadata{Version: "1.1.0", Author: in.Author}, nil
}

func (s *versionStub) GetVersion(_ context.Context, v string) (*domain.VersionMetadata, error) {
	if !s.known[v] {
		return nil, fmt.Errorf("version %s: %w", v, repository.ErrNotFound)
	}
	return &domain.VersionMetadata{Version: v}, nil
}

func (s *versionStub) ListVersions(context.Context) ([]domain.VersionMetadata, error) {
	return []domain.VersionMetadata{{Version: "1.0.0"}}, nil
}

func (s *versionStub) IsCompatible(_ context.Context, v1, v2 string) (bool, error) {
	return v1[0] == v2[0], nil
}

type deployStub struct {
	started []deploy.Config
	err     error
}

func (s *deployStub) StartDeployment(_ context.Context, cfg deploy.Config) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.started = append(s.started, cfg)
	return "dep-1", nil
}

func (s *deployStub) GetDeploymentStatus(_ context.Context, id string) (*domain.Deployment, error) {
	if id != "dep-1" {
		return nil, repository.ErrNotFound
	}
	return &domain.Deployment{ID: id, Status: domain.DeploymentPending}, nil
}

func (s *deployStub) ListDeployments(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (s *deployStub) RollbackDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	return nil, fmt.Errorf("%w: deployment %s has no rollback point", domain.ErrNoRollbackPoint, id)
}

func (s *deployStub) ExecuteRollbackPoint(_ context.Context, id string) (*domain.RollbackPoint, error) {
	return nil, fmt.Errorf("%w: point %s is being executed", domain.ErrInvalidState, id)
}

func (s *deployStub) EmergencyRollback(_ context.Context, envID string) (*domain.RollbackPoint, error) {
	return &domain.RollbackPoint{ID: "rp-1", EnvironmentID: envID, Status: domain.RollbackUsed}, nil
}

type hotUpdateStub struct {
	approvals []hotupdate.ApprovalInput
	cancelled string
}

func (s *hotUpdateStub) CreateHotUpdate(_ context.Context, in hotupdate.CreateInput) (*domain.HotUpdate, error) {
	return &domain.HotUpdate{ID: "hu-1", CreatedBy: in.CreatedBy, Status: domain.HotUpdateDraft}, nil
}

func (s *hotUpdateStub) GetHotUpdate(_ context.Context, id string) (*domain.HotUpdate, error) {
	return &domain.HotUpdate{ID: id}, nil
}

func (s *hotUpdateStub) ListHotUpdates(context.Context, string, int) ([]domain.HotUpdate, error) {
	return nil, nil
}

func (s *hotUpdateStub) SubmitForApproval(_ context.Context, id string) (*domain.HotUpdate, error) {
	return &domain.HotUpdate{ID: id, Status: domain.HotUpdatePendingApproval}, nil
}

func (s *hotUpdateStub) ApproveHotUpdate(_ context.Context, id string, in hotupdate.ApprovalInput) (*domain.HotUpdate, error) {
	s.approvals = append(s.approvals, in)
	return &domain.HotUpdate{ID: id, Status: domain.HotUpdateApproved}, nil
}

func (s *hotUpdateStub) RunHotUpdateTests(context.Context, string) ([]domain.TestResult, error) {
	results := []domain.TestResult{{Name: "security", Status: domain.CheckFail, Score: 80, Issues: []string{"eval"}}}
	return results, fmt.Errorf("%w: security (eval)", domain.ErrTestGateFailed)
}

func (s *hotUpdateStub) StartRollout(_ context.Context, id string) (*domain.HotUpdate, error) {
	return nil, fmt.Errorf("%w: hot update %s is draft", domain.ErrApprovalRequired, id)
}

func (s *hotUpdateStub) RollbackHotUpdate(_ context.Context, id string) (*domain.HotUpdate, error) {
	return nil, fmt.Errorf("%w: hot update %s is draft", domain.ErrInvalidState, id)
}

func (s *hotUpdateStub) CancelHotUpdate(_ context.Context, id, reason string) (*domain.HotUpdate, error) {
	s.cancelled = reason
	return &domain.HotUpdate{ID: id, Status: domain.HotUpdateCancelled}, nil
}

type rollbackStub struct{}

func (rollbackStub) CreateRollbackPoint(_ context.Context, in rollback.CreatePointInput) (*domain.RollbackPoint, error) {
	return &domain.RollbackPoint{ID: "rp-2", EnvironmentID: in.EnvironmentID, Type: in.Type, CreatedBy: in.CreatedBy}, nil
}

func (rollbackStub) GetRollbackPoint(context.Context, string) (*domain.RollbackPoint, error) {
	return nil, repository.ErrNotFound
}

func (rollbackStub) ListRollbackPoints(context.Context, string) ([]domain.RollbackPoint, error) {
	return []domain.RollbackPoint{{ID: "rp-1"}}, nil
}

type envStub struct{}

func (envStub) GetEnvironment(_ context.Context, id string) (*domain.Environment, error) {
	if id != "prod" {
		return nil, repository.ErrNotFound
	}
	return &domain.Environment{ID: "prod", Type: domain.EnvironmentProd}, nil
}

func (envStub) ListEnvironments(context.Context) ([]domain.Environment, error) {
	return []domain.Environment{{ID: "prod"}}, nil
}

type streamStub struct {
	mu         sync.Mutex
	registered chan ws.Subscriber
	envs       []string
}

func (s *streamStub) Register(envID string, c ws.Subscriber) {
	s.mu.Lock()
	s.envs = append(s.envs, envID)
	s.mu.Unlock()
	s.registered <- c
}

func (s *streamStub) Unregister(string, ws.Subscriber) {}

type fixture struct {
	router   *Router
	versions *versionStub
	deploys  *deployStub
	updates  *hotUpdateStub
	stream   *streamStub
	registry *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		versions: &versionStub{known: map[string]bool{"1.0.0": true}},
		deploys:  &deployStub{},
		updates:  &hotUpdateStub{},
		stream:   &streamStub{registered: make(chan ws.Subscriber, 1)},
		registry: prometheus.NewRegistry(),
	}
	opts := Options{
		TokenSecret:    testSecret,
		AppEnvironment: "staging",
		Registerer:     f.registry,
		Gatherer:       f.registry,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.router = NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), Services{
		Versions:     f.versions,
		Rollbacks:    rollbackStub{},
		Deployments:  f.deploys,
		HotUpdates:   f.updates,
		Environments: envStub{},
		Events:       f.stream,
	}, opts)
	t.Cleanup(f.router.Close)
	return f
}

func token(t *testing.T, op, role string) string {
	t.Helper()
	tok, err := jwtpkg.GenerateToken(op, role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice", "release-manager"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzReportsDatabaseState(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.DBHealth = func(context.Context) error { return errors.New("connection refused") }
	})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	payload := decode[map[string]any](t, rec)
	if payload["status"] != "degraded" {
		t.Fatalf("unexpected payload %v", payload)
	}

	healthy := newFixture(t, nil)
	rec = httptest.NewRecorder()
	healthy.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without db probe, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireOperatorToken(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]string{
		"missing": "",
		"scheme":  "Basic abc",
		"forged":  "Bearer " + mustToken(t, "mallory", "other-secret"),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/versions", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func mustToken(t *testing.T, op, secret string) string {
	t.Helper()
	tok, err := jwtpkg.GenerateToken(op, "", secret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func TestCreateVersionDefaultsAuthorToOperator(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/versions", `{"increment":"minor","changelog":["add canary"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.versions.created) != 1 || f.versions.created[0].Author != "alice" {
		t.Fatalf("author not defaulted: %+v", f.versions.created)
	}

	rec = f.do(t, http.MethodPost, "/versions", `{"increment":"minor","unknown":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", rec.Code)
	}
}

func TestVersionLookupAndCompatibility(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/versions/1.0.0", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/versions/9.9.9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/versions/compatibility?v1=1.0.0&v2=2.0.0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload := decode[map[string]any](t, rec); payload["compatible"] != false {
		t.Fatalf("unexpected payload %v", payload)
	}
	if rec := f.do(t, http.MethodGet, "/versions/compatibility?v1=1.0.0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing v2, got %d", rec.Code)
	}
}

func TestStartDeploymentAccepted(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/deployments", `{"version":"1.0.0","environment_id":"staging","strategy":"rolling"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	d := decode[domain.Deployment](t, rec)
	if d.ID != "dep-1" || d.Status != domain.DeploymentPending {
		t.Fatalf("unexpected deployment %+v", d)
	}
	if f.deploys.started[0].InitiatedBy != "alice" {
		t.Fatalf("initiator not recorded: %+v", f.deploys.started[0])
	}
}

func TestServiceErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad strategy", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: prod", domain.ErrApprovalRequired), http.StatusPreconditionFailed},
		{fmt.Errorf("%w: staging", domain.ErrEnvironmentBusy), http.StatusConflict},
		{fmt.Errorf("%w: a -> b -> a", domain.ErrCyclicDependency), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: api", domain.ErrHealthCheckFailed), http.StatusUnprocessableEntity},
		{fmt.Errorf("version: %w", repository.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: prod", domain.ErrNoRollbackPoint), http.StatusNotFound},
		{errors.New("pool closed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		f.deploys.err = tc.err
		rec := f.do(t, http.MethodPost, "/deployments", `{"version":"1.0.0","environment_id":"prod"}`)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
		if tc.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "pool closed") {
			t.Fatalf("internal error detail leaked: %s", rec.Body.String())
		}
	}
}

func TestDeploymentAndEnvironmentSubroutes(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/deployments/dep-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/deployments/dep-1/rollback", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing rollback point should be 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/deployments/dep-1/rollback", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/environments/prod/emergency-rollback", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if point := decode[domain.RollbackPoint](t, rec); point.EnvironmentID != "prod" {
		t.Fatalf("unexpected point %+v", point)
	}
	rec = f.do(t, http.MethodPost, "/environments/prod/rollback-points", `{"version":"1.0.0","description":"before db change"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if point := decode[domain.RollbackPoint](t, rec); point.Type != domain.RollbackPointManual || point.CreatedBy != "alice" {
		t.Fatalf("unexpected point %+v", point)
	}
	if rec := f.do(t, http.MethodPost, "/rollback-points/rp-1/execute", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/environments/qa", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/environments/prod/a/b", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deep path, got %d", rec.Code)
	}
}

func TestHotUpdateLifecycleRoutes(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/hot-updates", `{"version":"1.2.0","patch_version":"1.2.1","environment_id":"prod","script":"x"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if u := decode[domain.HotUpdate](t, rec); u.CreatedBy != "alice" {
		t.Fatalf("creator not recorded: %+v", u)
	}

	// The approver always comes from the token, not the body.
	rec = f.do(t, http.MethodPost, "/hot-updates/hu-1/approve", `{"approver":"mallory","approved":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := f.updates.approvals[0]; got.Approver != "alice" || got.Role != "release-manager" || !got.Approved {
		t.Fatalf("unexpected approval %+v", got)
	}

	rec = f.do(t, http.MethodPost, "/hot-updates/hu-1/test", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	payload := decode[struct {
		Passed  bool                `json:"passed"`
		Results []domain.TestResult `json:"results"`
	}](t, rec)
	if payload.Passed || len(payload.Results) != 1 || payload.Results[0].Score != 80 {
		t.Fatalf("unexpected test payload %+v", payload)
	}

	if rec := f.do(t, http.MethodPost, "/hot-updates/hu-1/rollout", ""); rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/hot-updates/hu-1/rollback", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/hot-updates/hu-1/cancel", `{"reason":"superseded"}`); rec.Code != http.StatusOK || f.updates.cancelled != "superseded" {
		t.Fatalf("cancel failed: %d %q", rec.Code, f.updates.cancelled)
	}
	if rec := f.do(t, http.MethodPost, "/hot-updates/hu-1/cancel", ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel without body failed: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/hot-updates/hu-1/explode", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMigrationRoutesWithoutEngine(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/migrations/run", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

type migrationStub struct {
	rc migration.RunContext
}

func (m *migrationStub) RunMigrations(_ context.Context, rc migration.RunContext) (*migration.Result, error) {
	m.rc = rc
	return &migration.Result{Success: false, Executed: []string{"001"}, Failed: []migration.Failure{{ID: "002", Error: "boom"}}}, nil
}

func (m *migrationStub) RollbackMigration(context.Context, string, bool) error {
	return fmt.Errorf("%w: 002 depends on 001", domain.ErrDependency)
}

func (m *migrationStub) RollbackToVersion(context.Context, string, bool) (*migration.Result, error) {
	return &migration.Result{Success: true, Executed: []string{"002", "001"}}, nil
}

func (m *migrationStub) ValidateSchema(context.Context, map[string]map[string]string) (*domain.SchemaDiff, error) {
	return &domain.SchemaDiff{Valid: false, Removed: []string{"users"}}, nil
}

func TestMigrationRoutes(t *testing.T) {
	f := newFixture(t, nil)
	engine := &migrationStub{}
	f.router.svc.Migrations = engine

	rec := f.do(t, http.MethodPost, "/migrations/run", `{"dry_run":true}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("partial batch should be 422, got %d", rec.Code)
	}
	if engine.rc.Environment != "staging" || engine.rc.ExecutedBy != "alice" || !engine.rc.DryRun {
		t.Fatalf("unexpected run context %+v", engine.rc)
	}
	if rec := f.do(t, http.MethodPost, "/migrations/rollback", `{"id":"001"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("dependency error should be 422, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/migrations/rollback", `{"target_version":"1.0.0"}`)
	if res := decode[migration.Result](t, rec); rec.Code != http.StatusOK || len(res.Executed) != 2 {
		t.Fatalf("unexpected rollback response %d %+v", rec.Code, res)
	}
	if rec := f.do(t, http.MethodPost, "/migrations/rollback", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/migrations/validate", `{"tables":{"users":{"id":"uuid"}}}`)
	if diff := decode[domain.SchemaDiff](t, rec); diff.Valid || diff.Removed[0] != "users" {
		t.Fatalf("unexpected diff %+v", diff)
	}
}

func TestRateLimitPerOperator(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC))
	f := newFixture(t, func(o *Options) {
		o.WriteLimit = 1
		o.Limiter = NewMemoryRateLimiter(clk)
	})
	body := `{"increment":"patch"}`
	if rec := f.do(t, http.MethodPost, "/versions", body); rec.Code != http.StatusCreated {
		t.Fatalf("first write should pass, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/versions", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	// Reads have their own budget.
	if rec := f.do(t, http.MethodGet, "/versions", ""); rec.Code != http.StatusOK {
		t.Fatalf("read should pass, got %d", rec.Code)
	}
}

func TestMemoryRateLimiterResetsOnWindowBoundary(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 50, 0, time.UTC))
	rl := NewMemoryRateLimiter(clk)
	defer rl.Close()

	if adm := rl.Admit("versions|operator:alice", 2); !adm.Allowed || adm.Used != 1 {
		t.Fatalf("unexpected first admission %+v", adm)
	}
	rl.Admit("versions|operator:alice", 2)
	adm := rl.Admit("versions|operator:alice", 2)
	if adm.Allowed || adm.remaining(2) != 0 {
		t.Fatalf("third request should be rejected: %+v", adm)
	}
	if want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC); !adm.Resets.Equal(want) || adm.RetryAfter != 10*time.Second {
		t.Fatalf("window resets at %v after %v, want %v", adm.Resets, adm.RetryAfter, want)
	}
	if other := rl.Admit("versions|operator:bob", 2); !other.Allowed {
		t.Fatalf("budgets must be per caller")
	}

	clk.Advance(15 * time.Second)
	if adm := rl.Admit("versions|operator:alice", 2); !adm.Allowed || adm.Used != 1 {
		t.Fatalf("budget should reset in the next window: %+v", adm)
	}
}

func TestMetricsExposeRequestCounters(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/versions", "")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !bytes.Contains(rec.Body.Bytes(), []byte(`releasectl_api_http_requests_total{method="GET",route="versions",status="200"} 1`)) {
		t.Fatalf("request counter missing:\n%s", rec.Body.String())
	}
}

func TestEventStreamWebsocket(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?environment_id=prod&access_token=" + token(t, "alice", "")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var sub ws.Subscriber
	select {
	case sub = <-f.stream.registered:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never registered")
	}
	if f.stream.envs[0] != "prod" {
		t.Fatalf("registered for %q", f.stream.envs[0])
	}
	if err := sub.Send([]byte(`{"kind":"completed"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != `{"kind":"completed"}` {
		t.Fatalf("unexpected frame %q (%v)", msg, err)
	}
}

type passProber struct{}

func (passProber) Probe(context.Context, domain.VerificationCheck) (domain.CheckResult, error) {
	return domain.CheckResult{Status: domain.CheckPass}, nil
}

func TestExecuteRollbackPointHonoursEnvironmentLease(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	if err := store.CreateEnvironment(ctx, &domain.Environment{ID: "prod", Type: domain.EnvironmentProd, Status: domain.EnvironmentActive, CurrentVersion: "1.1.0"}); err != nil {
		t.Fatalf("seed env: %v", err)
	}
	clk := clock.NewFake(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	checker := health.NewChecker(passProber{}, clk, logger, time.Second)
	manager := rollback.New(store, store, snapshot.NewMemory(), checker, logger, rollback.Options{Clock: clk})
	leases := lease.NewMemory()
	deploys := deploy.New(store, store, store, manager, checker, logger, deploy.Options{Leases: leases, Clock: clk})

	point, err := manager.CreateRollbackPoint(ctx, rollback.CreatePointInput{EnvironmentID: "prod", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("create point: %v", err)
	}
	router := NewRouter(logger, Services{
		Versions:     &versionStub{},
		Rollbacks:    manager,
		Deployments:  deploys,
		HotUpdates:   &hotUpdateStub{},
		Environments: envStub{},
		Events:       &streamStub{registered: make(chan ws.Subscriber, 1)},
	}, Options{TokenSecret: testSecret, AppEnvironment: "staging", Registerer: prometheus.NewRegistry(), Gatherer: prometheus.NewRegistry()})
	t.Cleanup(router.Close)
	execute := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/rollback-points/"+point.ID+"/execute", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, "alice", "release-manager"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if err := leases.Acquire(ctx, "prod", "deployment-7", time.Hour); err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	if rec := execute(); rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), domain.ErrEnvironmentBusy.Error()) {
		t.Fatalf("expected busy environment, got %d: %s", rec.Code, rec.Body.String())
	}
	if stored, _ := store.GetRollbackPoint(ctx, point.ID); stored.Status != domain.RollbackAvailable || stored.Attempts != 0 {
		t.Fatalf("point must be untouched while the lease is held, got %+v", stored)
	}

	if err := leases.Release(ctx, "prod", "deployment-7"); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	rec := execute()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once the lease is free, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.RollbackPoint](t, rec); got.Status != domain.RollbackUsed {
		t.Fatalf("expected used point, got %s", got.Status)
	}
	if _, held := leases.Holder("prod"); held {
		t.Fatalf("lease must be released after execution")
	}
}
