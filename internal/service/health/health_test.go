package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository/memory"
)

type scriptedProber struct {
	results []domain.CheckResult
	errs    []error
	calls   int
}

func (p *scriptedProber) Probe(_ context.Context, _ domain.VerificationCheck) (domain.CheckResult, error) {
	i := p.calls
	p.calls++
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	if i < len(p.results) {
		return p.results[i], err
	}
	return domain.CheckResult{Status: domain.CheckPass}, err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestCheckerRetriesUntilPass(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	prober := &scriptedProber{
		results: []domain.CheckResult{{Status: domain.CheckFail}, {}, {Status: domain.CheckPass}},
		errs:    []error{nil, errors.New("connection refused"), nil},
	}
	checker := NewChecker(prober, clk, discardLogger(), time.Second)

	res := checker.Run(context.Background(), domain.VerificationCheck{Name: "api", Type: domain.CheckAPI, Retries: 2})
	if res.Status != domain.CheckPass {
		t.Fatalf("expected pass after retries, got %+v", res)
	}
	if res.Attempts != 3 || prober.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", res.Attempts, prober.calls)
	}
	if len(clk.Sleeps()) != 2 {
		t.Fatalf("expected two retry waits, got %v", clk.Sleeps())
	}
}

func TestCheckerFoldsProbeErrors(t *testing.T) {
	prober := &scriptedProber{errs: []error{errors.New("boom")}}
	checker := NewChecker(prober, clock.NewFake(time.Unix(0, 0)), discardLogger(), time.Second)

	res := checker.Run(context.Background(), domain.VerificationCheck{Name: "db", Type: domain.CheckDatabase})
	if res.Status != domain.CheckFail || res.Error != "boom" {
		t.Fatalf("expected fail result carrying error, got %+v", res)
	}
	suite := checker.RunSuite(context.Background(), []domain.VerificationCheck{{Name: "a"}, {Name: "b"}})
	if !suite.Passed || suite.HealthStatus() != domain.HealthHealthy {
		t.Fatalf("expected passing suite, got %+v", suite)
	}
}

func TestHTTPProberAPIAndThresholds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/broken":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/security":
			fmt.Fprint(w, `{"vulnerabilities": 2}`)
		case "/functional":
			fmt.Fprint(w, `{"passed": 40, "failed": 0}`)
		}
	}))
	defer srv.Close()

	prober := NewHTTPProber(srv.Client(), func(context.Context) error { return nil })
	ctx := context.Background()

	cases := []struct {
		name  string
		check domain.VerificationCheck
		want  domain.CheckStatus
	}{
		{"api ok", domain.VerificationCheck{Type: domain.CheckAPI, Endpoint: srv.URL + "/healthz"}, domain.CheckPass},
		{"api wrong status", domain.VerificationCheck{Type: domain.CheckAPI, Endpoint: srv.URL + "/broken", ExpectedStatus: 200}, domain.CheckFail},
		{"security default zero", domain.VerificationCheck{Type: domain.CheckSecurity, Endpoint: srv.URL + "/security"}, domain.CheckFail},
		{"security within threshold", domain.VerificationCheck{Type: domain.CheckSecurity, Endpoint: srv.URL + "/security", Threshold: &domain.Threshold{Metric: "vulnerabilities", Operator: "<=", Value: 3}}, domain.CheckPass},
		{"functional", domain.VerificationCheck{Type: domain.CheckFunctional, Endpoint: srv.URL + "/functional"}, domain.CheckPass},
		{"performance", domain.VerificationCheck{Type: domain.CheckPerformance, Endpoint: srv.URL + "/healthz", Threshold: &domain.Threshold{Metric: "response_time", Operator: "<", Value: 60000}}, domain.CheckPass},
		{"database", domain.VerificationCheck{Type: domain.CheckDatabase}, domain.CheckPass},
	}
	for _, tc := range cases {
		res, err := prober.Probe(ctx, tc.check)
		if err != nil {
			t.Fatalf("%s: probe error %v", tc.name, err)
		}
		if res.Status != tc.want {
			t.Fatalf("%s: expected %s, got %+v", tc.name, tc.want, res)
		}
	}

	if _, err := prober.Probe(ctx, domain.VerificationCheck{Type: "dns"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

func TestMonitorPollOnceRecordsHealth(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	env := &domain.Environment{
		ID:             "prod",
		Name:           "production",
		Type:           domain.EnvironmentProd,
		Status:         domain.EnvironmentActive,
		CurrentVersion: "1.0.0",
		HealthStatus:   domain.HealthUnknown,
		HealthChecks:   []domain.VerificationCheck{{Name: "api", Type: domain.CheckAPI}},
	}
	if err := store.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("create env: %v", err)
	}
	if err := store.CreateEnvironment(ctx, &domain.Environment{ID: "dev", Type: domain.EnvironmentDev}); err != nil {
		t.Fatalf("create env: %v", err)
	}

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prober := &scriptedProber{results: []domain.CheckResult{{Status: domain.CheckWarning}}}
	monitor := NewMonitor(store, NewChecker(prober, clk, discardLogger(), time.Second), clk, time.Minute, discardLogger())

	if err := monitor.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got, err := store.GetEnvironment(ctx, "prod")
	if err != nil {
		t.Fatalf("get env: %v", err)
	}
	if got.HealthStatus != domain.HealthDegraded || got.LastHealthCheck == nil {
		t.Fatalf("expected degraded with timestamp, got %+v", got)
	}
	history, err := store.ListHealthChecks(ctx, "prod", 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one history row, got %d (%v)", len(history), err)
	}
	if prober.calls != 1 {
		t.Fatalf("environment without checks must not be probed; calls=%d", prober.calls)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memory.New()
	clk := clock.NewFake(time.Unix(0, 0))
	monitor := NewMonitor(store, NewChecker(&scriptedProber{}, clk, discardLogger(), 0), clk, 0, discardLogger())

	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not stop")
	}
}
