package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/provider"
)

// PingFunc checks database connectivity.
type PingFunc func(ctx context.Context) error

// HTTPProber probes api, performance, security and functional checks over
// HTTP and database checks through a ping function.
type HTTPProber struct {
	client *http.Client
	ping   PingFunc
	now    func() time.Time
}

var _ provider.Prober = (*HTTPProber)(nil)

// NewHTTPProber returns a prober using client (or a default one).
func NewHTTPProber(client *http.Client, ping PingFunc) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProber{client: client, ping: ping, now: time.Now}
}

// Probe implements provider.Prober.
func (p *HTTPProber) Probe(ctx context.Context, check domain.VerificationCheck) (domain.CheckResult, error) {
	switch check.Type {
	case domain.CheckAPI:
		return p.probeAPI(ctx, check)
	case domain.CheckDatabase:
		return p.probeDatabase(ctx, check)
	case domain.CheckPerformance:
		return p.probePerformance(ctx, check)
	case domain.CheckSecurity:
		return p.probeCount(ctx, check, "vulnerabilities")
	case domain.CheckFunctional:
		return p.probeCount(ctx, check, "failed")
	default:
		return domain.CheckResult{}, fmt.Errorf("%w: unknown check type %q", domain.ErrValidation, check.Type)
	}
}

func (p *HTTPProber) probeAPI(ctx context.Context, check domain.VerificationCheck) (domain.CheckResult, error) {
	resp, elapsed, err := p.do(ctx, check)
	if err != nil {
		return domain.CheckResult{}, err
	}
	resp.Body.Close()
	expected := check.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	res := domain.CheckResult{
		ResponseTime: elapsed,
		Status:       domain.CheckPass,
		Details:      map[string]any{"status_code": resp.StatusCode, "expected_status": expected},
	}
	if resp.StatusCode != expected {
		res.Status = domain.CheckFail
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return res, nil
}

func (p *HTTPProber) probeDatabase(ctx context.Context, check domain.VerificationCheck) (domain.CheckResult, error) {
	if p.ping == nil {
		return domain.CheckResult{}, errors.New("database ping not configured")
	}
	started := p.now()
	if err := p.ping(ctx); err != nil {
		return domain.CheckResult{}, fmt.Errorf("ping database: %w", err)
	}
	elapsed := p.now().Sub(started)
	latency := float64(elapsed.Milliseconds())
	res := domain.CheckResult{
		ResponseTime: elapsed,
		Status:       domain.CheckPass,
		Details:      map[string]any{"latency_ms": latency},
	}
	return applyThreshold(res, check.Threshold, latency)
}

func (p *HTTPProber) probePerformance(ctx context.Context, check domain.VerificationCheck) (domain.CheckResult, error) {
	resp, elapsed, err := p.do(ctx, check)
	if err != nil {
		return domain.CheckResult{}, err
	}
	resp.Body.Close()
	measured := float64(elapsed.Milliseconds())
	res := domain.CheckResult{
		ResponseTime: elapsed,
		Status:       domain.CheckPass,
		Details:      map[string]any{"response_time_ms": measured, "status_code": resp.StatusCode},
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		res.Status = domain.CheckFail
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res, nil
	}
	return applyThreshold(res, check.Threshold, measured)
}

// probeCount reads a JSON report and gates on one numeric field; without a
// threshold the field must be zero.
func (p *HTTPProber) probeCount(ctx context.Context, check domain.VerificationCheck, field string) (domain.CheckResult, error) {
	resp, elapsed, err := p.do(ctx, check)
	if err != nil {
		return domain.CheckResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return domain.CheckResult{}, fmt.Errorf("report endpoint returned %d", resp.StatusCode)
	}
	var report map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&report); err != nil {
		return domain.CheckResult{}, fmt.Errorf("decode report: %w", err)
	}
	value, ok := report[field].(float64)
	if !ok {
		return domain.CheckResult{}, fmt.Errorf("report missing numeric %q", field)
	}
	res := domain.CheckResult{ResponseTime: elapsed, Status: domain.CheckPass, Details: report}
	threshold := check.Threshold
	if threshold == nil {
		threshold = &domain.Threshold{Metric: field, Operator: "==", Value: 0}
	}
	return applyThreshold(res, threshold, value)
}

func (p *HTTPProber) do(ctx context.Context, check domain.VerificationCheck) (*http.Response, time.Duration, error) {
	if strings.TrimSpace(check.Endpoint) == "" {
		return nil, 0, fmt.Errorf("%w: check %s has no endpoint", domain.ErrValidation, check.Name)
	}
	method := strings.ToUpper(strings.TrimSpace(check.Method))
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, check.Endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	started := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	return resp, p.now().Sub(started), nil
}

func applyThreshold(res domain.CheckResult, threshold *domain.Threshold, measured float64) (domain.CheckResult, error) {
	if threshold == nil {
		return res, nil
	}
	ok, err := threshold.Satisfied(measured)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Status = domain.CheckFail
		res.Error = fmt.Sprintf("%s %.2f violates %s %.2f", threshold.Metric, measured, threshold.Operator, threshold.Value)
	}
	return res, nil
}
