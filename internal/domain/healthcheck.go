package domain

import (
	"fmt"
	"time"
)

// CheckType names the probe family a verification check belongs to.
type CheckType string

const (
	CheckAPI         CheckType = "api"
	CheckDatabase    CheckType = "database"
	CheckPerformance CheckType = "performance"
	CheckSecurity    CheckType = "security"
	CheckFunctional  CheckType = "functional"
)

// CheckStatus is the outcome of a single check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckWarning CheckStatus = "warning"
)

// Threshold compares a measured metric against a bound.
type Threshold struct {
	Metric   string  `json:"metric"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// Satisfied reports whether measured meets the threshold.
func (t Threshold) Satisfied(measured float64) (bool, error) {
	switch t.Operator {
	case "<", "lt":
		return measured < t.Value, nil
	case "<=", "lte":
		return measured <= t.Value, nil
	case ">", "gt":
		return measured > t.Value, nil
	case ">=", "gte":
		return measured >= t.Value, nil
	case "==", "eq":
		return measured == t.Value, nil
	default:
		return false, fmt.Errorf("%w: unknown threshold operator %q", ErrValidation, t.Operator)
	}
}

// VerificationCheck configures one health probe.
type VerificationCheck struct {
	Name           string        `json:"name"`
	Type           CheckType     `json:"type"`
	Endpoint       string        `json:"endpoint,omitempty"`
	Method         string        `json:"method,omitempty"`
	ExpectedStatus int           `json:"expected_status,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Retries        int           `json:"retries,omitempty"`
	Threshold      *Threshold    `json:"threshold,omitempty"`
}

// CheckResult is the structured outcome of a probe; probe errors are folded in here.
type CheckResult struct {
	Name         string         `json:"name"`
	Type         CheckType      `json:"type"`
	Status       CheckStatus    `json:"status"`
	ResponseTime time.Duration  `json:"response_time"`
	Details      map[string]any `json:"details,omitempty"`
	Error        string         `json:"error,omitempty"`
	Attempts     int            `json:"attempts"`
	CheckedAt    time.Time      `json:"checked_at"`
}

// SuiteResult aggregates a list of check results.
type SuiteResult struct {
	Results  []CheckResult `json:"results"`
	Passed   bool          `json:"passed"`
	Failed   int           `json:"failed"`
	Warnings int           `json:"warnings"`
}

// Summarize computes the aggregate view of results.
func Summarize(results []CheckResult) SuiteResult {
	suite := SuiteResult{Results: results, Passed: true}
	for _, r := range results {
		switch r.Status {
		case CheckFail:
			suite.Failed++
			suite.Passed = false
		case CheckWarning:
			suite.Warnings++
		}
	}
	return suite
}

// HealthStatus derives from the suite result.
func (s SuiteResult) HealthStatus() HealthStatus {
	switch {
	case s.Failed > 0:
		return HealthUnhealthy
	case s.Warnings > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// HealthCheckRecord is one row of health_check_history.
type HealthCheckRecord struct {
	ID            string        `json:"id"`
	EnvironmentID string        `json:"environment_id"`
	Status        HealthStatus  `json:"status"`
	Results       []CheckResult `json:"results"`
	CheckedAt     time.Time     `json:"checked_at"`
}
