// Package health executes verification checks and tracks environment health.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/provider"
)

const (
	defaultCheckTimeout = 10 * time.Second
	retryDelay          = time.Second
)

// Checker runs verification checks through a probe backend, applying each
// check's timeout and retry budget. Probe errors become fail results.
type Checker struct {
	prober  provider.Prober
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration
}

// NewChecker builds a Checker. timeout applies to checks that carry none.
func NewChecker(prober provider.Prober, clk clock.Clock, logger *slog.Logger, timeout time.Duration) *Checker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Checker{
		prober:  prober,
		clock:   clk,
		logger:  logger.With("component", "health"),
		timeout: timeout,
	}
}

// Run executes one check, retrying failed attempts up to check.Retries times.
func (c *Checker) Run(ctx context.Context, check domain.VerificationCheck) domain.CheckResult {
	attempts := check.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var result domain.CheckResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result = c.attempt(ctx, check)
		result.Attempts = attempt
		if result.Status != domain.CheckFail {
			return result
		}
		if attempt < attempts {
			c.logger.Debug("check failed, retrying", "check", check.Name, "attempt", attempt, "error", result.Error)
			if err := c.clock.Sleep(ctx, retryDelay); err != nil {
				result.Error = joinError(result.Error, err)
				return result
			}
		}
	}
	return result
}

func (c *Checker) attempt(ctx context.Context, check domain.VerificationCheck) domain.CheckResult {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := c.clock.Now()
	result, err := c.probe(probeCtx, check)
	if result.ResponseTime == 0 {
		result.ResponseTime = c.clock.Now().Sub(started)
	}
	result.Name = check.Name
	result.Type = check.Type
	result.CheckedAt = c.clock.Now()
	if err != nil {
		result.Status = domain.CheckFail
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		result.Error = err.Error()
	}
	if result.Status == "" {
		result.Status = domain.CheckFail
		result.Error = joinError(result.Error, errors.New("probe returned no status"))
	}
	return result
}

func (c *Checker) probe(ctx context.Context, check domain.VerificationCheck) (res domain.CheckResult, err error) {
	if c.prober == nil {
		return domain.CheckResult{}, errors.New("no probe backend configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return c.prober.Probe(ctx, check)
}

// RunSuite executes checks sequentially and summarizes the outcome.
func (c *Checker) RunSuite(ctx context.Context, checks []domain.VerificationCheck) domain.SuiteResult {
	results := make([]domain.CheckResult, 0, len(checks))
	for _, check := range checks {
		res := c.Run(ctx, check)
		if res.Status == domain.CheckFail {
			c.logger.Warn("check failed", "check", check.Name, "type", check.Type, "error", res.Error)
		}
		results = append(results, res)
	}
	return domain.Summarize(results)
}

func joinError(existing string, err error) string {
	if existing == "" {
		return err.Error()
	}
	return existing + "; " + err.Error()
}
