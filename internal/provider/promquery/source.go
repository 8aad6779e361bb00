// Package promquery samples rollout metrics from a Prometheus server.
package promquery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/splax/releasectl/internal/provider"
)

// Queries are PromQL templates; %[1]s is the environment id and %[2]s an
// anchored instance regex.
type Queries struct {
	ErrorRate    string
	ResponseTime string
	Throughput   string
}

// DefaultQueries read the standard http_requests_total / duration series.
var DefaultQueries = Queries{
	ErrorRate: `100 * sum(rate(http_requests_total{environment="%[1]s",instance=~"%[2]s",code=~"5.."}[5m]))` +
		` / clamp_min(sum(rate(http_requests_total{environment="%[1]s",instance=~"%[2]s"}[5m])), 1e-9)`,
	ResponseTime: `1000 * histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket{environment="%[1]s",instance=~"%[2]s"}[5m])))`,
	Throughput:   `sum(rate(http_requests_total{environment="%[1]s",instance=~"%[2]s"}[5m]))`,
}

// Source implements provider.MetricsSource over the Prometheus HTTP API.
type Source struct {
	api     v1.API
	queries Queries
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var _ provider.MetricsSource = (*Source)(nil)

// New creates a Source for the server at address.
func New(address string, log *slog.Logger) (*Source, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		api:     v1.NewAPI(client),
		queries: DefaultQueries,
		timeout: 10 * time.Second,
		now:     time.Now,
		logger:  log.With("component", "promquery"),
	}, nil
}

// WithQueries overrides the PromQL templates.
func (s *Source) WithQueries(q Queries) *Source {
	s.queries = q
	return s
}

// Collect evaluates the three queries for the given instances.
func (s *Source) Collect(ctx context.Context, environmentID string, instanceIDs []string) (provider.RolloutMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	matcher := instanceMatcher(instanceIDs)
	var m provider.RolloutMetrics
	var err error
	if m.ErrorRate, err = s.scalar(ctx, fmt.Sprintf(s.queries.ErrorRate, environmentID, matcher)); err != nil {
		return m, fmt.Errorf("error rate: %w", err)
	}
	if m.ResponseTimeMs, err = s.scalar(ctx, fmt.Sprintf(s.queries.ResponseTime, environmentID, matcher)); err != nil {
		return m, fmt.Errorf("response time: %w", err)
	}
	if m.Throughput, err = s.scalar(ctx, fmt.Sprintf(s.queries.Throughput, environmentID, matcher)); err != nil {
		return m, fmt.Errorf("throughput: %w", err)
	}
	return m, nil
}

// scalar returns the first sample of a vector or scalar result; an empty
// vector reads as zero.
func (s *Source) scalar(ctx context.Context, query string) (float64, error) {
	value, warnings, err := s.api.Query(ctx, query, s.now())
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		s.logger.Warn("prometheus query warnings", "query", query, "warnings", strings.Join(warnings, "; "))
	}
	switch v := value.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, nil
		}
		return float64(v[0].Value), nil
	case *model.Scalar:
		return float64(v.Value), nil
	default:
		return 0, fmt.Errorf("unexpected result type %s", value.Type())
	}
}

func instanceMatcher(ids []string) string {
	if len(ids) == 0 {
		return ".*"
	}
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		quoted = append(quoted, regexp.QuoteMeta(id))
	}
	// PromQL string literals need backslashes escaped.
	return strings.ReplaceAll("("+strings.Join(quoted, "|")+")", `\`, `\\`)
}
