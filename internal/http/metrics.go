package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// apiMetrics are the controller's request-level collectors. Deployment and
// hot update outcomes live in internal/metrics.
type apiMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	throttled   *prometheus.CounterVec
	openStreams *prometheus.GaugeVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	const ns, sub = "releasectl", "api"
	return &apiMetrics{
		requests: registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"})),
		latency: registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "http_request_duration_seconds",
			Help:    "HTTP handler latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route", "status"})),
		throttled: registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rate_limit_hits_total",
			Help: "Requests rejected by the per-operator rate limit.",
		}, []string{"route"})),
		openStreams: registerOrReuse(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "event_streams_open",
			Help: "Connected event stream subscribers by transport.",
		}, []string{"transport"})),
	}
}

// registerOrReuse registers c, or returns the collector already registered
// under the same descriptor so several routers can share one registry.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	r.metrics.requests.WithLabelValues(method, route, code).Inc()
	r.metrics.latency.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route string) {
	r.metrics.throttled.WithLabelValues(route).Inc()
}

// trackStream counts an open stream until the returned func is called.
func (r *Router) trackStream(transport string) func() {
	g := r.metrics.openStreams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}
