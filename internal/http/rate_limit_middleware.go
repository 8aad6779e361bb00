package httpx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/splax/releasectl/internal/clock"
)

// rateWindow is the length of one budget window. Windows are aligned to the
// minute so every replica agrees on when a budget resets.
const rateWindow = time.Minute

// RateLimiter spends one unit of a key's budget for the current window.
type RateLimiter interface {
	Admit(key string, budget int) Admission
	Close()
}

// Admission is the outcome of one request against its window.
type Admission struct {
	Allowed    bool
	Used       int
	Resets     time.Time
	RetryAfter time.Duration
}

func (a Admission) remaining(budget int) int {
	return max(budget-a.Used, 0)
}

type windowCount struct {
	start time.Time
	used  int
}

// memoryRateLimiter keeps counts for the current window only; the first
// request of a new window discards everything older.
type memoryRateLimiter struct {
	mu      sync.Mutex
	clk     clock.Clock
	current time.Time
	counts  map[string]windowCount
}

// NewMemoryRateLimiter returns a process-local limiter driven by clk.
func NewMemoryRateLimiter(clk clock.Clock) RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &memoryRateLimiter{clk: clk, counts: make(map[string]windowCount)}
}

func (m *memoryRateLimiter) Admit(key string, budget int) Admission {
	if budget <= 0 {
		return Admission{Allowed: true}
	}
	now := m.clk.Now()
	start := now.Truncate(rateWindow)
	resets := start.Add(rateWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	if start.After(m.current) {
		m.current = start
		clear(m.counts)
	}
	wc := m.counts[key]
	if wc.used >= budget {
		return Admission{Used: wc.used, Resets: resets, RetryAfter: resets.Sub(now)}
	}
	wc.start = start
	wc.used++
	m.counts[key] = wc
	return Admission{Allowed: true, Used: wc.used, Resets: resets}
}

func (m *memoryRateLimiter) Close() {}

// withRateLimit charges the request to its operator, or to the client
// address for callers that never authenticated.
func (r *Router) withRateLimit(route string, budget int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if budget <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		caller := "ip:" + clientIP(req)
		if name := operator(req); name != "" {
			caller = "operator:" + name
		}
		adm := r.limiter.Admit(route+"|"+caller, budget)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(budget))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(adm.remaining(budget)))
		if !adm.Resets.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(adm.Resets.Unix(), 10))
		}
		if !adm.Allowed {
			r.recordRateLimitHit(route)
			h.Set("Retry-After", strconv.Itoa(max(int(adm.RetryAfter.Seconds()), 1)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}
