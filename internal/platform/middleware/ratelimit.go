package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// JSON-RPC error code used for throttled requests.
const jsonRPCServerBusy = -32000

// DefaultLimiterIdleTimeout is how long an unused bucket is kept.
const DefaultLimiterIdleTimeout = 10 * time.Minute

// RateLimitConfig holds inbound rate limiting configuration. A zero
// RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	// RequestsPerSecond and BurstSize bound each client IP.
	RequestsPerSecond float64
	BurstSize         int
	// SessionRequestsPerSecond and SessionBurstSize additionally bound each
	// MCP session of a client. Zero means sessions only share the IP budget.
	SessionRequestsPerSecond float64
	SessionBurstSize         int
	// IdleTimeout evicts buckets unused for this long; zero means
	// DefaultLimiterIdleTimeout.
	IdleTimeout time.Duration
	// Now is the clock used for limiter decisions; nil means time.Now.
	Now func() time.Time
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:        20,
		BurstSize:                40,
		SessionRequestsPerSecond: 10,
		SessionBurstSize:         20,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one token bucket per key and drops buckets that have
// been idle longer than idle.
type limiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
}

func newLimiterStore(rps float64, burst int, idle time.Duration) *limiterStore {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = DefaultLimiterIdleTimeout
	}
	return &limiterStore{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     idle,
	}
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.idle {
		s.sweep(now)
	}

	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// sweep must be called with mu held.
func (s *limiterStore) sweep(now time.Time) {
	for key, e := range s.limiters {
		if now.Sub(e.lastSeen) >= s.idle {
			delete(s.limiters, key)
		}
	}
	s.lastSweep = now
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimit limits requests per client IP. Requests carrying an
// Mcp-Session-Id are also charged to a per-session bucket, which is only
// consulted once the IP bucket has admitted the request, so new session ids
// never buy extra budget.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	clients := newLimiterStore(cfg.RequestsPerSecond, cfg.BurstSize, cfg.IdleTimeout)
	var sessions *limiterStore
	if cfg.SessionRequestsPerSecond > 0 {
		sessions = newLimiterStore(cfg.SessionRequestsPerSecond, cfg.SessionBurstSize, cfg.IdleTimeout)
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			t := now()
			ip := c.RealIP()
			ipRes := clients.get(ip, t).ReserveN(t, 1)
			if delay := ipRes.DelayFrom(t); delay > 0 {
				ipRes.CancelAt(t)
				return tooManyRequests(c, delay)
			}

			if sid := c.Request().Header.Get("Mcp-Session-Id"); sid != "" && sessions != nil {
				sRes := sessions.get(ip+"|"+sid, t).ReserveN(t, 1)
				if delay := sRes.DelayFrom(t); delay > 0 {
					sRes.CancelAt(t)
					ipRes.CancelAt(t)
					return tooManyRequests(c, delay)
				}
			}
			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, delay time.Duration) error {
	h := c.Response().Header()
	h.Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
	h.Set("X-RateLimit-Remaining", "0")
	return c.JSON(http.StatusTooManyRequests, errorBody(jsonRPCServerBusy, "rate limit exceeded"))
}
