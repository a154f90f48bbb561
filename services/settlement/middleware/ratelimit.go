package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"settlecore/observability"
)

type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies token buckets per caller, falling back to the client IP
// for anonymous requests. Idle buckets are swept on access.
type RateLimiter struct {
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clock    clockwork.Clock
	idle     time.Duration
}

func NewRateLimiter(limits map[string]RateLimit, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clock:    clock,
		idle:     5 * time.Minute,
	}
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := key + "|" + clientID(req)
			if !r.allow(identifier, limit) {
				observability.Settlement().RecordThrottle(key, "rate_limit")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limit)))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(id string, cfg RateLimit) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idle {
			delete(r.visitors, key)
		}
	}
	entry, ok := r.visitors[id]
	if !ok {
		perSecond := cfg.RequestsPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func retryAfterSeconds(cfg RateLimit) int {
	if cfg.RequestsPerMinute <= 0 {
		return 1
	}
	secs := int(60 / cfg.RequestsPerMinute)
	if secs < 1 {
		return 1
	}
	return secs
}

func clientID(r *http.Request) string {
	if caller, ok := CallerFrom(r.Context()); ok {
		return caller.String()
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
