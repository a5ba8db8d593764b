package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
)

// RateLimiter tracks failed auth attempts and blocks IPs temporarily
type RateLimiter struct {
	failures map[string]time.Time // IP -> time of last failure
	mu       sync.RWMutex
	delay    time.Duration // how long to block after a failure
}

// NewRateLimiter creates a new failure limiter
func NewRateLimiter(delay time.Duration) *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]time.Time),
		delay:    delay,
	}
}

// RecordFailure records a failed auth attempt for an IP
func (r *RateLimiter) RecordFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[ip] = time.Now()
}

// ClearFailure clears the failure record for an IP (on successful auth)
func (r *RateLimiter) ClearFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, ip)
}

// IsLimited returns true if the IP is currently blocked
func (r *RateLimiter) IsLimited(ip string) bool {
	r.mu.RLock()
	failTime, exists := r.failures[ip]
	r.mu.RUnlock()
	if !exists {
		return false
	}
	if time.Since(failTime) > r.delay {
		r.ClearFailure(ip)
		return false
	}
	return true
}

// ipLimiter is a token bucket per client IP. Idle buckets are evicted.
type ipLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &ipLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.buckets.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.buckets.Add(ip, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimit middleware applies the per-IP request rate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			ip := getClientIP(r)
			if !s.limiter.allow(ip) {
				L_warn("http: rate limited", "ip", ip, "path", r.URL.Path)
				metrics.MetricInc("http", "rate_limited")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// behind a reverse proxy the first X-Forwarded-For hop is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
