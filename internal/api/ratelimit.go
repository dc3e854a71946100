package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mikeyg42/televisit/internal/callerr"
)

// RateLimiter is a fixed-window limiter keyed by client IP.
type RateLimiter struct {
	mu      sync.Mutex
	rate    int
	window  time.Duration
	maxKeys int
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window for each client.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rate:    rate,
		window:  window,
		maxKeys: 10000,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a request from key fits in its window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.lastRefill) >= rl.window {
		if !ok && len(rl.buckets) >= rl.maxKeys {
			rl.evictLocked(now)
		}
		rl.buckets[key] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return true
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// evictLocked drops windows that have expired; stale keys are otherwise kept until the cap is hit.
func (rl *RateLimiter) evictLocked(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) >= rl.window {
			delete(rl.buckets, key)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, &ErrorResponse{
				Code:    callerr.KindInvalidInput,
				Message: "too many requests; try again shortly",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses RemoteAddr only; X-Forwarded-For is client controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
