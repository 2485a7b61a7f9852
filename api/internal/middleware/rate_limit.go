package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"device-operation-management/shared/authx"
	"device-operation-management/shared/httpx"
	"device-operation-management/shared/tenantx"
)

type RateLimitMiddleware struct {
	Limiter *RateLimiter
	Skip    func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Limiter.Allow(rateLimitKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(m.Limiter.retryAfterSeconds()))
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter keeps one token bucket per key. Buckets idle for longer than
// ttl are dropped on the next sweep.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int, ttl time.Duration) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		buckets: make(map[string]*bucket),
	}
}

func (l *RateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (l *RateLimiter) retryAfterSeconds() int {
	return int(math.Ceil(1 / float64(l.limit)))
}

// rateLimitKey buckets authenticated callers per tenant and subject so that
// devices polling behind one NAT do not share a budget. Anonymous callers
// fall back to their address.
func rateLimitKey(r *http.Request) string {
	tenantID := tenantx.TenantIDFromContext(r.Context())
	if p, ok := authx.FromContext(r.Context()); ok && p.Subject != "" {
		return tenantID + "|" + p.Subject
	}
	ip := httpx.ClientIP(r)
	if ip == "" {
		ip = "unknown"
	}
	return tenantID + "|ip:" + ip
}
