package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"device-operation-management/shared/httpx"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBRequiredMiddleware rejects requests while the database is unconfigured
// or unreachable. Reachability is re-checked at most once per Interval.
type DBRequiredMiddleware struct {
	Pool     Pinger
	Interval time.Duration
	Skip     func(*http.Request) bool

	lastOK atomic.Int64
}

func (m *DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Pool == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
			return
		}
		if !m.reachable(r.Context()) {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database unavailable", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *DBRequiredMiddleware) reachable(ctx context.Context) bool {
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	if now-m.lastOK.Load() < int64(interval) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.Pool.Ping(ctx); err != nil {
		return false
	}
	m.lastOK.Store(now)
	return true
}
