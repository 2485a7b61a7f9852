package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/authx"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/tenantx"
)

type slugLookup map[string]models.Tenant

func (l slugLookup) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	t, ok := l[slug]
	if !ok {
		return models.Tenant{}, models.ErrNotFound
	}
	return t, nil
}

func TestTenantMiddlewareResolvesSlug(t *testing.T) {
	id := uuid.New()
	mw := TenantMiddleware{Tenants: slugLookup{"acme": {TenantID: id, Slug: "acme"}}}
	var got string
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = tenantx.TenantIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
	req.Header.Set("X-Tenant-Slug", "acme")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || got != id.String() {
		t.Fatalf("expected tenant %s, got %q (status %d)", id, got, rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
	req.Header.Set("X-Tenant-Slug", "missing")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown slug, got %d", rr.Code)
	}
}

func TestTenantMiddlewareRejectsBadID(t *testing.T) {
	h := TenantMiddleware{}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
	req.Header.Set("X-Tenant-ID", "not-a-uuid")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTenantMiddlewareChecksTokenScope(t *testing.T) {
	id := uuid.New()
	h := TenantMiddleware{}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
	req.Header.Set("X-Tenant-ID", id.String())
	ctx := authx.WithPrincipal(req.Context(), authx.Principal{Subject: "u1", Tenants: []string{uuid.NewString()}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(ctx))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole([]string{"admin"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	cases := []struct {
		auth *authx.Principal
		want int
	}{
		{nil, http.StatusUnauthorized},
		{&authx.Principal{Subject: "u1", Roles: []string{"viewer"}}, http.StatusForbidden},
		{&authx.Principal{Subject: "u1", Roles: []string{"Admin"}}, http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/devices", nil)
		if tc.auth != nil {
			req = req.WithContext(authx.WithPrincipal(req.Context(), *tc.auth))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("auth %+v: expected %d, got %d", tc.auth, tc.want, rr.Code)
		}
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "BEARER abc")
	if tok, ok := bearerToken(req); !ok || tok != "abc" {
		t.Fatalf("expected abc, got %q %v", tok, ok)
	}
	req.Header.Set("Authorization", "Bearer ")
	if _, ok := bearerToken(req); ok {
		t.Fatalf("expected empty token to be rejected")
	}
}

func TestRateLimitKeyPrefersSubject(t *testing.T) {
	tenant := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	ctx := tenantx.WithTenant(req.Context(), tenantx.TenantContext{ID: tenant})
	if got := rateLimitKey(req.WithContext(ctx)); got != tenant+"|ip:10.0.0.1" {
		t.Fatalf("unexpected anonymous key %q", got)
	}
	ctx = authx.WithPrincipal(ctx, authx.Principal{Subject: "device-7"})
	if got := rateLimitKey(req.WithContext(ctx)); got != tenant+"|device-7" {
		t.Fatalf("unexpected subject key %q", got)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	l := NewRateLimiter(0.001, 2, 0)
	if !l.Allow("k") || !l.Allow("k") {
		t.Fatalf("expected burst of two")
	}
	if l.Allow("k") {
		t.Fatalf("expected third request to be limited")
	}
	if !l.Allow("other") {
		t.Fatalf("expected independent bucket per key")
	}
}

func TestResourceFromPath(t *testing.T) {
	cases := []struct {
		path     string
		resource string
		id       string
	}{
		{"/api/v1/operations/42", "operations", "42"},
		{"/api/v1/operations", "operations", ""},
		{"/api/v1/activities/ACTIVITY_7", "activities", "ACTIVITY_7"},
		{"/api/v1/activities/count", "activities", ""},
		{"/api/v1/devices/android/d1/operations/9", "operations", "9"},
		{"/api/v1/devices/android/d1/operations/pending", "operations", ""},
		{"/api/v1/admin/devices/android/d1", "devices", "android/d1"},
		{"/healthz", "", ""},
	}
	for _, tc := range cases {
		resource, id := resourceFromPath(tc.path)
		gotResource, gotID := "", ""
		if resource != nil {
			gotResource = *resource
		}
		if id != nil {
			gotID = *id
		}
		if gotResource != tc.resource || gotID != tc.id {
			t.Fatalf("%s: got (%q, %q), want (%q, %q)", tc.path, gotResource, gotID, tc.resource, tc.id)
		}
	}
}

type fakePinger struct {
	err   error
	calls int
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.calls++
	return p.err
}

func TestDBRequiredCachesSuccessfulPing(t *testing.T) {
	pinger := &fakePinger{}
	mw := &DBRequiredMiddleware{Pool: pinger}
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}
	if pinger.calls != 1 {
		t.Fatalf("expected one ping, got %d", pinger.calls)
	}

	down := &DBRequiredMiddleware{Pool: &fakePinger{err: errors.New("down")}}
	rr := httptest.NewRecorder()
	down.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRateLimitMiddlewareSetsRetryAfter(t *testing.T) {
	mw := RateLimitMiddleware{Limiter: NewRateLimiter(0.5, 1, 0)}
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
	req.RemoteAddr = "10.0.0.9:1000"

	h.ServeHTTP(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected 429 with Retry-After 2, got %d %q", rr.Code, rr.Header().Get("Retry-After"))
	}
}

type batchWriter struct {
	mu      sync.Mutex
	batches [][]models.AuditLog
}

func (b *batchWriter) WriteAuditLog(ctx context.Context, entries []models.AuditLog) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, entries)
	return nil
}

func TestAuditSinkDrainsOnShutdown(t *testing.T) {
	w := &batchWriter{}
	sink := NewAuditSink(w, logx.Discard(), 8)
	for i := 0; i < 3; i++ {
		if !sink.Enqueue(models.AuditLog{Action: "read"}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	total := 0
	for _, b := range w.batches {
		total += len(b)
	}
	if total != 3 {
		t.Fatalf("expected 3 entries written, got %d in %d batches", total, len(w.batches))
	}
}

func TestAuditSinkDropsWhenFull(t *testing.T) {
	sink := NewAuditSink(&batchWriter{}, logx.Discard(), 1)
	if !sink.Enqueue(models.AuditLog{}) {
		t.Fatalf("first entry should fit")
	}
	if sink.Enqueue(models.AuditLog{}) {
		t.Fatalf("second entry should be dropped")
	}
}

type captureRecorder struct {
	entries []models.AuditLog
}

func (c *captureRecorder) Enqueue(entry models.AuditLog) bool {
	c.entries = append(c.entries, entry)
	return true
}

func TestAuditMiddlewareRecordsDispatch(t *testing.T) {
	rec := &captureRecorder{}
	tenant := uuid.New()
	h := AuditMiddleware{Enabled: true, Sink: rec}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", nil)
	ctx := tenantx.WithTenant(req.Context(), tenantx.TenantContext{ID: tenant.String()})
	ctx = authx.WithPrincipal(ctx, authx.Principal{Subject: "ops-1"})
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	if len(rec.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(rec.entries))
	}
	e := rec.entries[0]
	if e.Action != "dispatch" || e.TenantID != tenant || e.Subject != "ops-1" || e.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected entry %#v", e)
	}
}
