package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/authx"
	"device-operation-management/shared/httpx"
	"device-operation-management/shared/tenantx"
)

type TenantLookup interface {
	GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error)
}

// TenantMiddleware scopes a request to the tenant named by X-Tenant-ID or
// X-Tenant-Slug. When both are sent they must name the same tenant, and a
// token scoped to tenants must include it.
type TenantMiddleware struct {
	Tenants TenantLookup
	Skip    func(*http.Request) bool
}

type tenantRejection struct {
	status  int
	code    string
	message string
}

func reject(status int, code string, message string) *tenantRejection {
	return &tenantRejection{status: status, code: code, message: message}
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		tenant, rej := m.resolve(r)
		if rej == nil {
			if p, ok := authx.FromContext(r.Context()); ok && !authx.IsService(r.Context()) && !p.AllowsTenant(tenant.ID) {
				rej = reject(http.StatusForbidden, "FORBIDDEN", "token is not scoped to this tenant")
			}
		}
		if rej != nil {
			httpx.WriteError(w, r, rej.status, rej.code, rej.message, nil)
			return
		}

		httpx.Annotate(r.Context(), slog.String("tenant_id", tenant.ID))
		next.ServeHTTP(w, r.WithContext(tenantx.WithTenant(r.Context(), tenant)))
	})
}

func (m TenantMiddleware) resolve(r *http.Request) (tenantx.TenantContext, *tenantRejection) {
	rawID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	slug := strings.TrimSpace(r.Header.Get("X-Tenant-Slug"))

	var id uuid.UUID
	if rawID != "" {
		parsed, err := uuid.Parse(rawID)
		if err != nil {
			return tenantx.TenantContext{}, reject(http.StatusBadRequest, "INVALID_ARGUMENT", "tenant id must be a uuid")
		}
		id = parsed
	}

	switch {
	case slug != "":
		if m.Tenants == nil {
			return tenantx.TenantContext{}, reject(http.StatusServiceUnavailable, "FAILED_PRECONDITION", "tenant repository not configured")
		}
		record, err := m.Tenants.GetTenantBySlug(r.Context(), slug)
		if errors.Is(err, models.ErrNotFound) {
			return tenantx.TenantContext{}, reject(http.StatusNotFound, "NOT_FOUND", "tenant not found")
		}
		if err != nil {
			return tenantx.TenantContext{}, reject(http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve tenant")
		}
		if rawID != "" && id != record.TenantID {
			return tenantx.TenantContext{}, reject(http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		}
		return tenantx.TenantContext{ID: record.TenantID.String(), Slug: record.Slug}, nil
	case rawID != "":
		return tenantx.TenantContext{ID: id.String()}, nil
	default:
		return tenantx.TenantContext{}, reject(http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant header")
	}
}
