package tenantx

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrMissingTenant = errors.New("missing tenant")

type contextKey struct{}

type TenantContext struct {
	ID   string
	Slug string
}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return WithTenant(ctx, TenantContext{ID: tenantID.String()})
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TenantContext); ok {
			return t, true
		}
	}
	return TenantContext{}, false
}

func TenantIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return ""
}

// UUIDFromContext parses the tenant id carried by ctx.
func UUIDFromContext(ctx context.Context) (uuid.UUID, error) {
	raw := strings.TrimSpace(TenantIDFromContext(ctx))
	if raw == "" {
		return uuid.Nil, ErrMissingTenant
	}
	return uuid.Parse(raw)
}
