package authx

import (
	"context"
	"strings"
)

// Principal is the verified caller of a request.
type Principal struct {
	Subject string
	Name    string
	Roles   []string
	// Tenants the token is scoped to. Empty means the token carries no tenant restriction.
	Tenants []string
}

// HasAnyRole reports whether the caller holds at least one of roles.
func (p Principal) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

func (p Principal) AllowsTenant(tenantID string) bool {
	if len(p.Tenants) == 0 {
		return true
	}
	for _, t := range p.Tenants {
		if strings.EqualFold(t, tenantID) {
			return true
		}
	}
	return false
}

type principalKey struct{}

type serviceKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ServiceContext marks ctx as running on behalf of an internal consumer
// rather than a verified token holder.
func ServiceContext(ctx context.Context, service string) context.Context {
	ctx = context.WithValue(ctx, serviceKey{}, service)
	return WithPrincipal(ctx, Principal{Subject: "service:" + service, Name: service})
}

func IsService(ctx context.Context) bool {
	name, ok := ctx.Value(serviceKey{}).(string)
	return ok && name != ""
}
