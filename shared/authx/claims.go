package authx

import (
	"fmt"
	"strings"
)

func stringClaim(claims map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// listClaim merges the values of keys. A claim may be a JSON array or a
// space separated string.
func listClaim(claims map[string]any, keys ...string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, key := range keys {
		switch t := claims[key].(type) {
		case nil:
		case string:
			for _, v := range strings.Fields(t) {
				add(v)
			}
		case []string:
			for _, v := range t {
				add(v)
			}
		case []any:
			for _, v := range t {
				add(fmt.Sprint(v))
			}
		default:
			add(fmt.Sprint(t))
		}
	}
	return out
}

func principalFromClaims(claims map[string]any) (Principal, error) {
	subject := stringClaim(claims, "sub")
	if subject == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		Subject: subject,
		Name:    stringClaim(claims, "name", "preferred_username", "client_id"),
		Roles:   listClaim(claims, "roles", "role", "scp", "scope"),
		Tenants: listClaim(claims, "tenant_id", "tenants"),
	}, nil
}
