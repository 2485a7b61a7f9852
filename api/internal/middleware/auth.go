package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"device-operation-management/shared/authx"
	"device-operation-management/shared/httpx"
)

// TokenVerifier is satisfied by *authx.JWTVerifier.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (authx.Principal, error)
}

type AuthMiddleware struct {
	Verifier TokenVerifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "token verification not configured", nil)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="devices"`)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		principal, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}

		httpx.Annotate(r.Context(), slog.String("subject", principal.Subject))
		next.ServeHTTP(w, r.WithContext(authx.WithPrincipal(r.Context(), principal)))
	})
}

// RequireRole guards admin routes. It must run after AuthMiddleware.
func RequireRole(roles []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing credentials", nil)
			return
		}
		if !principal.HasAnyRole(roles...) {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient role", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
