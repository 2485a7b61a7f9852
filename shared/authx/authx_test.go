package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestListClaimMergesAndDedups(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator"},
		"scp":   "read operator",
	}
	roles := listClaim(claims, "roles", "scp")
	if len(roles) != 3 || roles[0] != "admin" || roles[2] != "read" {
		t.Fatalf("unexpected roles %v", roles)
	}
}

func TestPrincipalFromClaimsRequiresSubject(t *testing.T) {
	if _, err := principalFromClaims(map[string]any{"name": "x"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	p, err := principalFromClaims(map[string]any{"sub": "u1", "preferred_username": "alice", "tenant_id": "t1"})
	if err != nil || p.Name != "alice" || len(p.Tenants) != 1 {
		t.Fatalf("unexpected principal %#v %v", p, err)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier(context.Background(), VerifierConfig{Audience: "aud"}); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestHasAnyRoleIgnoresCase(t *testing.T) {
	p := Principal{Subject: "u1", Roles: []string{"Operator"}}
	if !p.HasAnyRole("admin", "operator") {
		t.Fatalf("expected operator role to match")
	}
	if p.HasAnyRole("admin") {
		t.Fatalf("unexpected admin match")
	}
}

func TestAllowsTenant(t *testing.T) {
	if !(Principal{}).AllowsTenant("t1") {
		t.Fatalf("unscoped principal should allow any tenant")
	}
	scoped := Principal{Tenants: []string{"t1"}}
	if !scoped.AllowsTenant("t1") || scoped.AllowsTenant("t2") {
		t.Fatalf("unexpected tenant scoping")
	}
}

func TestServiceContext(t *testing.T) {
	ctx := ServiceContext(context.Background(), "consumer")
	p, ok := FromContext(ctx)
	if !ok || !IsService(ctx) || p.Subject != "service:consumer" {
		t.Fatalf("unexpected service principal %#v", p)
	}
	spoofed := WithPrincipal(context.Background(), Principal{Subject: "service:consumer"})
	if IsService(spoofed) {
		t.Fatalf("a token subject alone must not make a service principal")
	}
}

func TestVerifyAgainstJWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		t.Fatalf("jwk: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, "k1"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWTVerifier(ctx, VerifierConfig{Issuer: "https://idp.test", Audience: "devices", JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	sign := func(kid string, claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = kid
		raw, err := token.SignedString(priv)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return raw
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":     "https://idp.test",
		"aud":     "devices",
		"sub":     "operator-1",
		"exp":     now.Add(time.Minute).Unix(),
		"roles":   []string{"operator"},
		"tenants": []string{"t1", "t2"},
	}

	p, err := v.Verify(ctx, sign("k1", claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Subject != "operator-1" || !p.HasAnyRole("operator") || !p.AllowsTenant("t2") || p.AllowsTenant("t3") {
		t.Fatalf("unexpected principal %#v", p)
	}

	if _, err := v.Verify(ctx, sign("other", claims)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unknown kid to be rejected, got %v", err)
	}
	claims["aud"] = "someone-else"
	if _, err := v.Verify(ctx, sign("k1", claims)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected wrong audience to be rejected, got %v", err)
	}
}
