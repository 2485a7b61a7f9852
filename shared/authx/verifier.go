package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

type VerifierConfig struct {
	Issuer    string
	Audience  string
	JWKSURL   string
	Refresh   time.Duration
	ClockSkew time.Duration
	Client    *http.Client
}

// JWTVerifier checks bearer tokens against the issuer's JWKS. Keys are kept in
// a jwk.Cache that refreshes in the background for the lifetime of the ctx
// given to NewJWTVerifier.
type JWTVerifier struct {
	url    string
	keys   *jwk.Cache
	parser *jwt.Parser
	// an unknown kid forces at most one refetch per refresh interval
	refresh    time.Duration
	mu         sync.Mutex
	lastForced time.Time
}

func NewJWTVerifier(ctx context.Context, cfg VerifierConfig) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		url = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = 5 * time.Minute
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}

	keys := jwk.NewCache(ctx)
	if err := keys.Register(url, jwk.WithMinRefreshInterval(cfg.Refresh), jwk.WithHTTPClient(cfg.Client)); err != nil {
		return nil, fmt.Errorf("register jwks %s: %w", url, err)
	}

	return &JWTVerifier{
		url:     url,
		keys:    keys,
		refresh: cfg.Refresh,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(cfg.ClockSkew),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Principal{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return principalFromClaims(claims)
}

func (v *JWTVerifier) key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := v.keys.Get(ctx, v.url)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		if !v.mayForceRefresh() {
			return nil, ErrUnknownKID
		}
		if set, err = v.keys.Refresh(ctx, v.url); err != nil {
			return nil, err
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, ErrUnknownKID
		}
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (v *JWTVerifier) mayForceRefresh() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if time.Since(v.lastForced) < v.refresh {
		return false
	}
	v.lastForced = time.Now()
	return true
}
