// Package authjwt is a concrete TokenVerifier for
// internal/quictransport.Authenticator, verifying the bearer token presented
// in the auth handshake against a JWK set. JWT issuance remains out of
// scope; this package only verifies tokens minted elsewhere.
package authjwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/ptn1411/giano/internal/quictransport"
)

var (
	// ErrMissingSubject is returned when a token validates but carries no
	// usable "sub" claim to use as the principal id.
	ErrMissingSubject = errors.New("token missing subject claim")
)

// Verifier verifies bearer tokens against a JWK set, fulfilling the
// quictransport.TokenVerifier collaborator interface. Grounded on
// internal/jwtxt/token.go's jwt.ParseString(jwt.WithKeySet(...)) usage.
type Verifier struct {
	set    jwk.Set
	now    func() time.Time
	issuer string
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the clock used for expiration checks; defaults to
// time.Now. Present for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithIssuer requires the token's "iss" claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

// New builds a Verifier that checks tokens against set.
func New(set jwk.Set, opts ...Option) *Verifier {
	v := &Verifier{set: set, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// FetchKeySet retrieves a JWK set from a well-known JWKS endpoint, for
// wiring New() in the demo binary.
func FetchKeySet(ctx context.Context, url string) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching JWK set: %w", err)
	}
	return set, nil
}

// Verify parses and validates token, mapping jwx failures onto the
// quictransport auth error taxonomy so the Authenticator can translate them
// into the wire-level TOKEN_EXPIRED/INVALID_TOKEN codes.
func (v *Verifier) Verify(_ context.Context, token string) (quictransport.VerifiedIdentity, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.set, jws.WithRequireKid(false), jws.WithInferAlgorithmFromKey(true)),
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithValidate(true),
		jwt.WithRequiredClaim("sub"),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseString(token, parseOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return quictransport.VerifiedIdentity{}, fmt.Errorf("%w: %w", quictransport.ErrTokenExpired, err)
		}
		return quictransport.VerifiedIdentity{}, fmt.Errorf("%w: %w", quictransport.ErrInvalidToken, err)
	}

	if parsed.Subject() == "" {
		return quictransport.VerifiedIdentity{}, fmt.Errorf("%w: %w", quictransport.ErrInvalidToken, ErrMissingSubject)
	}
	principal, err := quictransport.ParsePrincipal(parsed.Subject())
	if err != nil {
		return quictransport.VerifiedIdentity{}, fmt.Errorf("%w: subject is not a valid principal id: %w", quictransport.ErrInvalidToken, err)
	}

	displayName := parsed.Subject()
	if nameClaim, ok := parsed.Get("name"); ok {
		if s, ok := nameClaim.(string); ok && s != "" {
			displayName = s
		}
	}

	return quictransport.VerifiedIdentity{Principal: principal, DisplayName: displayName}, nil
}
