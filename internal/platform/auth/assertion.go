package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/fhir-mcp/internal/platform/keys"
)

const (
	// ClientAssertionType is the RFC 7523 client assertion type URN.
	ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// MaxAssertionLifetime is the longest exp - iat accepted by SMART backend
	// services servers.
	MaxAssertionLifetime = 5 * time.Minute
)

// ClientAssertion is a signed JWT presented in place of a client secret.
// It is built fresh for every exchange and never reused.
type ClientAssertion struct {
	Token     string
	ID        string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AssertionBuilder signs client assertions for one token endpoint.
type AssertionBuilder struct {
	audience string
	lifetime time.Duration
	now      func() time.Time
	newID    func() string
}

// AssertionOption configures an AssertionBuilder.
type AssertionOption func(*AssertionBuilder)

// WithAssertionLifetime sets exp - iat. Values outside (0, 5m] fall back to 5m.
func WithAssertionLifetime(d time.Duration) AssertionOption {
	return func(b *AssertionBuilder) {
		b.lifetime = d
	}
}

// WithAssertionClock overrides the time source.
func WithAssertionClock(now func() time.Time) AssertionOption {
	return func(b *AssertionBuilder) {
		b.now = now
	}
}

// WithAssertionIDs overrides the jti generator.
func WithAssertionIDs(newID func() string) AssertionOption {
	return func(b *AssertionBuilder) {
		b.newID = newID
	}
}

// NewAssertionBuilder creates a builder whose assertions are addressed to
// tokenURL.
func NewAssertionBuilder(tokenURL string, opts ...AssertionOption) *AssertionBuilder {
	b := &AssertionBuilder{
		audience: tokenURL,
		lifetime: MaxAssertionLifetime,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.lifetime <= 0 || b.lifetime > MaxAssertionLifetime {
		b.lifetime = MaxAssertionLifetime
	}
	return b
}

// Build signs a new assertion for id per RFC 7523 / SMART App Launch v2
// backend services:
//   - iss == sub == client_id
//   - aud == token endpoint URL
//   - unique jti
//   - exp no more than 5 minutes after iat
//
// The kid header names the key in the client's published JWKS.
func (b *AssertionBuilder) Build(id *keys.Identity) (*ClientAssertion, error) {
	if id == nil || id.PrivateKey == nil {
		return nil, &KeySigningError{Err: fmt.Errorf("no private key loaded")}
	}

	alg, err := id.Algorithm()
	if err != nil {
		return nil, &KeySigningError{KeyID: id.KeyID, Err: err}
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, &KeySigningError{KeyID: id.KeyID, Algorithm: alg, Err: fmt.Errorf("algorithm not available")}
	}

	now := b.now().UTC().Truncate(time.Second)
	exp := now.Add(b.lifetime)
	jti := b.newID()

	claims := jwt.MapClaims{
		"iss": id.ClientID,
		"sub": id.ClientID,
		"aud": b.audience,
		"jti": jti,
		"iat": jwt.NewNumericDate(now),
		"nbf": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(exp),
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = id.KeyID

	signed, err := token.SignedString(id.PrivateKey)
	if err != nil {
		return nil, &KeySigningError{KeyID: id.KeyID, Algorithm: alg, Err: err}
	}

	return &ClientAssertion{
		Token:     signed,
		ID:        jti,
		Audience:  b.audience,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}
