package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "teamboard"

// Claims represents JWT claims used across the service.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithIssuerClock overrides the time source, mostly for tests.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(t *TokenIssuer) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(t *TokenIssuer) {
		if name = strings.TrimSpace(name); name != "" {
			t.issuer = name
		}
	}
}

func NewTokenIssuer(secret string, ttl time.Duration, opts ...IssuerOption) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be greater than zero")
	}
	t := &TokenIssuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs a token for actor. Inactive actors cannot receive tokens.
func (t *TokenIssuer) Issue(actor *Actor) (string, time.Time, error) {
	if actor == nil || strings.TrimSpace(actor.ID) == "" {
		return "", time.Time{}, errors.New("actor id is required")
	}
	if !actor.Active {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if !actor.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, actor.Role)
	}
	now := t.now().UTC()
	expires := now.Add(t.ttl)
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies the token signature and required claims.
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticator checks credentials against the user directory.
type Authenticator struct {
	dir Directory
}

func NewAuthenticator(dir Directory) *Authenticator {
	return &Authenticator{dir: dir}
}

// Authenticate returns the active actor owning email if password matches.
// Unknown emails, inactive accounts and wrong passwords are indistinguishable.
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (*Actor, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	actor, err := a.dir.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !actor.Active {
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(actor.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return actor, nil
}

// Resolve loads the current state of the actor named by claims. Role and
// activity come from the directory, never from the token alone.
func (a *Authenticator) Resolve(ctx context.Context, claims *Claims) (*Actor, error) {
	if claims == nil {
		return nil, ErrUnauthenticated
	}
	actor, err := a.dir.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !actor.Active {
		return nil, ErrUnauthenticated
	}
	return actor, nil
}
