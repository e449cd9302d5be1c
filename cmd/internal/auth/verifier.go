// Package auth wraps the platform's token-issuance service for the
// collaboration engine: it turns a bearer credential into an identity plus
// expiry, honoring revocations. Token issuance itself lives elsewhere.
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

var (
	// ErrTokenInvalid is returned when a credential fails parsing or
	// signature verification, or carries malformed claims.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrTokenExpired is returned for structurally valid but expired tokens.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenRevoked is returned when the revocation list matches.
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrConfig is returned for invalid verifier configuration.
	ErrConfig = errors.New("auth: invalid config")
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	UserID   uuid.UUID
	Username string
	Role     string
}

// Verifier turns a bearer credential into an identity and its expiry.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, time.Time, error)
}

// JWTVerifier validates HS256 bearer tokens issued by the auth service and
// consults a Revoker so logged-out tokens die before their expiry.
type JWTVerifier struct {
	secret  []byte
	issuer  string
	revoker Revoker
}

// JWTOption configures optional verifier dependencies.
type JWTOption func(*JWTVerifier)

// WithRevoker attaches a revocation list. Without one, only signature and
// expiry are checked.
func WithRevoker(r Revoker) JWTOption {
	return func(v *JWTVerifier) {
		if v == nil || r == nil {
			return
		}
		v.revoker = r
	}
}

// NewJWTVerifier constructs a verifier. The secret must be at least 32 bytes.
func NewJWTVerifier(secret []byte, issuer string, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: secret too short", ErrConfig)
	}

	v := &JWTVerifier{
		secret: secret,
		issuer: strings.TrimSpace(issuer),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(v)
	}
	return v, nil
}

type accessClaims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates the credential, then checks revocation.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (Identity, time.Time, error) {
	if v == nil {
		return Identity{}, time.Time{}, ErrConfig
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, time.Time{}, ErrTokenInvalid
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, time.Time{}, err
	}

	var claims accessClaims
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, time.Time{}, ErrTokenExpired
		}
		return Identity{}, time.Time{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return Identity{}, time.Time{}, ErrTokenInvalid
	}

	userID, err := uuid.Parse(strings.TrimSpace(claims.Subject))
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	if claims.ExpiresAt == nil {
		return Identity{}, time.Time{}, fmt.Errorf("%w: missing exp", ErrTokenInvalid)
	}

	if v.revoker != nil {
		revoked, err := v.revoker.IsRevoked(ctx, credential)
		if err != nil {
			return Identity{}, time.Time{}, fmt.Errorf("auth: revocation check: %w", err)
		}
		if revoked {
			return Identity{}, time.Time{}, ErrTokenRevoked
		}
	}

	id := Identity{
		UserID:   userID,
		Username: strings.TrimSpace(claims.Username),
		Role:     strings.TrimSpace(claims.Role),
	}
	return id, claims.ExpiresAt.Time, nil
}
