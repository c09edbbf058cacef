// Package auth: JWT session tokens.
//
// WHY JWT?
// A JWT (JSON Web Token) is a self-contained, signed token. The server signs
// it with a secret key when the user logs in. On subsequent requests, the
// server verifies the signature: no database lookup needed to authenticate.
//
// Structure (3 base64url parts separated by dots):
//
//	header.payload.signature
//	  │       │         └─ HMAC-SHA256(header + "." + payload, secret)
//	  │       └─ {"sub":"42","exp":1234567890,"iat":...,"iss":"code-aura","jti":"..."}
//	  └─ {"alg":"HS256","typ":"JWT"}
//
// IMPORTANT: the payload is only base64-encoded, NOT encrypted.
// Anyone can decode it. Never put sensitive data in JWT claims.
//
// REVOCATION:
// A signed token stays valid until it expires. Logging out therefore records
// the token's jti in a denylist, and Verify consults that list. Entries only
// need to live as long as the token would have.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/repository"
)

// DefaultTokenTTL is how long a session token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// DefaultIssuer is the iss claim stamped into every token.
const DefaultIssuer = "code-aura"

// TokenService issues and verifies signed session tokens.
// The secret is loaded once at startup and never changes at runtime.
type TokenService struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	denylist repository.TokenDenylist
}

// TokenOption customises a TokenService.
type TokenOption func(*TokenService)

// WithTTL overrides the default 24h validity window.
func WithTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithDenylist enables revocation checks in Verify and makes Revoke work.
func WithDenylist(d repository.TokenDenylist) TokenOption {
	return func(s *TokenService) {
		s.denylist = d
	}
}

// NewTokenService creates a TokenService with the given HMAC secret.
//
// The secret must be at least 16 characters. For HS256, the recommended
// minimum is 32 bytes (256 bits) of random data. Generate one with:
//
//	openssl rand -base64 32
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}

	s := &TokenService{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		ttl:    DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the validity window of issued tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Claims is what a verified token tells us about the caller.
type Claims struct {
	UserID    int64
	TokenID   string // jti, used as the denylist key
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issue creates a signed token for userID valid for the configured window.
func (s *TokenService) Issue(userID int64) (string, time.Time, error) {
	return s.IssueWithDuration(userID, s.ttl)
}

// IssueWithDuration creates a signed token valid for d.
// Tests pass a negative d to mint an already-expired token.
func (s *TokenService) IssueWithDuration(userID int64, d time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(d)

	c := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Issuer:    s.issuer,
		ID:        xid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify parses and validates a token string.
//
// Failures are reported as:
//   - apperror.ErrExpired      : signature fine, but past exp
//   - apperror.ErrInvalidToken : anything else wrong with the token, or revoked
//
// A denylist lookup error is returned as-is (the caller answers 500); we do
// not treat "couldn't check" as "not revoked".
func (s *TokenService) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			// CRITICAL: verify the signing method!
			// Without this, an attacker could switch alg to "none" or to an
			// asymmetric algorithm and trick the parser.
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperror.Expired()
		}
		return nil, apperror.InvalidToken("invalid token")
	}

	rc, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, apperror.InvalidToken("invalid token claims")
	}

	userID, err := strconv.ParseInt(rc.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, apperror.InvalidToken("token has no valid subject")
	}

	claims := &Claims{
		UserID:    userID,
		TokenID:   rc.ID,
		ExpiresAt: rc.ExpiresAt.Time,
	}
	if rc.IssuedAt != nil {
		claims.IssuedAt = rc.IssuedAt.Time
	}

	if s.denylist != nil && claims.TokenID != "" {
		revoked, err := s.denylist.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			return nil, fmt.Errorf("auth: checking token revocation: %w", err)
		}
		if revoked {
			return nil, apperror.InvalidToken("token has been revoked")
		}
	}

	return claims, nil
}

// Revoke denylists a verified token until its natural expiry.
func (s *TokenService) Revoke(ctx context.Context, claims *Claims) error {
	if s.denylist == nil {
		return errors.New("auth: token revocation is not configured")
	}
	if claims.TokenID == "" {
		return apperror.InvalidToken("token cannot be revoked")
	}
	if err := s.denylist.Revoke(ctx, claims.TokenID, claims.ExpiresAt); err != nil {
		return fmt.Errorf("auth: revoking token: %w", err)
	}
	return nil
}
