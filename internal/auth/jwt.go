package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set understood by the gateway's bundled
// validator.
type Claims struct {
	Roles    []string       `json:"roles,omitempty"`
	Metadata map[string]any `json:"meta,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 tokens into sessions. It is a ready-made
// ValidateFunc source for deployments that mint tokens elsewhere.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator for tokens signed with secret.
// issuer is enforced when non-empty.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// Validate implements ValidateFunc. Invalid or expired tokens return
// (nil, nil); the caller maps that to UNAUTHORIZED.
func (v *JWTValidator) Validate(_ context.Context, token string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, nil
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, nil
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, nil
	}

	sess := &Session{
		UserID:   claims.Subject,
		Roles:    claims.Roles,
		Metadata: claims.Metadata,
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// Mint signs a token for the given identity. Used by tests and by
// deployments that let the gateway issue its own tokens.
func (v *JWTValidator) Mint(userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
