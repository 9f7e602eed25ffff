package auth

import (
	"context"
	"time"
)

// Session is the authenticated identity attached to a connection after a
// successful login. A zero ExpiresAt means the session never expires.
type Session struct {
	UserID    string
	Roles     []string
	Metadata  map[string]any
	ExpiresAt time.Time
}

// Expired reports whether the session's expiry has elapsed. Expiry is
// checked on every request, not only at login.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// HasRole reports whether the session carries the given role name.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ValidateFunc turns a bearer token into a session. Returning (nil, nil)
// means the token is invalid; an error means the validator itself failed.
type ValidateFunc func(ctx context.Context, token string) (*Session, error)
