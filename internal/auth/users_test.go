package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserStoreRegisterAndAuthenticate(t *testing.T) {
	s := NewUserStore("", 0)
	require.NoError(t, s.Register("alice", "s3cret", []string{"write"}, map[string]any{"team": "core"}))

	sess, err := s.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, []string{"write"}, sess.Roles)
	assert.Equal(t, "core", sess.Metadata["team"])
	assert.True(t, sess.ExpiresAt.IsZero())

	_, err = s.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Authenticate("nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.ErrorIs(t, s.Register("alice", "other", nil, nil), ErrUserExists)
}

func TestUserStoreBootstrapAdmin(t *testing.T) {
	s := NewUserStore("super-secret", 0)

	sess, err := s.Authenticate("admin", "super-secret")
	require.NoError(t, err)
	assert.Equal(t, "admin", sess.UserID)
	assert.Equal(t, []string{"admin"}, sess.Roles)

	_, err = s.Authenticate("admin", "guess")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// No bootstrap admin when the secret is unset.
	bare := NewUserStore("", 0)
	_, err = bare.Authenticate("admin", "anything")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserStoreSessionTTL(t *testing.T) {
	s := NewUserStore("", 50*time.Millisecond)
	require.NoError(t, s.Register("bob", "pw", nil, nil))

	sess, err := s.Authenticate("bob", "pw")
	require.NoError(t, err)
	assert.False(t, sess.Expired(time.Now()))
	assert.True(t, sess.Expired(time.Now().Add(time.Second)))
}

func TestJWTValidatorRoundTrip(t *testing.T) {
	v := NewJWTValidator("hmac-secret", "gateway")

	token, err := v.Mint("carol", []string{"read"}, time.Minute)
	require.NoError(t, err)

	sess, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "carol", sess.UserID)
	assert.Equal(t, []string{"read"}, sess.Roles)
	assert.False(t, sess.ExpiresAt.IsZero())
}

func TestJWTValidatorRejectsBadTokens(t *testing.T) {
	v := NewJWTValidator("hmac-secret", "gateway")
	other := NewJWTValidator("different-secret", "gateway")

	token, err := other.Mint("mallory", nil, time.Minute)
	require.NoError(t, err)

	sess, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, sess, "wrong signature yields a nil session, not an error")

	sess, err = v.Validate(context.Background(), "not-a-token")
	require.NoError(t, err)
	assert.Nil(t, sess)

	expired, err := v.Mint("dave", nil, -time.Minute)
	require.NoError(t, err)
	sess, err = v.Validate(context.Background(), expired)
	require.NoError(t, err)
	assert.Nil(t, sess)
}
