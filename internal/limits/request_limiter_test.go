package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLimiterAllowsUpToBudget(t *testing.T) {
	l := NewRequestLimiter(3, time.Minute, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Consume("k").Allowed, "request %d", i)
	}

	d := l.Consume("k")
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestRequestLimiterKeysAreIndependent(t *testing.T) {
	l := NewRequestLimiter(1, time.Minute, zerolog.Nop())
	defer l.Stop()

	assert.True(t, l.Consume("ip:1.2.3.4").Allowed)
	assert.False(t, l.Consume("ip:1.2.3.4").Allowed)

	// A fresh key (post-login user bucket) has a full budget.
	assert.True(t, l.Consume("user:alice").Allowed)
}

func TestRequestLimiterWindowRollover(t *testing.T) {
	l := NewRequestLimiter(1, 30*time.Millisecond, zerolog.Nop())
	defer l.Stop()

	assert.True(t, l.Consume("k").Allowed)
	assert.False(t, l.Consume("k").Allowed)

	time.Sleep(40 * time.Millisecond)
	assert.True(t, l.Consume("k").Allowed, "budget resets after the window elapses")
}

func TestRequestLimiterNilAlwaysAllows(t *testing.T) {
	var l *RequestLimiter
	assert.True(t, l.Consume("anything").Allowed)
	l.Stop() // no-op
}

func TestConnGuardPerIPCap(t *testing.T) {
	g := NewConnGuard(ConnGuardConfig{MaxPerIP: 2, IPBurst: 100, IPRate: 100, GlobalBurst: 100, GlobalRate: 100, Logger: zerolog.Nop()})
	defer g.Stop()

	assert.True(t, g.Admit("10.0.0.1"))
	assert.True(t, g.Admit("10.0.0.1"))
	assert.False(t, g.Admit("10.0.0.1"), "third live connection exceeds the cap")
	assert.True(t, g.Admit("10.0.0.2"), "cap is per IP")

	g.Release("10.0.0.1")
	assert.True(t, g.Admit("10.0.0.1"), "slot freed by release")
}

func TestConnGuardRateLimitsUpgrades(t *testing.T) {
	g := NewConnGuard(ConnGuardConfig{IPBurst: 2, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 100, Logger: zerolog.Nop()})
	defer g.Stop()

	assert.True(t, g.Admit("10.0.0.9"))
	assert.True(t, g.Admit("10.0.0.9"))
	assert.False(t, g.Admit("10.0.0.9"), "burst exhausted")
}
