package monitoring

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogRecentNewestFirst(t *testing.T) {
	a := NewAuditLog(10, zerolog.Nop())
	for i := 0; i < 3; i++ {
		a.Record(AuditEntry{Event: fmt.Sprintf("e%d", i)})
	}

	got := a.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].Event)
	assert.Equal(t, "e1", got[1].Event)
	assert.False(t, got[0].Time.IsZero())
}

func TestAuditLogWrapsAround(t *testing.T) {
	a := NewAuditLog(4, zerolog.Nop())
	for i := 0; i < 6; i++ {
		a.Record(AuditEntry{Event: fmt.Sprintf("e%d", i)})
	}

	got := a.Recent(10)
	require.Len(t, got, 4, "capacity bounds the history")
	assert.Equal(t, "e5", got[0].Event)
	assert.Equal(t, "e2", got[3].Event)
}

func TestNilAuditLogIsSilent(t *testing.T) {
	var a *AuditLog
	a.Record(AuditEntry{Event: "ignored"})
	assert.Nil(t, a.Recent(5))
}

func TestMetricsRegistryIsolated(t *testing.T) {
	// Two instances must not collide on registration.
	m1 := NewMetrics()
	m2 := NewMetrics()
	m1.ConnectionsTotal.Inc()
	m2.ConnectionsTotal.Inc()
	require.NotNil(t, m1.Handler())
}
