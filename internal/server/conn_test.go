package server

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-rt/gateway/internal/store/memory"
)

// newIdleConn builds a connection whose loops never run, so the
// outbound channel can be inspected directly.
func newIdleConn(t *testing.T) *Conn {
	t.Helper()
	g, err := New(Options{Store: memory.New(zerolog.Nop()), Logger: zerolog.Nop()})
	require.NoError(t, err)

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return newConn(1, g, server, "127.0.0.1")
}

func TestBackpressureGateDropsPushes(t *testing.T) {
	c := newIdleConn(t)
	bp := c.gw.opts.Backpressure
	threshold := int64(float64(bp.MaxBufferedBytes) * bp.HighWaterMark)

	atomic.StoreInt64(&c.pendingBytes, threshold)
	c.EnqueuePush("subscription", "sub-1", []any{})
	assert.Empty(t, c.outbound, "push at the high-water mark is dropped")
	assert.Equal(t, threshold, atomic.LoadInt64(&c.pendingBytes), "dropped push leaves no accounting residue")

	atomic.StoreInt64(&c.pendingBytes, 0)
	c.EnqueuePush("subscription", "sub-1", []any{})
	require.Len(t, c.outbound, 1)
	assert.Positive(t, atomic.LoadInt64(&c.pendingBytes))

	// Request/response traffic never drops, gate or no gate.
	atomic.StoreInt64(&c.pendingBytes, threshold+1)
	c.send(ws.OpText, []byte(`{"id":1,"type":"result","data":null}`))
	assert.Len(t, c.outbound, 2)
}

func TestPushBlocksOnFullQueueBelowGate(t *testing.T) {
	c := newIdleConn(t)
	for i := 0; i < cap(c.outbound); i++ {
		c.outbound <- outFrame{op: ws.OpText}
	}

	done := make(chan struct{})
	go func() {
		c.EnqueuePush("subscription", "sub-1", map[string]any{"n": 1})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("push completed against a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	<-c.outbound
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not land after the queue drained")
	}
	assert.Len(t, c.outbound, cap(c.outbound))
}

func TestBlockedPushReleasedOnClose(t *testing.T) {
	c := newIdleConn(t)
	for i := 0; i < cap(c.outbound); i++ {
		c.outbound <- outFrame{op: ws.OpText}
	}

	done := make(chan struct{})
	go func() {
		c.EnqueuePush("subscription", "sub-1", map[string]any{"n": 1})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	c.closeWith(ws.StatusNormalClosure, reasonNormalClosure)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not release the blocked push")
	}
	assert.Zero(t, atomic.LoadInt64(&c.pendingBytes))
}
