package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odin-rt/gateway/internal/auth"
	"github.com/odin-rt/gateway/internal/protocol"
)

const (
	closeHeartbeatTimeout ws.StatusCode = 4001

	reasonNormalClosure    = "normal_closure"
	reasonServerShutdown   = "server_shutdown"
	reasonShuttingDown     = "server_shutting_down"
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonMessageTooLarge  = "message_too_large"
)

type outFrame struct {
	op   ws.OpCode
	data []byte
}

// Conn is one connection actor. All per-connection state (session,
// rate-limit key, heartbeat timing) is mutated only inside run's loop;
// the reader and writer goroutines touch nothing but their channels.
type Conn struct {
	id       int64
	gw       *Gateway
	sock     net.Conn
	remoteIP string
	logger   zerolog.Logger

	session *auth.Session
	rlKey   string

	pingSentAt time.Time
	pongAt     time.Time

	inbound  chan []byte
	outbound chan outFrame

	// pendingBytes approximates the unwritten outbound backlog; the
	// backpressure gate reads it from pump goroutines.
	pendingBytes int64

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   ws.StatusCode
	closeReason string

	connectedAt time.Time
}

func newConn(id int64, gw *Gateway, sock net.Conn, remoteIP string) *Conn {
	return &Conn{
		id:          id,
		gw:          gw,
		sock:        sock,
		remoteIP:    remoteIP,
		logger:      gw.logger.With().Int64("conn", id).Logger(),
		rlKey:       remoteIP,
		inbound:     make(chan []byte, 16),
		outbound:    make(chan outFrame, 256),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// start runs the actor to completion. Caller's goroutine becomes the
// message loop.
func (c *Conn) start() {
	go c.writeLoop()
	go c.readLoop()

	if frame, err := protocol.EncodeWelcome(time.Now().UnixMilli(), c.gw.opts.Auth.Required); err == nil {
		c.send(ws.OpText, frame)
	}
	c.run()
}

func (c *Conn) run() {
	defer c.teardown()

	interval := time.Duration(c.gw.opts.Heartbeat.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.inbound:
			if !ok {
				return
			}
			c.handleFrame(data)
		case <-ticker.C:
			if !c.heartbeatTick() {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		data, op, err := wsutil.ReadClientData(c.sock)
		if err != nil {
			c.closeWith(ws.StatusNormalClosure, reasonNormalClosure)
			return
		}
		if op != ws.OpText {
			continue
		}
		if int64(len(data)) > c.gw.opts.MaxPayloadBytes {
			c.logger.Warn().Int("size", len(data)).Msg("Oversized frame")
			c.closeWith(ws.StatusMessageTooBig, reasonMessageTooLarge)
			return
		}
		select {
		case c.inbound <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case f := <-c.outbound:
			err := wsutil.WriteServerMessage(c.sock, f.op, f.data)
			atomic.AddInt64(&c.pendingBytes, -int64(len(f.data)))
			if err != nil {
				c.closeWith(ws.StatusNormalClosure, reasonNormalClosure)
				continue // keep draining so senders never block on a dead socket
			}
			c.gw.metrics.BytesSent.Add(float64(len(f.data)))
		case <-c.closed:
			body := ws.NewCloseFrameBody(c.closeCode, c.closeReason)
			_ = wsutil.WriteServerMessage(c.sock, ws.OpClose, body)
			_ = c.sock.Close()
			return
		}
	}
}

// send funnels one frame to the writer. Blocks only while the writer is
// alive; never drops request/response traffic.
func (c *Conn) send(op ws.OpCode, data []byte) {
	atomic.AddInt64(&c.pendingBytes, int64(len(data)))
	select {
	case c.outbound <- outFrame{op: op, data: data}:
	case <-c.closed:
		atomic.AddInt64(&c.pendingBytes, -int64(len(data)))
	}
}

// EnqueuePush delivers one subscription push through the backpressure
// gate. At or above the high-water mark the push is dropped silently;
// the next change carries the full current state. Below the mark the
// push always lands: a full channel blocks the pump until the writer
// drains, so the byte gate is the only drop condition.
func (c *Conn) EnqueuePush(channel, subscriptionID string, data any) {
	bp := c.gw.opts.Backpressure
	threshold := int64(float64(bp.MaxBufferedBytes) * bp.HighWaterMark)
	if atomic.LoadInt64(&c.pendingBytes) >= threshold {
		c.gw.metrics.PushesDropped.WithLabelValues("backpressure").Inc()
		return
	}

	frame, err := protocol.EncodePush(channel, subscriptionID, data)
	if err != nil {
		c.logger.Error().Err(err).Str("subscription", subscriptionID).Msg("Push encode failed")
		return
	}

	atomic.AddInt64(&c.pendingBytes, int64(len(frame)))
	select {
	case c.outbound <- outFrame{op: ws.OpText, data: frame}:
		c.gw.metrics.PushesSent.Inc()
	case <-c.closed:
		atomic.AddInt64(&c.pendingBytes, -int64(len(frame)))
	}
}

func (c *Conn) sendResult(id float64, data any) {
	frame, err := protocol.EncodeResult(id, data)
	if err != nil {
		c.logger.Error().Err(err).Msg("Result encode failed")
		frame, _ = protocol.EncodeError(id, protocol.E(protocol.CodeInternal, "internal server error"), false)
	}
	c.send(ws.OpText, frame)
}

func (c *Conn) sendError(id float64, e *protocol.Error) {
	frame, err := protocol.EncodeError(id, e, c.gw.opts.exposeDetails())
	if err != nil {
		return
	}
	c.send(ws.OpText, frame)
}

func (c *Conn) handleFrame(data []byte) {
	c.gw.metrics.BytesReceived.Add(float64(len(data)))

	req, pong, derr := protocol.Decode(data)
	switch {
	case derr != nil:
		c.sendError(derr.ID, protocol.E(derr.Code, derr.Message))
	case pong != nil:
		c.pongAt = time.Now()
	default:
		c.gw.dispatch(c, req)
	}
}

// heartbeatTick enforces liveness: a ping with no pong at-or-after its
// send time by the next tick closes the connection.
func (c *Conn) heartbeatTick() bool {
	if !c.pingSentAt.IsZero() && c.pongAt.Before(c.pingSentAt) {
		c.gw.metrics.HeartbeatTimeouts.Inc()
		c.logger.Info().Msg("Heartbeat timeout")
		c.closeWith(closeHeartbeatTimeout, reasonHeartbeatTimeout)
		return false
	}

	now := time.Now()
	if frame, err := protocol.EncodePing(now.UnixMilli()); err == nil {
		c.send(ws.OpText, frame)
		c.pingSentAt = now
	}
	return true
}

// closeWith records the close cause and wakes every goroutine. First
// caller wins.
func (c *Conn) closeWith(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

// setSession swaps the live session and keeps the rate-limit key and
// registry entry in step. Pre-login counts stay in the old bucket.
func (c *Conn) setSession(s *auth.Session) {
	c.session = s
	if s != nil {
		c.rlKey = s.UserID
	} else {
		c.rlKey = c.remoteIP
	}
	c.gw.registry.Update(c.id, func(e *Entry) {
		if s != nil {
			e.UserID = s.UserID
			e.Authenticated = true
		} else {
			e.UserID = ""
			e.Authenticated = false
		}
	})
}

func (c *Conn) teardown() {
	c.closeWith(ws.StatusNormalClosure, reasonNormalClosure)

	c.gw.subs.DropConnection(c.id)
	c.gw.registry.Remove(c.id)
	if c.gw.guard != nil {
		c.gw.guard.Release(c.remoteIP)
	}
	c.gw.conns.Delete(c)

	c.gw.metrics.ConnectionsActive.Dec()
	c.gw.metrics.DisconnectsTotal.WithLabelValues(c.closeReason).Inc()
	c.gw.metrics.ConnectionDuration.Observe(time.Since(c.connectedAt).Seconds())
	c.logger.Debug().Str("reason", c.closeReason).Msg("Connection closed")
}
