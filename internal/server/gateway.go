package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/odin-rt/gateway/internal/limits"
	"github.com/odin-rt/gateway/internal/monitoring"
	"github.com/odin-rt/gateway/internal/protocol"
	"github.com/odin-rt/gateway/internal/rules"
	"github.com/odin-rt/gateway/internal/store"
)

// Gateway is the WebSocket front of the Store and Rule Engine. One
// instance owns the listener, the connection registry, the subscription
// manager, and the rate limiter.
type Gateway struct {
	opts    Options
	logger  zerolog.Logger
	metrics *monitoring.Metrics

	store store.Store
	rules rules.Engine

	limiter  *limits.RequestLimiter
	guard    *limits.ConnGuard
	registry *Registry
	subs     *Manager
	audit    *monitoring.AuditLog
	sampler  *monitoring.SystemSampler

	httpServer *http.Server
	listener   net.Listener

	conns        sync.Map // *Conn -> struct{}
	connSeq      atomic.Int64
	shuttingDown atomic.Bool
	stopOnce     sync.Once
	wg           sync.WaitGroup
	startedAt    time.Time
}

// New validates options and assembles a gateway. Start binds the
// listener.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	opts.withDefaults()

	logger := opts.Logger.With().Str("component", "gateway").Logger()
	g := &Gateway{
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		store:    opts.Store,
		rules:    opts.Rules,
		registry: NewRegistry(),
	}
	g.subs = NewManager(opts.ConnectionLimits.MaxSubscriptionsPerConnection, g.metrics, opts.Logger)

	if rl := opts.RateLimit; rl != nil && rl.MaxRequests > 0 {
		g.limiter = limits.NewRequestLimiter(rl.MaxRequests, time.Duration(rl.WindowMs)*time.Millisecond, opts.Logger)
	}
	if opts.MaxConnectionsPerIP > 0 {
		g.guard = limits.NewConnGuard(limits.ConnGuardConfig{
			MaxPerIP: opts.MaxConnectionsPerIP,
			Logger:   opts.Logger,
		})
	}
	if opts.Audit {
		g.audit = monitoring.NewAuditLog(1024, opts.Logger)
	}
	return g, nil
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.opts.Host, g.opts.Port))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", g.opts.Host, g.opts.Port, err)
	}
	g.listener = ln
	g.startedAt = time.Now()
	g.sampler = monitoring.NewSystemSampler(10*time.Second, g.metrics, g.opts.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/metrics", g.metrics.Handler())
	mux.HandleFunc(g.opts.Path, g.handleWebSocket)

	g.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	g.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("path", g.opts.Path).
		Bool("authRequired", g.opts.Auth.Required).
		Bool("rules", g.rules != nil).
		Msg("Gateway listening")
	return nil
}

// Addr is the bound listen address, useful with port 0.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		// Complete the handshake, then refuse with 1001 so clients see
		// a proper close reason rather than a failed upgrade.
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err == nil {
			body := ws.NewCloseFrameBody(ws.StatusGoingAway, reasonShuttingDown)
			_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
			_ = conn.Close()
		}
		return
	}

	if !g.originAllowed(r.Header.Get("Origin")) {
		g.metrics.ConnectionsFailed.Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ip := remoteIP(r.RemoteAddr)
	if g.guard != nil && !g.guard.Admit(ip) {
		g.metrics.ConnectionsFailed.Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		if g.guard != nil {
			g.guard.Release(ip)
		}
		g.metrics.ConnectionsFailed.Inc()
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := newConn(g.connSeq.Add(1), g, sock, ip)
	g.conns.Store(c, struct{}{})
	g.registry.Add(Entry{
		ID:          c.id,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: c.connectedAt,
	})
	g.metrics.ConnectionsTotal.Inc()
	g.metrics.ConnectionsActive.Inc()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		c.start()
	}()
}

func (g *Gateway) originAllowed(origin string) bool {
	if g.opts.AllowedOrigins == nil {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	storeOK := g.store.Healthy()
	rulesOK := g.rules == nil || g.rules.Healthy()

	status := http.StatusOK
	if !storeOK || !rulesOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"connections": g.registry.Count(),
		"store":       storeOK,
		"rules":       rulesOK,
		"uptimeMs":    time.Since(g.startedAt).Milliseconds(),
	})
}

// Stats aggregates registry, collaborator health, and host readings.
func (g *Gateway) Stats() map[string]any {
	active, authenticated, storeSubs, rulesSubs := g.registry.Aggregate()

	stats := map[string]any{
		"connections": map[string]any{
			"active":        active,
			"authenticated": authenticated,
		},
		"subscriptions": map[string]any{
			"store": storeSubs,
			"rules": rulesSubs,
		},
		"store": map[string]any{"healthy": g.store.Healthy()},
		"rules": map[string]any{
			"available": g.rules != nil,
			"healthy":   g.rules != nil && g.rules.Healthy(),
		},
		"uptimeMs": time.Since(g.startedAt).Milliseconds(),
	}
	if g.sampler != nil {
		stats["system"] = g.sampler.Snapshot()
	}
	return stats
}

// Stop drains and closes everything. New upgrades are refused with
// 1001; after the grace window survivors are force-closed with 1000
// "server_shutdown". Second call is a no-op.
func (g *Gateway) Stop(grace time.Duration) error {
	g.stopOnce.Do(func() {
		g.shuttingDown.Store(true)
		g.logger.Info().Dur("grace", grace).Int("connections", g.registry.Count()).Msg("Shutting down")
		g.audit.Record(monitoring.AuditEntry{Event: "shutdown", Detail: fmt.Sprintf("grace %s", grace)})

		if grace > 0 && g.registry.Count() > 0 {
			if frame, err := protocol.EncodeShutdown(grace.Milliseconds()); err == nil {
				g.conns.Range(func(key, _ any) bool {
					key.(*Conn).send(ws.OpText, frame)
					return true
				})
			}
			g.awaitDrain(grace)
		}

		g.conns.Range(func(key, _ any) bool {
			key.(*Conn).closeWith(ws.StatusNormalClosure, reasonServerShutdown)
			return true
		})

		if g.httpServer != nil {
			_ = g.httpServer.Close()
		}
		g.wg.Wait()

		g.limiter.Stop()
		if g.guard != nil {
			g.guard.Stop()
		}
		if g.sampler != nil {
			g.sampler.Stop()
		}
		g.logger.Info().Msg("Shutdown complete")
	})
	return nil
}

// awaitDrain returns when every connection has closed or the grace
// window elapses, whichever is earlier.
func (g *Gateway) awaitDrain(grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			remaining := g.registry.Count()
			if remaining > 0 {
				g.logger.Warn().Int("remaining", remaining).Msg("Grace period expired, force closing")
			}
			return
		case <-tick.C:
			if g.registry.Count() == 0 {
				g.logger.Info().Msg("All connections drained")
				return
			}
		}
	}
}
