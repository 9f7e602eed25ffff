package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-rt/gateway/internal/auth"
	"github.com/odin-rt/gateway/internal/rules"
	"github.com/odin-rt/gateway/internal/store"
	"github.com/odin-rt/gateway/internal/store/memory"
)

func newGateway(t *testing.T, mutate func(*Options)) *Gateway {
	t.Helper()

	st := memory.New(zerolog.Nop())
	require.NoError(t, st.DefineBucket("users", store.Schema{Fields: map[string]store.FieldSpec{
		"name": {Type: "string", Required: true},
		"role": {Type: "string", Default: "user"},
	}}))
	require.NoError(t, st.DefineQuery("all-users", func(ctx context.Context, v store.QueryView, _ store.Record) (any, error) {
		return v.All("users")
	}))
	require.NoError(t, st.DefineQuery("users-by-role", func(ctx context.Context, v store.QueryView, params store.Record) (any, error) {
		return v.Where("users", store.Record{"role": params["role"]})
	}))

	opts := Options{
		Store:  st,
		Rules:  rules.NewMemoryEngine(zerolog.Nop()),
		Host:   "127.0.0.1",
		Port:   0,
		Logger: zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	g, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	t.Cleanup(func() { _ = g.Stop(0) })
	return g
}

type testClient struct {
	t       *testing.T
	conn    net.Conn
	backlog []map[string]any
}

func dialGateway(t *testing.T, g *Gateway) *testClient {
	t.Helper()
	conn, br, _, err := ws.Dial(context.Background(), "ws://"+g.Addr().String()+"/")
	require.NoError(t, err)
	if br != nil {
		// ws.Dial may buffer server bytes past the handshake response;
		// drain them before reading from the socket directly.
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *testClient) send(msg map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientMessage(c.conn, ws.OpText, data))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(data)))
}

// readFrame reads the next server frame within the deadline.
func (c *testClient) readFrame(timeout time.Duration) (map[string]any, error) {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	data, _, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m, nil
}

// await returns the first frame matching pred, buffering everything
// else it sees along the way. Heartbeat pings are skipped.
func (c *testClient) await(timeout time.Duration, pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for i, m := range c.backlog {
		if pred(m) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return m
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(c.t, remaining, "no matching frame before deadline (backlog: %v)", c.backlog)
		m, err := c.readFrame(remaining)
		require.NoError(c.t, err)
		if m["type"] == "ping" {
			continue
		}
		if pred(m) {
			return m
		}
		c.backlog = append(c.backlog, m)
	}
}

func (c *testClient) response(id float64) map[string]any {
	c.t.Helper()
	return c.await(2*time.Second, func(m map[string]any) bool {
		typ := m["type"]
		return (typ == "result" || typ == "error") && m["id"] == id
	})
}

func (c *testClient) result(id float64) map[string]any {
	c.t.Helper()
	m := c.response(id)
	require.Equal(c.t, "result", m["type"], "expected result, got %v", m)
	return m
}

func (c *testClient) push() map[string]any {
	c.t.Helper()
	return c.await(2*time.Second, func(m map[string]any) bool { return m["type"] == "push" })
}

func (c *testClient) welcome() map[string]any {
	c.t.Helper()
	return c.await(2*time.Second, func(m map[string]any) bool { return m["type"] == "welcome" })
}

func TestWelcomeInsertGet(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)

	w := c.welcome()
	assert.Equal(t, "1.0.0", w["version"])
	assert.Equal(t, false, w["requiresAuth"])
	assert.NotNil(t, w["serverTime"])

	c.send(map[string]any{"id": 1, "type": "store.insert", "bucket": "users", "data": map[string]any{"name": "Alice"}})
	res := c.result(1)
	data := res["data"].(map[string]any)
	key := data["id"].(string)
	assert.NotEmpty(t, key)
	assert.Equal(t, "Alice", data["name"])
	assert.Equal(t, "user", data["role"], "schema default applied")
	assert.Equal(t, float64(1), data["_version"])
	assert.NotNil(t, data["_createdAt"])

	c.send(map[string]any{"id": 2, "type": "store.get", "bucket": "users", "key": key})
	got := c.result(2)["data"].(map[string]any)
	assert.Equal(t, data, got)
}

func TestSubscribePushOnInsert(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "store.subscribe", "query": "all-users"})
	sub := c.result(1)["data"].(map[string]any)
	assert.Equal(t, "sub-1", sub["subscriptionId"])
	assert.Equal(t, []any{}, sub["data"])

	c.send(map[string]any{"id": 2, "type": "store.insert", "bucket": "users", "data": map[string]any{"name": "Alice"}})
	c.result(2)

	p := c.push()
	assert.Equal(t, "subscription", p["channel"])
	assert.Equal(t, "sub-1", p["subscriptionId"])
	records := p["data"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].(map[string]any)["name"])

	c.send(map[string]any{"id": 3, "type": "store.insert", "bucket": "users", "data": map[string]any{"name": "Alice"}})
	c.result(3)

	p2 := c.push()
	assert.Len(t, p2["data"].([]any), 2)
}

func TestNoPushWhenQueryResultUnchanged(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "store.subscribe", "query": "users-by-role", "params": map[string]any{"role": "admin"}})
	sub := c.result(1)["data"].(map[string]any)
	assert.Equal(t, []any{}, sub["data"])

	// The insert changes the bucket but not this query's result.
	c.send(map[string]any{"id": 2, "type": "store.insert", "bucket": "users", "data": map[string]any{"name": "Bob"}})
	c.result(2)

	_, err := c.readFrame(300 * time.Millisecond)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "expected silence, got a frame")
}

func TestRateLimitKeySwitchOnLogin(t *testing.T) {
	users := auth.NewUserStore("", 0)
	require.NoError(t, users.Register("alice", "pw", []string{"write"}, nil))

	g := newGateway(t, func(o *Options) {
		o.Auth.Users = users
		o.RateLimit = &RateLimitOptions{MaxRequests: 3, WindowMs: 60_000}
	})
	c := dialGateway(t, g)
	c.welcome()

	// Login consumes one token from the IP bucket.
	c.send(map[string]any{"id": 1, "type": "auth.login", "username": "alice", "password": "pw"})
	login := c.result(1)["data"].(map[string]any)
	assert.Equal(t, "alice", login["userId"])

	// The fresh user bucket grants the full budget.
	for i := 2; i <= 4; i++ {
		c.send(map[string]any{"id": i, "type": "server.ping"})
		c.result(float64(i))
	}

	c.send(map[string]any{"id": 5, "type": "server.ping"})
	res := c.response(5)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "RATE_LIMITED", res["code"])
	retry := res["details"].(map[string]any)["retryAfterMs"].(float64)
	assert.Greater(t, retry, float64(0))
	assert.LessOrEqual(t, retry, float64(60_000))
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	g := newGateway(t, func(o *Options) {
		o.Heartbeat.IntervalMs = 100
	})
	c := dialGateway(t, g)
	c.welcome()

	// Stay silent: first tick pings, second tick closes.
	start := time.Now()
	var closeErr wsutil.ClosedError
	for {
		_, err := c.readFrame(2 * time.Second)
		if err == nil {
			continue
		}
		require.ErrorAs(t, err, &closeErr)
		break
	}
	assert.Equal(t, ws.StatusCode(4001), closeErr.Code)
	assert.Equal(t, "heartbeat_timeout", closeErr.Reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResponsiveClientSurvivesHeartbeat(t *testing.T) {
	g := newGateway(t, func(o *Options) {
		o.Heartbeat.IntervalMs = 100
	})
	c := dialGateway(t, g)
	c.welcome()

	pongs := 0
	deadline := time.Now().Add(450 * time.Millisecond)
	for time.Now().Before(deadline) {
		m, err := c.readFrame(200 * time.Millisecond)
		if err != nil {
			var netErr net.Error
			require.ErrorAs(t, err, &netErr)
			require.True(t, netErr.Timeout())
			continue
		}
		if m["type"] == "ping" {
			c.send(map[string]any{"type": "pong", "timestamp": m["timestamp"]})
			pongs++
		}
	}
	require.GreaterOrEqual(t, pongs, 3)

	c.send(map[string]any{"id": 1, "type": "server.ping"})
	c.result(1)
}

func TestGracefulShutdownDrains(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "store.subscribe", "query": "all-users"})
	c.result(1)

	stopDone := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_ = g.Stop(2 * time.Second)
		stopDone <- time.Since(start)
	}()

	sys := c.await(2*time.Second, func(m map[string]any) bool { return m["type"] == "system" })
	assert.Equal(t, "shutdown", sys["event"])
	assert.Equal(t, float64(2000), sys["gracePeriodMs"])

	// The grace window still serves requests.
	c.send(map[string]any{"id": 2, "type": "store.insert", "bucket": "users", "data": map[string]any{"name": "Last"}})
	c.result(2)

	require.NoError(t, c.conn.Close())

	select {
	case elapsed := <-stopDone:
		assert.Less(t, elapsed, 2*time.Second, "stop must resolve once connections drain")
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestForcedShutdownClosesWith1000(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	go func() { _ = g.Stop(100 * time.Millisecond) }()

	var closeErr wsutil.ClosedError
	for {
		_, err := c.readFrame(2 * time.Second)
		if err == nil {
			continue
		}
		require.ErrorAs(t, err, &closeErr)
		break
	}
	assert.Equal(t, ws.StatusNormalClosure, closeErr.Code)
	assert.Equal(t, "server_shutdown", closeErr.Reason)
}

func TestUnsubscribeTwice(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "store.subscribe", "query": "all-users"})
	sid := c.result(1)["data"].(map[string]any)["subscriptionId"].(string)

	c.send(map[string]any{"id": 2, "type": "store.unsubscribe", "subscriptionId": sid})
	assert.Equal(t, map[string]any{"unsubscribed": true}, c.result(2)["data"])

	c.send(map[string]any{"id": 3, "type": "store.unsubscribe", "subscriptionId": sid})
	res := c.response(3)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "NOT_FOUND", res["code"])
}

func TestSubscriptionCap(t *testing.T) {
	g := newGateway(t, func(o *Options) {
		o.ConnectionLimits.MaxSubscriptionsPerConnection = 2
	})
	c := dialGateway(t, g)
	c.welcome()

	for i := 1; i <= 2; i++ {
		c.send(map[string]any{"id": i, "type": "store.subscribe", "query": "all-users"})
		c.result(float64(i))
	}

	c.send(map[string]any{"id": 3, "type": "store.subscribe", "query": "all-users"})
	res := c.response(3)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "RATE_LIMITED", res["code"])
}

func TestCodecErrorsOverWire(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.sendRaw("not json")
	res := c.await(2*time.Second, func(m map[string]any) bool { return m["type"] == "error" })
	assert.Equal(t, "PARSE_ERROR", res["code"])
	assert.Equal(t, float64(0), res["id"])

	c.sendRaw(`{"type":"store.get"}`)
	res = c.await(2*time.Second, func(m map[string]any) bool { return m["type"] == "error" })
	assert.Equal(t, "INVALID_REQUEST", res["code"])

	c.send(map[string]any{"id": 9, "type": "nope.op"})
	res = c.response(9)
	assert.Equal(t, "UNKNOWN_OPERATION", res["code"])

	// Errors never close the socket.
	c.send(map[string]any{"id": 10, "type": "server.ping"})
	c.result(10)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	g := newGateway(t, func(o *Options) { o.MaxPayloadBytes = 128 })
	c := dialGateway(t, g)
	c.welcome()

	// An application-level error keeps the socket open.
	c.send(map[string]any{"id": 1, "type": "nope.op"})
	res := c.response(1)
	assert.Equal(t, "UNKNOWN_OPERATION", res["code"])

	c.send(map[string]any{"id": 2, "type": "server.ping", "pad": strings.Repeat("x", 256)})

	var closeErr wsutil.ClosedError
	for {
		_, err := c.readFrame(2 * time.Second)
		if err == nil {
			continue
		}
		require.ErrorAs(t, err, &closeErr)
		break
	}
	assert.Equal(t, ws.StatusMessageTooBig, closeErr.Code)
	assert.Equal(t, "message_too_large", closeErr.Reason)
}

func TestAuthRequiredGate(t *testing.T) {
	users := auth.NewUserStore("", 0)
	require.NoError(t, users.Register("carol", "pw", []string{"read"}, nil))

	g := newGateway(t, func(o *Options) {
		o.Auth.Users = users
		o.Auth.Required = true
	})
	c := dialGateway(t, g)

	w := c.welcome()
	assert.Equal(t, true, w["requiresAuth"])

	c.send(map[string]any{"id": 1, "type": "store.all", "bucket": "users"})
	res := c.response(1)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "UNAUTHORIZED", res["code"])

	c.send(map[string]any{"id": 2, "type": "auth.login", "username": "carol", "password": "pw"})
	c.result(2)

	c.send(map[string]any{"id": 3, "type": "store.all", "bucket": "users"})
	c.result(3)

	// Read tier cannot mutate.
	c.send(map[string]any{"id": 4, "type": "store.insert", "bucket": "users", "data": map[string]any{"name": "X"}})
	res = c.response(4)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "FORBIDDEN", res["code"])

	c.send(map[string]any{"id": 5, "type": "auth.whoami"})
	who := c.result(5)["data"].(map[string]any)
	assert.Equal(t, "carol", who["userId"])

	c.send(map[string]any{"id": 6, "type": "auth.logout"})
	c.result(6)

	c.send(map[string]any{"id": 7, "type": "store.all", "bucket": "users"})
	res = c.response(7)
	assert.Equal(t, "UNAUTHORIZED", res["code"])
}

func TestSessionExpiryRejectsRequests(t *testing.T) {
	users := auth.NewUserStore("", 30*time.Millisecond)
	require.NoError(t, users.Register("dave", "pw", []string{"admin"}, nil))

	g := newGateway(t, func(o *Options) {
		o.Auth.Users = users
	})
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "auth.login", "username": "dave", "password": "pw"})
	c.result(1)

	time.Sleep(60 * time.Millisecond)

	c.send(map[string]any{"id": 2, "type": "server.ping"})
	res := c.response(2)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "UNAUTHORIZED", res["code"])

	// Session cleared: the connection behaves unauthenticated again.
	c.send(map[string]any{"id": 3, "type": "server.ping"})
	c.result(3)
}

func TestRulesEmitAndSubscribe(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "rules.subscribe", "pattern": "orders.*"})
	sid := c.result(1)["data"].(map[string]any)["subscriptionId"].(string)
	assert.NotEmpty(t, sid)

	c.send(map[string]any{"id": 2, "type": "rules.emit", "topic": "orders.created", "data": map[string]any{"orderId": 7}})
	ev := c.result(2)["data"].(map[string]any)
	assert.Equal(t, "orders.created", ev["topic"])
	assert.NotEmpty(t, ev["id"])

	p := c.push()
	assert.Equal(t, "event", p["channel"])
	assert.Equal(t, sid, p["subscriptionId"])
	data := p["data"].(map[string]any)
	assert.Equal(t, "orders.created", data["topic"])
	assert.Equal(t, ev["id"], data["event"].(map[string]any)["id"])

	c.send(map[string]any{"id": 3, "type": "rules.setFact", "key": "user:1:status", "value": "online"})
	c.result(3)
	c.send(map[string]any{"id": 4, "type": "rules.getFact", "key": "user:1:status"})
	fact := c.result(4)["data"].(map[string]any)
	assert.Equal(t, "online", fact["value"])
	assert.Equal(t, true, fact["exists"])
}

func TestRulesNotAvailable(t *testing.T) {
	g := newGateway(t, func(o *Options) { o.Rules = nil })
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "rules.emit", "topic": "a.b"})
	res := c.response(1)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "RULES_NOT_AVAILABLE", res["code"])
}

func TestTeardownCancelsSubscriptions(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "store.subscribe", "query": "all-users"})
	c.result(1)
	c.send(map[string]any{"id": 2, "type": "rules.subscribe", "pattern": "a.*"})
	c.result(2)

	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		if g.registry.Count() != 0 {
			return false
		}
		var leaked bool
		g.subs.mu.Lock()
		for _, subs := range g.subs.byConn {
			if len(subs) > 0 {
				leaked = true
			}
		}
		g.subs.mu.Unlock()
		return !leaked
	}, 2*time.Second, 10*time.Millisecond, "teardown must clear registry and subscriptions")
}

func TestErrorDetailsStripped(t *testing.T) {
	exposed := false
	g := newGateway(t, func(o *Options) {
		o.ExposeErrorDetails = &exposed
		o.RateLimit = &RateLimitOptions{MaxRequests: 1, WindowMs: 60_000}
	})
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "server.ping"})
	c.result(1)
	c.send(map[string]any{"id": 2, "type": "server.ping"})
	res := c.response(2)
	require.Equal(t, "error", res["type"])
	assert.Equal(t, "RATE_LIMITED", res["code"])
	_, hasDetails := res["details"]
	assert.False(t, hasDetails)
}

func TestDefineBucketAndQueryOverWire(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{
		"id": 1, "type": "store.defineBucket", "bucket": "tasks",
		"schema": map[string]any{"fields": map[string]any{"title": map[string]any{"type": "string", "required": true}}},
	})
	assert.Equal(t, map[string]any{"defined": true}, c.result(1)["data"])

	c.send(map[string]any{"id": 2, "type": "store.defineQuery", "query": "open-tasks", "bucket": "tasks", "filter": map[string]any{"open": true}})
	c.result(2)

	c.send(map[string]any{"id": 3, "type": "store.subscribe", "query": "open-tasks"})
	sub := c.result(3)["data"].(map[string]any)
	assert.Equal(t, []any{}, sub["data"])

	c.send(map[string]any{"id": 4, "type": "store.insert", "bucket": "tasks", "data": map[string]any{"title": "ship", "open": true}})
	c.result(4)

	p := c.push()
	assert.Equal(t, sub["subscriptionId"], p["subscriptionId"])
	require.Len(t, p["data"].([]any), 1)
}

func TestStatsAndHealthSurface(t *testing.T) {
	g := newGateway(t, nil)
	c := dialGateway(t, g)
	c.welcome()

	c.send(map[string]any{"id": 1, "type": "server.stats"})
	stats := c.result(1)["data"].(map[string]any)
	conns := stats["connections"].(map[string]any)
	assert.Equal(t, float64(1), conns["active"])
	assert.Equal(t, true, stats["store"].(map[string]any)["healthy"])
	assert.Equal(t, true, stats["rules"].(map[string]any)["available"])

	resp, err := http.Get(fmt.Sprintf("http://%s/health", g.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"ok"`)

	metrics, err := http.Get(fmt.Sprintf("http://%s/metrics", g.Addr()))
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
