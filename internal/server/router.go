package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/odin-rt/gateway/internal/auth"
	"github.com/odin-rt/gateway/internal/monitoring"
	"github.com/odin-rt/gateway/internal/protocol"
	"github.com/odin-rt/gateway/internal/store"
)

// dispatch runs the request pipeline and emits exactly one response.
// Called from the connection's actor loop, so per-connection handling
// is serialized and response order matches request order.
func (g *Gateway) dispatch(c *Conn, req *protocol.Request) {
	start := time.Now()
	data, perr := g.route(c, req)

	g.metrics.RequestsTotal.WithLabelValues(req.Type).Inc()
	g.metrics.RequestDuration.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())

	if perr != nil {
		g.metrics.ErrorsTotal.WithLabelValues(string(perr.Code)).Inc()
		c.sendError(req.ID, perr)
		return
	}
	c.sendResult(req.ID, data)
}

// route short-circuits on the first pipeline failure: auth gate, rate
// limit, permission, then prefix routing.
func (g *Gateway) route(c *Conn, req *protocol.Request) (any, *protocol.Error) {
	op := req.Type

	// Expired sessions are cleared and rejected before anything else.
	if c.session != nil && c.session.Expired(time.Now()) {
		c.setSession(nil)
		return nil, protocol.E(protocol.CodeUnauthorized, "session expired")
	}
	if g.opts.Auth.Required && c.session == nil && !strings.HasPrefix(op, "auth.") {
		return nil, protocol.E(protocol.CodeUnauthorized, "authentication required")
	}

	if d := g.limiter.Consume(c.rlKey); !d.Allowed {
		g.metrics.RateLimitedTotal.Inc()
		ms := d.RetryAfter.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		return nil, protocol.E(protocol.CodeRateLimited, "rate limit exceeded").
			WithDetails(map[string]any{"retryAfterMs": ms})
	}

	resource, kind := extractResource(op, req.Payload)
	if !g.opts.Auth.Permissions.Authorize(c.session, op, resource, kind) {
		g.audit.Record(monitoring.AuditEntry{
			Event:     "permission_denied",
			Actor:     sessionActor(c.session),
			Operation: op,
			Resource:  resource,
		})
		return nil, protocol.Ef(protocol.CodeForbidden, "operation %q denied", op)
	}

	switch {
	case strings.HasPrefix(op, "store."):
		return g.handleStore(c, req)
	case strings.HasPrefix(op, "rules."):
		return g.handleRules(c, req)
	case strings.HasPrefix(op, "auth."):
		return g.handleAuth(c, req)
	case strings.HasPrefix(op, "server."):
		return g.handleServer(c, req)
	case strings.HasPrefix(op, "procedures."):
		return g.handleProcedures(c, req)
	}
	return nil, protocol.Ef(protocol.CodeUnknownOperation, "unknown operation %q", op)
}

func sessionActor(s *auth.Session) string {
	if s == nil {
		return "anonymous"
	}
	return s.UserID
}

// extractResource picks the permission-check resource from the payload:
// query for store.subscribe, subscriptionId for store.unsubscribe,
// bucket for other store ops, the first of topic/key/pattern for rules
// ops, "*" otherwise.
func extractResource(op string, p map[string]json.RawMessage) (string, auth.ResourceKind) {
	switch {
	case op == "store.subscribe":
		return pString(p, "query"), auth.ResourceNone
	case op == "store.unsubscribe":
		return pString(p, "subscriptionId"), auth.ResourceNone
	case strings.HasPrefix(op, "store."):
		return pString(p, "bucket"), auth.ResourceBucket
	case strings.HasPrefix(op, "rules."):
		for _, key := range []string{"topic", "key", "pattern"} {
			if v := pString(p, key); v != "" {
				return v, auth.ResourceTopic
			}
		}
		return "*", auth.ResourceTopic
	}
	return "*", auth.ResourceNone
}

// Payload field accessors. Absent or mistyped fields decode to zero
// values; handlers validate required fields explicitly.

func pString(p map[string]json.RawMessage, key string) string {
	raw, ok := p[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func pInt(p map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := p[key]
	if !ok {
		return 0, false
	}
	var f float64
	if json.Unmarshal(raw, &f) != nil {
		return 0, false
	}
	return int(f), true
}

func pRecord(p map[string]json.RawMessage, key string) (store.Record, *protocol.Error) {
	raw, ok := p[key]
	if !ok {
		return nil, nil
	}
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, protocol.Ef(protocol.CodeValidationError, "%s must be an object", key)
	}
	return rec, nil
}

// requireString reports VALIDATION_ERROR for a missing or non-string
// field.
func requireString(p map[string]json.RawMessage, key string) (string, *protocol.Error) {
	s := pString(p, key)
	if s == "" {
		return "", protocol.Ef(protocol.CodeValidationError, "%s is required", key)
	}
	return s, nil
}
