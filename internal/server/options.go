// Package server implements the gateway core: WebSocket transport,
// per-connection actors, request routing, subscriptions, and graceful
// shutdown around the Store and Rule Engine collaborators.
package server

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/odin-rt/gateway/internal/auth"
	"github.com/odin-rt/gateway/internal/monitoring"
	"github.com/odin-rt/gateway/internal/rules"
	"github.com/odin-rt/gateway/internal/store"
)

// ProcedureFunc is one registered stored procedure.
type ProcedureFunc func(ctx context.Context, params store.Record) (any, error)

// AuthOptions configures the session source and RBAC.
type AuthOptions struct {
	// Validate is the external token validator. When nil and Users is
	// set, auth.login falls back to username/password.
	Validate auth.ValidateFunc
	Users    *auth.UserStore

	// Required rejects non-auth requests without a live session.
	Required bool

	Permissions *auth.Permissions
}

// RateLimitOptions configures the sliding window. Nil disables limiting.
type RateLimitOptions struct {
	MaxRequests int
	WindowMs    int
}

// HeartbeatOptions configures liveness probing. TimeoutMs is accepted
// for config compatibility; the effective timeout is one interval.
type HeartbeatOptions struct {
	IntervalMs int
	TimeoutMs  int
}

// BackpressureOptions sets the silent-drop threshold for pushes.
type BackpressureOptions struct {
	MaxBufferedBytes int64
	HighWaterMark    float64
}

// ConnectionLimitOptions caps per-connection resource usage.
type ConnectionLimitOptions struct {
	MaxSubscriptionsPerConnection int
}

// Options configures a Gateway.
type Options struct {
	Store store.Store  // required
	Rules rules.Engine // optional; rules.* returns RULES_NOT_AVAILABLE when nil

	Procedures map[string]ProcedureFunc

	Host string
	Port int // 0 binds an ephemeral port
	Path string

	MaxPayloadBytes int64

	Auth             AuthOptions
	RateLimit        *RateLimitOptions
	Heartbeat        HeartbeatOptions
	Backpressure     BackpressureOptions
	ConnectionLimits ConnectionLimitOptions

	// ExposeErrorDetails controls the details field on error responses.
	// Nil means true.
	ExposeErrorDetails *bool

	// AllowedOrigins restricts the Origin header. Nil allows any.
	AllowedOrigins []string

	// MaxConnectionsPerIP caps live sockets per remote address. Zero
	// disables the cap.
	MaxConnectionsPerIP int

	// Audit enables the in-process audit trail.
	Audit bool

	Logger  zerolog.Logger
	Metrics *monitoring.Metrics
}

func (o *Options) withDefaults() {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 1 << 20
	}
	if o.Heartbeat.IntervalMs <= 0 {
		o.Heartbeat.IntervalMs = 30_000
	}
	if o.Backpressure.MaxBufferedBytes <= 0 {
		o.Backpressure.MaxBufferedBytes = 1 << 20
	}
	if o.Backpressure.HighWaterMark <= 0 || o.Backpressure.HighWaterMark > 1 {
		o.Backpressure.HighWaterMark = 0.9
	}
	if o.ConnectionLimits.MaxSubscriptionsPerConnection <= 0 {
		o.ConnectionLimits.MaxSubscriptionsPerConnection = 100
	}
	if o.Auth.Permissions == nil {
		o.Auth.Permissions = &auth.Permissions{DefaultAllow: true}
	}
	if o.Metrics == nil {
		o.Metrics = monitoring.NewMetrics()
	}
}

func (o *Options) exposeDetails() bool {
	return o.ExposeErrorDetails == nil || *o.ExposeErrorDetails
}
