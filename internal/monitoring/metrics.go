package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gateway's Prometheus instruments on a private
// registry so multiple gateways can coexist in one process (tests run
// several).
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionsFailed  prometheus.Counter
	DisconnectsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	PushesSent        prometheus.Counter
	PushesDropped     *prometheus.CounterVec
	SubscriptionsLive prometheus.Gauge

	RateLimitedTotal  prometheus.Counter
	HeartbeatTimeouts prometheus.Counter

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	CPUPercent    prometheus.Gauge
	MemoryPercent prometheus.Gauge
	Goroutines    prometheus.Gauge
}

// NewMetrics builds and registers every instrument.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total WebSocket connections accepted",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Current live WebSocket connections",
		}),
		ConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_failed_total",
			Help: "Connection attempts rejected before upgrade",
		}),
		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_disconnects_total",
			Help: "Disconnections by reason",
		}, []string{"reason"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_connection_duration_seconds",
			Help:    "Connection lifetime",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled by operation",
		}, []string{"operation"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Handler latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Error responses by code",
		}, []string{"code"}),

		PushesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pushes_sent_total",
			Help: "Push frames delivered to clients",
		}),
		PushesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pushes_dropped_total",
			Help: "Push frames dropped by reason",
		}, []string{"reason"}),
		SubscriptionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_subscriptions_live",
			Help: "Live subscriptions across all connections",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_heartbeat_timeouts_total",
			Help: "Connections closed for missed pongs",
		}),

		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bytes_sent_total",
			Help: "Bytes written to clients",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bytes_received_total",
			Help: "Bytes read from clients",
		}),

		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cpu_percent",
			Help: "Host CPU utilization sampled via gopsutil",
		}),
		MemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_memory_percent",
			Help: "Host memory utilization sampled via gopsutil",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_goroutines",
			Help: "Goroutine count",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsFailed,
		m.DisconnectsTotal, m.ConnectionDuration,
		m.RequestsTotal, m.RequestDuration, m.ErrorsTotal,
		m.PushesSent, m.PushesDropped, m.SubscriptionsLive,
		m.RateLimitedTotal, m.HeartbeatTimeouts,
		m.BytesSent, m.BytesReceived,
		m.CPUPercent, m.MemoryPercent, m.Goroutines,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
