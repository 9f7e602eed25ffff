package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/odin-rt/gateway/internal/auth"
	"github.com/odin-rt/gateway/internal/config"
	"github.com/odin-rt/gateway/internal/monitoring"
	"github.com/odin-rt/gateway/internal/rules"
	"github.com/odin-rt/gateway/internal/server"
	"github.com/odin-rt/gateway/internal/store/memory"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		grace = flag.Duration("grace", 10*time.Second, "shutdown grace period")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fallback := monitoring.NewLogger(monitoring.LoggerConfig{})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: monitoring.LogFormat(cfg.LogFormat),
	})

	st := memory.New(logger)

	var engine rules.Engine
	if cfg.NATSURL != "" {
		engine, err = rules.NewNATSEngine(rules.NATSConfig{URL: cfg.NATSURL}, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("Failed to connect rule engine")
		}
	} else {
		engine = rules.NewMemoryEngine(logger)
	}

	authOpts := server.AuthOptions{
		Required:    cfg.AuthRequired,
		Permissions: &auth.Permissions{DefaultAllow: cfg.DefaultAllow},
	}
	if cfg.JWTSecret != "" {
		authOpts.Validate = auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer).Validate
	}
	if cfg.AdminSecret != "" {
		authOpts.Users = auth.NewUserStore(cfg.AdminSecret, cfg.SessionTTL)
	}

	opts := server.Options{
		Store:           st,
		Rules:           engine,
		Host:            cfg.Host,
		Port:            cfg.Port,
		Path:            cfg.Path,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Auth:            authOpts,
		Heartbeat: server.HeartbeatOptions{
			IntervalMs: cfg.HeartbeatIntervalMs,
			TimeoutMs:  cfg.HeartbeatTimeoutMs,
		},
		Backpressure: server.BackpressureOptions{
			MaxBufferedBytes: cfg.MaxBufferedBytes,
			HighWaterMark:    cfg.HighWaterMark,
		},
		ConnectionLimits: server.ConnectionLimitOptions{
			MaxSubscriptionsPerConnection: cfg.MaxSubscriptionsPerConnection,
		},
		ExposeErrorDetails:  &cfg.ExposeErrorDetails,
		AllowedOrigins:      cfg.Origins(),
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		Audit:               cfg.Audit,
		Logger:              logger,
	}
	if cfg.RateLimitMaxRequests > 0 {
		opts.RateLimit = &server.RateLimitOptions{
			MaxRequests: cfg.RateLimitMaxRequests,
			WindowMs:    cfg.RateLimitWindowMs,
		}
	}

	gw, err := server.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build gateway")
	}
	if err := gw.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Signal received, stopping")

	if err := gw.Stop(*grace); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	_ = engine.Close()
}
