package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnGuard protects the upgrade path: a hard cap on live connections per
// remote IP plus token-bucket limiting of upgrade attempts (per-IP and
// global) so a flood of handshakes cannot starve the accept loop.
type ConnGuard struct {
	maxPerIP int // 0 = uncapped

	mu    sync.Mutex
	live  map[string]int
	rates map[string]*ipRate

	global  *rate.Limiter
	ipBurst int
	ipRate  float64

	logger  zerolog.Logger
	cleanup *time.Ticker
	stop    chan struct{}
	once    sync.Once
}

type ipRate struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnGuardConfig bundles upgrade-path limits. Zero values fall back to
// defaults (10 burst / 5 per second per IP, 300 burst / 100 per second
// globally).
type ConnGuardConfig struct {
	MaxPerIP    int
	IPBurst     int
	IPRate      float64
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

func NewConnGuard(cfg ConnGuardConfig) *ConnGuard {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 5.0
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 100.0
	}

	g := &ConnGuard{
		maxPerIP: cfg.MaxPerIP,
		live:     make(map[string]int),
		rates:    make(map[string]*ipRate),
		global:   rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ipBurst:  cfg.IPBurst,
		ipRate:   cfg.IPRate,
		logger:   cfg.Logger.With().Str("component", "conn_guard").Logger(),
		cleanup:  time.NewTicker(time.Minute),
		stop:     make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Admit checks rate limits and the per-IP cap, and on success records one
// live connection for ip. The caller must pair it with Release.
func (g *ConnGuard) Admit(ip string) bool {
	if !g.global.Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Upgrade rejected: global rate limit")
		return false
	}
	if !g.ipLimiter(ip).Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Upgrade rejected: per-IP rate limit")
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxPerIP > 0 && g.live[ip] >= g.maxPerIP {
		g.logger.Debug().Str("ip", ip).Int("live", g.live[ip]).Msg("Upgrade rejected: per-IP connection cap")
		return false
	}
	g.live[ip]++
	return true
}

// Release drops one live connection for ip.
func (g *ConnGuard) Release(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.live[ip]; n <= 1 {
		delete(g.live, ip)
	} else {
		g.live[ip] = n - 1
	}
}

func (g *ConnGuard) ipLimiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.rates[ip]
	if !ok {
		entry = &ipRate{limiter: rate.NewLimiter(rate.Limit(g.ipRate), g.ipBurst)}
		g.rates[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (g *ConnGuard) cleanupLoop() {
	for {
		select {
		case <-g.cleanup.C:
			g.evictIdle()
		case <-g.stop:
			g.cleanup.Stop()
			return
		}
	}
}

func (g *ConnGuard) evictIdle() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, entry := range g.rates {
		if now.Sub(entry.lastAccess) > 5*time.Minute {
			delete(g.rates, ip)
		}
	}
}

// Stop terminates the eviction loop.
func (g *ConnGuard) Stop() {
	g.once.Do(func() { close(g.stop) })
}
