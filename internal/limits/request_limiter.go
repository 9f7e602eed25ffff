package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Decision is the outcome of consuming one token from a window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // whole window minus elapsed, when denied
}

type window struct {
	start      time.Time
	count      int
	lastAccess time.Time
}

// RequestLimiter is a sliding-window counter keyed by the connection's
// current rate-limit key (user id once authenticated, remote IP before).
// Counts are never migrated when a key changes; the new key simply starts
// a fresh window. A nil *RequestLimiter always allows.
type RequestLimiter struct {
	maxRequests int
	windowSize  time.Duration

	mu      sync.Mutex
	windows map[string]*window

	logger  zerolog.Logger
	cleanup *time.Ticker
	stop    chan struct{}
	once    sync.Once
}

// NewRequestLimiter creates a limiter with the given per-window budget.
// A background loop evicts idle keys to bound the map.
func NewRequestLimiter(maxRequests int, windowSize time.Duration, logger zerolog.Logger) *RequestLimiter {
	l := &RequestLimiter{
		maxRequests: maxRequests,
		windowSize:  windowSize,
		windows:     make(map[string]*window),
		logger:      logger.With().Str("component", "request_limiter").Logger(),
		cleanup:     time.NewTicker(time.Minute),
		stop:        make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Consume takes one token from the key's current window.
func (l *RequestLimiter) Consume(key string) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.windowSize {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.lastAccess = now

	if w.count >= l.maxRequests {
		retry := l.windowSize - now.Sub(w.start)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}
	w.count++
	return Decision{Allowed: true}
}

func (l *RequestLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanup.C:
			l.evictIdle()
		case <-l.stop:
			l.cleanup.Stop()
			return
		}
	}
}

func (l *RequestLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.lastAccess) > 2*l.windowSize {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.windows)).Msg("Evicted idle rate-limit windows")
	}
}

// Stop terminates the eviction loop. Safe to call more than once; a nil
// limiter is a no-op.
func (l *RequestLimiter) Stop() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.stop) })
}
