package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/odin-rt/gateway/internal/protocol"
)

type memorySub struct {
	id      string
	pattern string
	ch      chan *Event
}

// MemoryEngine is the process-local Engine implementation.
type MemoryEngine struct {
	mu    sync.RWMutex
	facts map[string]any

	subMu   sync.Mutex
	subs    map[string]*memorySub
	nextSub int64

	emitted int64
	dropped int64

	logger zerolog.Logger
}

// NewMemoryEngine creates an engine with no facts and no subscribers.
func NewMemoryEngine(logger zerolog.Logger) *MemoryEngine {
	return &MemoryEngine{
		facts:  make(map[string]any),
		subs:   make(map[string]*memorySub),
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

func (e *MemoryEngine) Emit(_ context.Context, topic string, data map[string]any, correlationID, causationID string) (*Event, error) {
	if topic == "" {
		return nil, protocol.E(protocol.CodeValidationError, "topic is required")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, protocol.E(protocol.CodeInternal, "failed to generate event id")
	}
	ev := &Event{
		ID:            id.String(),
		Topic:         topic,
		Data:          data,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
		CausationID:   causationID,
	}
	atomic.AddInt64(&e.emitted, 1)
	e.deliver(ev)
	return ev, nil
}

// deliver fans the event out to every matching subscriber. A full
// buffer drops the event for that subscriber only.
func (e *MemoryEngine) deliver(ev *Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for _, sub := range e.subs {
		if !MatchTopic(sub.pattern, ev.Topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			atomic.AddInt64(&e.dropped, 1)
			e.logger.Warn().Str("subscription", sub.id).Str("topic", ev.Topic).Msg("Subscriber buffer full, event dropped")
		}
	}
}

func (e *MemoryEngine) SetFact(_ context.Context, key string, value any) error {
	if key == "" {
		return protocol.E(protocol.CodeValidationError, "fact key is required")
	}
	e.mu.Lock()
	e.facts[key] = protocol.Normalize(value)
	e.mu.Unlock()
	return nil
}

func (e *MemoryEngine) GetFact(_ context.Context, key string) (any, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.facts[key]
	return v, ok, nil
}

func (e *MemoryEngine) DeleteFact(_ context.Context, key string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.facts[key]; !ok {
		return false, nil
	}
	delete(e.facts, key)
	return true, nil
}

func (e *MemoryEngine) QueryFacts(_ context.Context, pattern string) (map[string]any, error) {
	if pattern == "" {
		return nil, protocol.E(protocol.CodeValidationError, "pattern is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[string]any{}
	for k, v := range e.facts {
		if MatchFactKey(pattern, k) {
			out[k] = v
		}
	}
	return out, nil
}

func (e *MemoryEngine) AllFacts(_ context.Context) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.facts))
	for k, v := range e.facts {
		out[k] = v
	}
	return out, nil
}

func (e *MemoryEngine) Subscribe(pattern string) (*Subscription, error) {
	if pattern == "" {
		return nil, protocol.E(protocol.CodeValidationError, "pattern is required")
	}

	e.subMu.Lock()
	e.nextSub++
	sub := &memorySub{
		id:      fmt.Sprintf("evt-%d", e.nextSub),
		pattern: pattern,
		ch:      make(chan *Event, 64),
	}
	e.subs[sub.id] = sub
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, live := e.subs[sub.id]; live {
			delete(e.subs, sub.id)
			close(sub.ch)
		}
	}
	return NewSubscription(sub.id, pattern, sub.ch, cancel), nil
}

func (e *MemoryEngine) Stats(_ context.Context) (map[string]any, error) {
	e.mu.RLock()
	facts := len(e.facts)
	e.mu.RUnlock()

	e.subMu.Lock()
	subs := len(e.subs)
	e.subMu.Unlock()

	return map[string]any{
		"facts":         facts,
		"subscriptions": subs,
		"eventsEmitted": atomic.LoadInt64(&e.emitted),
		"eventsDropped": atomic.LoadInt64(&e.dropped),
	}, nil
}

func (e *MemoryEngine) Healthy() bool { return true }

// Close cancels all subscriptions.
func (e *MemoryEngine) Close() error {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub.ch)
	}
	return nil
}
