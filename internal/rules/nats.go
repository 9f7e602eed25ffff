package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odin-rt/gateway/internal/protocol"
)

const (
	eventSubjectPrefix = "rules.events."
	factSubjectPrefix  = "rules.facts."
)

// NATSConfig tunes the broker connection.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

// NATSEngine implements Engine on a NATS broker. Events travel as JSON
// on subjects derived from the topic; facts live in a local table and
// are replicated to peers via fact subjects, so every gateway instance
// converges on the same fact set.
type NATSEngine struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu    sync.RWMutex
	facts map[string]any

	subMu   sync.Mutex
	subs    map[string]*nats.Subscription
	nextSub int64

	factSub *nats.Subscription
	emitted int64
}

type factMessage struct {
	Key     string `json:"key"`
	Value   any    `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// NewNATSEngine connects to the broker and joins the fact replication
// stream.
func NewNATSEngine(cfg NATSConfig, logger zerolog.Logger) (*NATSEngine, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}

	e := &NATSEngine{
		logger: logger.With().Str("component", "rules-nats").Logger(),
		facts:  make(map[string]any),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			e.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			e.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			e.logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	e.conn = conn

	// Fact replication: merge every peer's fact writes into the local
	// table so reads never cross the network.
	e.factSub, err = conn.Subscribe(factSubjectPrefix+">", e.onFactMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to fact stream: %w", err)
	}

	e.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Rule engine connected to NATS")
	return e, nil
}

func (e *NATSEngine) onFactMessage(msg *nats.Msg) {
	var fm factMessage
	if err := json.Unmarshal(msg.Data, &fm); err != nil {
		e.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed fact message")
		return
	}
	e.mu.Lock()
	if fm.Deleted {
		delete(e.facts, fm.Key)
	} else {
		e.facts[fm.Key] = protocol.Normalize(fm.Value)
	}
	e.mu.Unlock()
}

// topicSubject maps a dot-separated topic (or pattern) onto a NATS
// subject. NATS "*" is also a single-segment wildcard, so patterns pass
// through unchanged.
func topicSubject(topic string) string {
	return eventSubjectPrefix + topic
}

// factSubject maps a colon-separated fact key onto a NATS subject.
func factSubject(key string) string {
	return factSubjectPrefix + strings.ReplaceAll(key, ":", ".")
}

func validTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" || seg == ">" {
			return false
		}
	}
	return true
}

func (e *NATSEngine) Emit(_ context.Context, topic string, data map[string]any, correlationID, causationID string) (*Event, error) {
	if !validTopic(topic) || strings.Contains(topic, "*") {
		return nil, protocol.E(protocol.CodeValidationError, "invalid topic")
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
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, protocol.E(protocol.CodeInternal, "failed to encode event")
	}
	if err := e.conn.Publish(topicSubject(topic), payload); err != nil {
		e.logger.Error().Err(err).Str("topic", topic).Msg("Event publish failed")
		return nil, protocol.E(protocol.CodeInternal, "event publish failed")
	}
	atomic.AddInt64(&e.emitted, 1)
	return ev, nil
}

func (e *NATSEngine) SetFact(_ context.Context, key string, value any) error {
	if key == "" {
		return protocol.E(protocol.CodeValidationError, "fact key is required")
	}
	e.mu.Lock()
	e.facts[key] = protocol.Normalize(value)
	e.mu.Unlock()

	payload, err := json.Marshal(factMessage{Key: key, Value: value})
	if err != nil {
		return protocol.E(protocol.CodeInternal, "failed to encode fact")
	}
	if err := e.conn.Publish(factSubject(key), payload); err != nil {
		e.logger.Error().Err(err).Str("key", key).Msg("Fact publish failed")
	}
	return nil
}

func (e *NATSEngine) GetFact(_ context.Context, key string) (any, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.facts[key]
	return v, ok, nil
}

func (e *NATSEngine) DeleteFact(_ context.Context, key string) (bool, error) {
	e.mu.Lock()
	_, ok := e.facts[key]
	delete(e.facts, key)
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	payload, err := json.Marshal(factMessage{Key: key, Deleted: true})
	if err == nil {
		if err := e.conn.Publish(factSubject(key), payload); err != nil {
			e.logger.Error().Err(err).Str("key", key).Msg("Fact tombstone publish failed")
		}
	}
	return true, nil
}

func (e *NATSEngine) QueryFacts(_ context.Context, pattern string) (map[string]any, error) {
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

func (e *NATSEngine) AllFacts(_ context.Context) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.facts))
	for k, v := range e.facts {
		out[k] = v
	}
	return out, nil
}

func (e *NATSEngine) Subscribe(pattern string) (*Subscription, error) {
	if !validTopic(strings.ReplaceAll(pattern, "*", "x")) {
		return nil, protocol.E(protocol.CodeValidationError, "invalid pattern")
	}

	ch := make(chan *Event, 64)
	nsub, err := e.conn.Subscribe(topicSubject(pattern), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			e.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed event")
			return
		}
		select {
		case ch <- &ev:
		default:
			e.logger.Warn().Str("topic", ev.Topic).Msg("Subscriber buffer full, event dropped")
		}
	})
	if err != nil {
		return nil, protocol.E(protocol.CodeInternal, "broker subscribe failed")
	}

	e.subMu.Lock()
	e.nextSub++
	id := fmt.Sprintf("nevt-%d", e.nextSub)
	e.subs[id] = nsub
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if s, live := e.subs[id]; live {
			delete(e.subs, id)
			if err := s.Unsubscribe(); err != nil {
				e.logger.Warn().Err(err).Str("subscription", id).Msg("Unsubscribe failed")
			}
			close(ch)
		}
	}
	return NewSubscription(id, pattern, ch, cancel), nil
}

func (e *NATSEngine) Stats(_ context.Context) (map[string]any, error) {
	e.mu.RLock()
	facts := len(e.facts)
	e.mu.RUnlock()

	e.subMu.Lock()
	subs := len(e.subs)
	e.subMu.Unlock()

	ns := e.conn.Stats()
	return map[string]any{
		"facts":         facts,
		"subscriptions": subs,
		"eventsEmitted": atomic.LoadInt64(&e.emitted),
		"connected":     e.conn.IsConnected(),
		"reconnects":    ns.Reconnects,
		"brokerInMsgs":  ns.InMsgs,
		"brokerOutMsgs": ns.OutMsgs,
	}, nil
}

func (e *NATSEngine) Healthy() bool {
	return e.conn != nil && e.conn.IsConnected()
}

// Close drops all subscriptions and the broker connection.
func (e *NATSEngine) Close() error {
	e.subMu.Lock()
	for id, s := range e.subs {
		delete(e.subs, id)
		if err := s.Unsubscribe(); err != nil {
			e.logger.Warn().Err(err).Str("subscription", id).Msg("Unsubscribe failed")
		}
	}
	e.subMu.Unlock()

	if e.factSub != nil {
		_ = e.factSub.Unsubscribe()
	}
	if e.conn != nil {
		e.conn.Close()
	}
	return nil
}
