package server

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/odin-rt/gateway/internal/monitoring"
	"github.com/odin-rt/gateway/internal/protocol"
	"github.com/odin-rt/gateway/internal/rules"
	"github.com/odin-rt/gateway/internal/store"
)

type subKind int

const (
	kindQuery subKind = iota
	kindEvent
)

// Sink receives pushes for a connection's subscriptions. Implemented by
// the connection actor; must be safe to call from pump goroutines.
type Sink interface {
	EnqueuePush(channel, subscriptionID string, data any)
}

// subscription ties a source-side registration to its owning
// connection. lastValue is touched only by the pump goroutine.
type subscription struct {
	id     string
	connID int64
	kind   subKind
	cancel func()

	lastValue any
}

// Manager owns every live subscription in the process. The id space is
// flat across kinds and monotonic per gateway.
type Manager struct {
	mu      sync.Mutex
	nextID  int64
	byConn  map[int64]map[string]*subscription
	maxPer  int
	metrics *monitoring.Metrics
	logger  zerolog.Logger
}

func NewManager(maxPerConn int, metrics *monitoring.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		byConn:  make(map[int64]map[string]*subscription),
		maxPer:  maxPerConn,
		metrics: metrics,
		logger:  logger.With().Str("component", "subscriptions").Logger(),
	}
}

func (m *Manager) errLimit() *protocol.Error {
	return protocol.Ef(protocol.CodeRateLimited, "subscription limit reached (%d per connection)", m.maxPer)
}

// register inserts under the cap, or reports why it cannot.
func (m *Manager) register(connID int64, kind subKind, cancel func(), initial any) (*subscription, *protocol.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byConn[connID]) >= m.maxPer {
		return nil, m.errLimit()
	}
	m.nextID++
	sub := &subscription{
		id:        fmt.Sprintf("sub-%d", m.nextID),
		connID:    connID,
		kind:      kind,
		cancel:    cancel,
		lastValue: initial,
	}
	if m.byConn[connID] == nil {
		m.byConn[connID] = make(map[string]*subscription)
	}
	m.byConn[connID][sub.id] = sub
	m.metrics.SubscriptionsLive.Inc()
	return sub, nil
}

// SubscribeQuery registers a reactive query subscription. The returned
// initial value is the query result at registration time; pushes start
// with the first change after it.
func (m *Manager) SubscribeQuery(connID int64, sink Sink, st store.Store, query string, params store.Record) (string, any, error) {
	m.mu.Lock()
	over := len(m.byConn[connID]) >= m.maxPer
	m.mu.Unlock()
	if over {
		return "", nil, m.errLimit()
	}

	src, err := st.SubscribeQuery(query, params)
	if err != nil {
		return "", nil, err
	}

	sub, perr := m.register(connID, kindQuery, src.Cancel, src.Initial)
	if perr != nil {
		// Raced past the cap between the check and the source call.
		src.Cancel()
		return "", nil, perr
	}

	go m.pumpQuery(sub, sink, src)
	return sub.id, src.Initial, nil
}

// pumpQuery forwards re-evaluations, suppressing values deep-equal to
// the last delivered one. Exits when the source closes the stream.
func (m *Manager) pumpQuery(sub *subscription, sink Sink, src *store.QuerySubscription) {
	for v := range src.Values {
		if protocol.DeepEqual(sub.lastValue, v) {
			continue
		}
		sub.lastValue = v
		sink.EnqueuePush("subscription", sub.id, v)
	}
}

// SubscribeEvents registers a rule-engine topic subscription. Event
// pushes are never deduplicated.
func (m *Manager) SubscribeEvents(connID int64, sink Sink, engine rules.Engine, pattern string) (string, error) {
	m.mu.Lock()
	over := len(m.byConn[connID]) >= m.maxPer
	m.mu.Unlock()
	if over {
		return "", m.errLimit()
	}

	src, err := engine.Subscribe(pattern)
	if err != nil {
		return "", err
	}

	sub, perr := m.register(connID, kindEvent, src.Cancel, nil)
	if perr != nil {
		src.Cancel()
		return "", perr
	}

	go func() {
		for ev := range src.Events {
			sink.EnqueuePush("event", sub.id, map[string]any{"topic": ev.Topic, "event": ev})
		}
	}()
	return sub.id, nil
}

// Unsubscribe cancels one subscription. The source cancel runs before
// returning, so the caller's response confirms the cancellation.
// Unknown ids (including double-unsubscribe) report NOT_FOUND.
func (m *Manager) Unsubscribe(connID int64, subscriptionID string) error {
	m.mu.Lock()
	sub, ok := m.byConn[connID][subscriptionID]
	if ok {
		delete(m.byConn[connID], subscriptionID)
		m.metrics.SubscriptionsLive.Dec()
	}
	m.mu.Unlock()

	if !ok {
		return protocol.Ef(protocol.CodeNotFound, "no subscription %q", subscriptionID)
	}
	sub.cancel()
	return nil
}

// DropConnection cancels everything a connection owns, exactly once per
// subscription.
func (m *Manager) DropConnection(connID int64) {
	m.mu.Lock()
	subs := m.byConn[connID]
	delete(m.byConn, connID)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		m.metrics.SubscriptionsLive.Dec()
	}
	if len(subs) > 0 {
		m.logger.Debug().Int64("conn", connID).Int("count", len(subs)).Msg("Subscriptions cancelled on teardown")
	}
}

// CountFor returns a connection's live subscription counts by kind.
func (m *Manager) CountFor(connID int64) (queries, events int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.byConn[connID] {
		if sub.kind == kindQuery {
			queries++
		} else {
			events++
		}
	}
	return
}
