// Package rules defines the optional rule-engine collaborator: topic
// events with correlation tracking plus keyed facts, both subscribable
// by pattern. Topic patterns use "." as the segment separator, fact
// patterns use ":"; "*" matches exactly one segment in either.
package rules

import (
	"context"
	"strings"
	"sync"
)

// Event is the envelope produced by Emit and delivered to subscribers.
type Event struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Data          map[string]any `json:"data"`
	Timestamp     int64          `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty"`
}

// Subscription is a live registration on a topic pattern. Events is
// closed when the subscription is cancelled, by either side.
type Subscription struct {
	ID      string
	Pattern string
	Events  <-chan *Event

	cancelOnce sync.Once
	cancelFn   func()
}

// NewSubscription is used by Engine implementations.
func NewSubscription(id, pattern string, events <-chan *Event, cancel func()) *Subscription {
	return &Subscription{ID: id, Pattern: pattern, Events: events, cancelFn: cancel}
}

// Cancel detaches the subscription from its source. Idempotent.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
		}
	})
}

// Engine is the collaborator interface. Implementations must be safe
// for concurrent use; errors should be *protocol.Error values where a
// client-facing code applies.
type Engine interface {
	Emit(ctx context.Context, topic string, data map[string]any, correlationID, causationID string) (*Event, error)

	SetFact(ctx context.Context, key string, value any) error
	GetFact(ctx context.Context, key string) (any, bool, error)
	DeleteFact(ctx context.Context, key string) (bool, error)
	QueryFacts(ctx context.Context, pattern string) (map[string]any, error)
	AllFacts(ctx context.Context) (map[string]any, error)

	Subscribe(pattern string) (*Subscription, error)
	Stats(ctx context.Context) (map[string]any, error)

	Healthy() bool
	Close() error
}

// MatchTopic matches a dot-separated topic against a pattern where "*"
// matches exactly one segment.
func MatchTopic(pattern, topic string) bool {
	return matchSegments(pattern, topic, ".")
}

// MatchFactKey matches a colon-separated fact key against a pattern.
func MatchFactKey(pattern, key string) bool {
	return matchSegments(pattern, key, ":")
}

func matchSegments(pattern, value, sep string) bool {
	ps := strings.Split(pattern, sep)
	vs := strings.Split(value, sep)
	if len(ps) != len(vs) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != vs[i] {
			return false
		}
	}
	return true
}
