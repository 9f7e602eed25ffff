package server

import (
	"sync"
	"time"
)

// Entry is one registry snapshot row.
type Entry struct {
	ID            int64     `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	UserID        string    `json:"userId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	StoreSubs     int       `json:"storeSubs"`
	RulesSubs     int       `json:"rulesSubs"`
}

// Registry tracks every live connection. Updated at accept, login,
// logout, subscription add/remove, and disconnect.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]Entry)}
}

func (r *Registry) Add(e Entry) {
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
}

// Update mutates one entry in place. Missing ids are ignored; the
// connection already tore down.
func (r *Registry) Update(id int64, fn func(*Entry)) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		fn(&e)
		r.entries[id] = e
	}
	r.mu.Unlock()
}

func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns an immutable copy of all entries.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Aggregate sums the fleet-wide counters for server.stats.
func (r *Registry) Aggregate() (active, authenticated, storeSubs, rulesSubs int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		active++
		if e.Authenticated {
			authenticated++
		}
		storeSubs += e.StoreSubs
		rulesSubs += e.RulesSubs
	}
	return
}
