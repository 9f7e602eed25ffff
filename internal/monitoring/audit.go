package monitoring

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEntry records one security-relevant action: logins, permission
// denials, structural changes, shutdowns.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditLog is a fixed-capacity ring of recent entries, mirrored to the
// structured log. A nil AuditLog discards everything.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
	logger  zerolog.Logger
}

// NewAuditLog creates a ring holding the last capacity entries.
func NewAuditLog(capacity int, logger zerolog.Logger) *AuditLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &AuditLog{
		entries: make([]AuditEntry, capacity),
		logger:  logger.With().Str("component", "audit").Logger(),
	}
}

// Record appends an entry, evicting the oldest when full.
func (a *AuditLog) Record(entry AuditEntry) {
	if a == nil {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	a.mu.Lock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	a.logger.Info().
		Str("event", entry.Event).
		Str("actor", entry.Actor).
		Str("operation", entry.Operation).
		Str("resource", entry.Resource).
		Msg(entry.Detail)
}

// Recent returns up to n entries, newest first.
func (a *AuditLog) Recent(n int) []AuditEntry {
	if a == nil || n <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.full {
		size = len(a.entries)
	}
	if n > size {
		n = size
	}

	out := make([]AuditEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (a.next - i + len(a.entries)) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}
