// Implements the in-memory, append-only mutation history.

package docstore

import (
	"sync"
	"time"

	"github.com/maruel/ksid"
)

// Action is the kind of mutation recorded in the audit log.
type Action string

// Audited actions.
const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// AuditEntry is one recorded mutation.
type AuditEntry struct {
	ID        ksid.ID   `json:"id"`
	Action    Action    `json:"action"`
	Data      Record    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditLog keeps the mutation history of each collection for the lifetime of
// the value. Entries are never modified or evicted, so memory grows with the
// number of mutations.
type AuditLog struct {
	mu      sync.Mutex
	entries map[string][]AuditEntry
}

// NewAuditLog returns an empty AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{entries: make(map[string][]AuditEntry)}
}

// Record appends an entry for collection. data is copied.
func (l *AuditLog) Record(collection string, action Action, data Record) {
	e := AuditEntry{ID: ksid.NewID(), Action: action, Data: data.Clone(), Timestamp: time.Now()}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[collection] = append(l.entries[collection], e)
}

// History returns a copy of the entries recorded for collection, oldest first.
func (l *AuditLog) History(collection string) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.entries[collection]
	out := make([]AuditEntry, len(src))
	for i, e := range src {
		e.Data = e.Data.Clone()
		out[i] = e
	}
	return out
}
