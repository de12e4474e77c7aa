package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// auditEntry is one mutating request against the pipeline.
type auditEntry struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id,omitempty"`
	Principal string    `json:"principal"`
	Method    string    `json:"method"`
	Route     string    `json:"route"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Outcome   string    `json:"outcome"`
}

func outcomeOf(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return "failed"
	case status >= http.StatusBadRequest:
		return "rejected"
	default:
		return "applied"
	}
}

// auditTrail keeps the newest entries in a fixed ring and mirrors every
// entry to an optional JSON-lines journal.
type auditTrail struct {
	mu      sync.Mutex
	ring    []auditEntry
	next    int
	full    bool
	journal io.WriteCloser
	enc     *json.Encoder
}

func newAuditTrail(size int, journal io.WriteCloser) *auditTrail {
	if size <= 0 {
		size = 200
	}
	t := &auditTrail{ring: make([]auditEntry, size), journal: journal}
	if journal != nil {
		t.enc = json.NewEncoder(journal)
	}
	return t
}

// openJournal opens path for appending; an empty path means no journal.
func openJournal(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// record stores e and returns the journal write error, if any.
func (t *auditTrail) record(e auditEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = e
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
	if t.enc == nil {
		return nil
	}
	return t.enc.Encode(e)
}

// tail returns up to limit entries, oldest first.
func (t *auditTrail) tail(limit int) []auditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	if t.full {
		n = len(t.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]auditEntry, 0, limit)
	start := t.next - limit
	for i := 0; i < limit; i++ {
		out = append(out, t.ring[(start+i+len(t.ring))%len(t.ring)])
	}
	return out
}

func (t *auditTrail) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.journal == nil {
		return nil
	}
	err := t.journal.Close()
	t.journal, t.enc = nil, nil
	return err
}
