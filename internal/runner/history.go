package runner

import (
	"sync"
	"time"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// History is the append-only in-memory conversation record. Entries are
// never mutated after append.
type History struct {
	mu      sync.Mutex
	entries []v1.HistoryEntry
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append records one message.
func (h *History) Append(role, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, v1.HistoryEntry{
		Role:      role,
		Body:      body,
		Timestamp: time.Now().UTC(),
	})
}

// Last returns a copy of the last n entries, or all of them when n is zero
// or negative.
func (h *History) Last(n int) []v1.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if n > 0 && n < len(h.entries) {
		start = len(h.entries) - n
	}
	out := make([]v1.HistoryEntry, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

// Len returns the number of recorded entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
