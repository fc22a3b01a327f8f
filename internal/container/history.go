package container

import (
	"sync"
	"time"
)

const (
	historyCap  = 50
	historyKeep = 25 // most recent block kept after a trim
)

// Invocation is one entry in the execution history ring.
type Invocation struct {
	Timestamp time.Time     `json:"timestamp"`
	Container string        `json:"container"`
	Command   string        `json:"command"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
}

// History is a bounded in-memory ring of recent invocations, safe for
// concurrent appends. When the ring exceeds its cap it is trimmed to the
// most recent contiguous block.
type History struct {
	mu      sync.Mutex
	entries []Invocation
}

func NewHistory() *History {
	return &History{}
}

// Append records an invocation, trimming oldest entries on overflow.
func (h *History) Append(inv Invocation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) >= historyCap {
		h.entries = append([]Invocation(nil), h.entries[len(h.entries)-historyKeep:]...)
	}
	h.entries = append(h.entries, inv)
}

// Recent returns up to limit entries, newest last. limit <= 0 returns all.
func (h *History) Recent(limit int) []Invocation {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Invocation, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Len reports the current number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
