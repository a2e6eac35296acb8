package terminal

import (
	"strings"
	"sync"
)

// DefaultHistorySize is the number of output chunks kept when no size is configured.
const DefaultHistorySize = 1000

// History is a bounded FIFO of raw output chunks. Once full, each Append
// evicts the oldest entry.
type History struct {
	mu      sync.Mutex
	entries []string
	start   int
	size    int
}

// NewHistory creates an empty history holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{entries: make([]string, capacity)}
}

// Append adds a chunk, evicting the oldest one when the history is full.
func (h *History) Append(chunk string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.entries)
	if h.size < capacity {
		h.entries[(h.start+h.size)%capacity] = chunk
		h.size++
		return
	}
	h.entries[h.start] = chunk
	h.start = (h.start + 1) % capacity
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Cap returns the maximum number of entries.
func (h *History) Cap() int { return len(h.entries) }

// Entries returns the stored chunks, oldest first.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.entries[(h.start+i)%len(h.entries)]
	}
	return out
}

// String joins every entry with a newline.
func (h *History) String() string {
	return strings.Join(h.Entries(), "\n")
}
