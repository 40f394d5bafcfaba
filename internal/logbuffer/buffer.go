package logbuffer

import (
	"sync"

	"github.com/mrzor/pm-push/internal/procmeta"
)

// Buffer manages per-process log histories.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	lines    map[string][]any // process id text -> raw log lines
}

// New creates a buffer holding at most capacity lines per process.
// A capacity of zero or less disables history entirely.
func New(capacity int) *Buffer {
	return &Buffer{
		capacity: capacity,
		lines:    make(map[string][]any),
	}
}

// Capacity returns the per-process line limit.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Push appends line to the history of id (command).
// The history is created on the first push for that id. Histories are keyed
// by the textual id, so the number 1 and the string "1" share one.
func (b *Buffer) Push(id procmeta.PMID, line any) {
	if b.capacity <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	history := b.lines[id.String()]
	if len(history) >= b.capacity {
		history = history[:len(history)-1]
	}
	b.lines[id.String()] = append(history, line)
}

// Snapshot returns a copy of the history of id (query).
// The boolean is false when nothing was ever recorded for id.
func (b *Buffer) Snapshot(id procmeta.PMID) ([]any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history, ok := b.lines[id.String()]
	if !ok {
		return nil, false
	}
	out := make([]any, len(history))
	copy(out, history)
	return out, true
}

// Len returns the number of lines buffered for id (query).
func (b *Buffer) Len(id procmeta.PMID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines[id.String()])
}

// IDs returns the textual id of every process with a history (query).
func (b *Buffer) IDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.lines))
	for id := range b.lines {
		ids = append(ids, id)
	}
	return ids
}

// Delete removes the history of id (command).
func (b *Buffer) Delete(id procmeta.PMID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lines, id.String())
}
