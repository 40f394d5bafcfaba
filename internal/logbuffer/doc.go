// Package logbuffer keeps a bounded history of raw log lines per process.
//
// Buffer provides command-query separation:
//
// Queries (read-only):
//   - Snapshot(id) - Copy of the buffered lines, oldest first
//   - Len(id) - Number of buffered lines
//   - IDs() - Processes with a history
//
// Commands (mutations):
//   - Push(id, line) - Append a line, evicting when full
//   - Delete(id) - Forget a process
//
// When a history is full, Push evicts the most recently pushed line (the tail)
// before appending. Once saturated, each new line therefore replaces the
// previous newest one and the older lines stay pinned.
//
// Thread-safe with RWMutex for concurrent access.
package logbuffer
