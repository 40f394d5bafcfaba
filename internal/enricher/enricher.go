// Package enricher attaches buffered logs and parsed stack context to
// exception payloads.
package enricher

import (
	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/stackparse"
)

// Exception payload keys.
const (
	KeyLastLogs    = "last_logs"
	KeyStackFrames = "stackframes"
	KeyCallsite    = "callsite"
	KeyContext     = "context"
)

// LogSource exposes read access to the per-process log history.
type LogSource interface {
	Snapshot(id procmeta.PMID) ([]any, bool)
}

// StackParser resolves a callsite from structured stack frames.
type StackParser interface {
	Parse(frames any) *stackparse.Result
}

// Enricher mutates exception payloads in place.
type Enricher struct {
	logs   LogSource
	parser StackParser
}

// New creates an Enricher. parser may be nil, in which case stack frames are
// still stripped but never parsed.
func New(logs LogSource, parser StackParser) *Enricher {
	return &Enricher{logs: logs, parser: parser}
}

// Enrich adds last_logs, callsite and context to data and strips the raw
// stack frames.
//
// last_logs is the log history of id at call time and is left unset when no
// line was ever buffered. stackframes is always removed; it is only parsed
// when it is structured (array, object or null), since a plain string
// duplicates the stack trace already present on the payload.
func (e *Enricher) Enrich(id procmeta.PMID, data map[string]any) {
	if data == nil {
		return
	}

	if lines, ok := e.logs.Snapshot(id); ok {
		data[KeyLastLogs] = lines
	}

	frames, ok := data[KeyStackFrames]
	if !ok {
		return
	}
	delete(data, KeyStackFrames)

	if !structured(frames) || e.parser == nil {
		return
	}
	result := e.parser.Parse(frames)
	if result == nil {
		return
	}
	if result.Callsite != "" {
		data[KeyCallsite] = result.Callsite
	}
	if result.Context != "" {
		data[KeyContext] = result.Context
	}
}

func structured(v any) bool {
	switch v.(type) {
	case nil, []any, map[string]any:
		return true
	default:
		return false
	}
}
