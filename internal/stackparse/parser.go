// Package stackparse resolves the callsite and surrounding source of an
// exception from the structured stack frames the supervisor reports.
package stackparse

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
)

const defaultCacheEntries = 64

// Result is what the parser could resolve. Empty fields were not resolved.
type Result struct {
	Callsite string
	Context  string
}

// Frame is one decoded stack frame.
type Frame struct {
	File string
	Line int
}

// Option configures a Parser.
type Option func(*Parser)

// WithReadFile replaces the function used to load source files.
func WithReadFile(f func(string) ([]byte, error)) Option {
	return func(p *Parser) { p.readFile = f }
}

// WithCacheEntries sets how many source files are kept in memory. Default: 64.
func WithCacheEntries(n int) Option {
	return func(p *Parser) { p.cacheEntries = n }
}

// Parser turns stack frames into a callsite and a context window.
type Parser struct {
	context      int
	cacheEntries int
	readFile     func(string) ([]byte, error)

	mu    sync.Mutex
	cache *lru.Cache // path -> []string
}

// New creates a parser showing contextLines lines around the faulting line.
func New(contextLines int, opts ...Option) *Parser {
	p := &Parser{
		context:      contextLines,
		cacheEntries: defaultCacheEntries,
		readFile:     os.ReadFile,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache = lru.New(p.cacheEntries)
	return p
}

// Parse inspects frames, a decoded JSON array of frame objects, and returns
// the first application frame whose source is readable. It returns nil when
// no frame qualifies.
func (p *Parser) Parse(frames any) *Result {
	for _, frame := range decodeFrames(frames) {
		if !isApplicationFile(frame.File) {
			continue
		}
		lines, ok := p.source(frame.File)
		if !ok || frame.Line < 1 || frame.Line > len(lines) {
			continue
		}
		return &Result{
			Callsite: fmt.Sprintf("%s:%d", frame.File, frame.Line),
			Context:  p.window(lines, frame.Line),
		}
	}
	return nil
}

// window renders the lines around line (1-based), marking it with ">>".
func (p *Parser) window(lines []string, line int) string {
	start := max(line-1-p.context, 0)
	end := min(line+p.context, len(lines))

	var b strings.Builder
	for i := start; i < end; i++ {
		if i > start {
			b.WriteByte('\n')
		}
		if i == line-1 {
			b.WriteString(">>")
		} else {
			b.WriteString("  ")
		}
		b.WriteString(lines[i])
	}
	return b.String()
}

// source returns the lines of path, loading them on a cache miss.
// Unreadable files are not cached.
func (p *Parser) source(path string) ([]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.cache.Get(path); ok {
		return cached.([]string), true
	}

	content, err := p.readFile(filepath.Clean(path))
	if err != nil {
		return nil, false
	}
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	p.cache.Add(path, lines)
	return lines, true
}

// isApplicationFile filters out runtime internals and dependencies.
func isApplicationFile(file string) bool {
	switch {
	case file == "":
		return false
	case strings.HasPrefix(file, "node:"), strings.HasPrefix(file, "internal/"):
		return false
	case strings.Contains(file, string(filepath.Separator)+"node_modules"+string(filepath.Separator)):
		return false
	default:
		return filepath.IsAbs(file)
	}
}

// decodeFrames accepts both snake_case and camelCase frame keys.
func decodeFrames(frames any) []Frame {
	list, ok := frames.([]any)
	if !ok {
		return nil
	}

	out := make([]Frame, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Frame{
			File: firstString(m, "file_name", "fileName"),
			Line: firstInt(m, "line_number", "lineNumber"),
		})
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}
