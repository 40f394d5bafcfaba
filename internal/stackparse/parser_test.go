package stackparse

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.js")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

func frame(file string, line int) map[string]any {
	return map[string]any{"file_name": file, "line_number": float64(line)}
}

func TestParse_ResolvesFirstApplicationFrame(t *testing.T) {
	path := writeSource(t, "a", "b", "c", "throw err", "e", "f", "g")
	p := New(2)

	got := p.Parse([]any{
		frame("node:internal/process", 10),
		frame("/srv/app/node_modules/lib/index.js", 3),
		frame(path, 4),
	})

	require.NotNil(t, got)
	assert.Equal(t, path+":4", got.Callsite)
	assert.Equal(t, "  b\n  c\n>>throw err\n  e\n  f", got.Context)
}

func TestParse_ClampsWindowAtFileEdges(t *testing.T) {
	path := writeSource(t, "first", "second")
	p := New(5)

	got := p.Parse([]any{frame(path, 1)})

	require.NotNil(t, got)
	assert.Equal(t, ">>first\n  second", got.Context)
}

func TestParse_CamelCaseFrames(t *testing.T) {
	path := writeSource(t, "only")
	p := New(0)

	got := p.Parse([]any{map[string]any{"fileName": path, "lineNumber": float64(1)}})

	require.NotNil(t, got)
	assert.Equal(t, ">>only", got.Context)
}

func TestParse_NothingResolvable(t *testing.T) {
	p := New(2)

	assert.Nil(t, p.Parse(nil))
	assert.Nil(t, p.Parse(map[string]any{"file_name": "/x.js"}))
	assert.Nil(t, p.Parse([]any{frame("relative/app.js", 1)}))
	assert.Nil(t, p.Parse([]any{frame("/does/not/exist.js", 1)}))
}

func TestParse_LineOutOfRange(t *testing.T) {
	path := writeSource(t, "one", "two")
	p := New(1)

	assert.Nil(t, p.Parse([]any{frame(path, 9)}))
	assert.Nil(t, p.Parse([]any{frame(path, 0)}))
}

func TestParse_CachesSource(t *testing.T) {
	reads := 0
	p := New(0, WithReadFile(func(string) ([]byte, error) {
		reads++
		return []byte("x\ny"), nil
	}))

	for i := 0; i < 3; i++ {
		require.NotNil(t, p.Parse([]any{frame("/srv/app.js", 2)}))
	}
	assert.Equal(t, 1, reads)
}

func TestParse_DoesNotCacheFailures(t *testing.T) {
	reads := 0
	p := New(0, WithReadFile(func(string) ([]byte, error) {
		reads++
		return nil, errors.New("permission denied")
	}))

	assert.Nil(t, p.Parse([]any{frame("/srv/app.js", 1)}))
	assert.Nil(t, p.Parse([]any{frame("/srv/app.js", 1)}))
	assert.Equal(t, 2, reads)
}
