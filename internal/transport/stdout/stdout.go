// Package stdout writes outbound messages as newline-delimited JSON, for dry
// runs and piping into other tools.
package stdout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mrzor/pm-push/internal/transport"
)

// Transport encodes one {channel, data} object per line.
type Transport struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// New creates a Transport writing to w, or to os.Stdout when w is nil.
func New(w io.Writer) *Transport {
	if w == nil {
		w = os.Stdout
	}
	return &Transport{enc: json.NewEncoder(w)}
}

func (t *Transport) Send(channel string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(transport.Message{Channel: channel, Data: payload}); err != nil {
		return fmt.Errorf("stdout transport: %w", err)
	}
	return nil
}

func (t *Transport) Close() error {
	return nil
}
