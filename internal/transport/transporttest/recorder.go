// Package transporttest provides a recording Transport for tests.
package transporttest

import (
	"sync"

	"github.com/mrzor/pm-push/internal/transport"
)

// Recorder keeps every message it is given.
type Recorder struct {
	mu       sync.Mutex
	messages []transport.Message
	err      error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent sends record the message and return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Send records the message.
func (r *Recorder) Send(channel string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, transport.Message{Channel: channel, Data: payload})
	return r.err
}

// Messages returns a copy of what was recorded, in send order.
func (r *Recorder) Messages() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Channels returns the channel of every recorded message.
func (r *Recorder) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Channel
	}
	return out
}
