// Package websocket delivers outbound messages to the monitoring backend
// over a single websocket connection.
//
// Messages are encoded on Send and queued; one writer goroutine drains the
// queue. A full queue drops the message. The connection is dialed once and
// is not re-established when it breaks.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/mrzor/pm-push/internal/transport"
)

const (
	defaultQueueSize    = 1024
	defaultDrainTimeout = 5 * time.Second
	writeTimeout        = 10 * time.Second

	// SessionHeader carries the per-process session id on the handshake.
	SessionHeader = "X-PM-Push-Session"
)

// ErrQueueFull is returned when a message is dropped for lack of room.
var ErrQueueFull = errors.New("websocket queue full")

// Codec selects the frame encoding.
type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// ParseCodec validates a codec name.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecJSON, CodecMsgpack:
		return c, nil
	case "":
		return CodecJSON, nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

type frame struct {
	kind int
	data []byte
}

// Option configures a Transport.
type Option func(*Transport)

// WithCodec selects the frame encoding. Default: json.
func WithCodec(c Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithQueueSize sets the outbound queue capacity. Default: 1024.
func WithQueueSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WithHeader adds a handshake header.
func WithHeader(key, value string) Option {
	return func(t *Transport) { t.header.Set(key, value) }
}

// Transport is a websocket-backed transport.Transport.
type Transport struct {
	conn      *websocket.Conn
	codec     Codec
	queueSize int
	header    http.Header
	sessionID string
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan frame
	done   chan struct{}

	closeOnce sync.Once
}

// Dial connects to endpoint and starts the writer.
func Dial(ctx context.Context, endpoint string, logger *zap.Logger, opts ...Option) (*Transport, error) {
	t := &Transport{
		codec:     CodecJSON,
		queueSize: defaultQueueSize,
		header:    http.Header{},
		sessionID: uuid.NewString(),
		logger:    logger.Named("websocket"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.header.Set(SessionHeader, t.sessionID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	t.conn = conn
	t.queue = make(chan frame, t.queueSize)
	t.done = make(chan struct{})

	go t.writeLoop()
	go t.readLoop()

	t.logger.Info("connected", zap.String("endpoint", endpoint), zap.String("session", t.sessionID))
	return t, nil
}

// SessionID returns the id sent on the handshake.
func (t *Transport) SessionID() string {
	return t.sessionID
}

// Send encodes the message and queues it.
func (t *Transport) Send(channel string, payload any) error {
	f, err := t.encode(transport.Message{Channel: channel, Data: payload})
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return transport.ErrClosed
	}
	select {
	case t.queue <- f:
		return nil
	default:
		return fmt.Errorf("dropping %s: %w", channel, ErrQueueFull)
	}
}

func (t *Transport) encode(msg transport.Message) (frame, error) {
	switch t.codec {
	case CodecMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(msg); err != nil {
			return frame{}, fmt.Errorf("encoding %s: %w", msg.Channel, err)
		}
		return frame{kind: websocket.BinaryMessage, data: buf.Bytes()}, nil
	default:
		data, err := json.Marshal(msg)
		if err != nil {
			return frame{}, fmt.Errorf("encoding %s: %w", msg.Channel, err)
		}
		return frame{kind: websocket.TextMessage, data: data}, nil
	}
}

func (t *Transport) writeLoop() {
	defer close(t.done)
	for f := range t.queue {
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := t.conn.WriteMessage(f.kind, f.data); err != nil {
			t.logger.Warn("write failed", zap.Error(err))
		}
	}
}

// readLoop discards inbound frames so control frames are processed.
func (t *Transport) readLoop() {
	for {
		if _, _, err := t.conn.NextReader(); err != nil {
			t.logger.Debug("read loop ended", zap.Error(err))
			return
		}
	}
}

// Close stops accepting messages, drains the queue (bounded by a timeout)
// and closes the connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.queue)
		t.mu.Unlock()

		select {
		case <-t.done:
		case <-time.After(defaultDrainTimeout):
			t.logger.Warn("drain timed out")
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
