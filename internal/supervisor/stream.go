package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/mrzor/pm-push/internal/event"
)

const (
	maxLineSize    = 16 << 20
	readBufferSize = 64 << 10
)

// Handler receives bus events.
type Handler interface {
	Route(channel string, packet *event.Packet)
}

// busMessage is one line on the bus.
type busMessage struct {
	Channel string        `json:"channel"`
	Packet  *event.Packet `json:"packet"`
}

// Stream reads events from a bus connection and dispatches them to a handler.
type Stream struct {
	reader  io.ReadCloser
	handler Handler
	logger  *zap.Logger
	maxLine int
}

// DialBus connects to the supervisor's bus socket.
func DialBus(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing bus %s: %w", socketPath, err)
	}
	return conn, nil
}

// NewStream creates a Stream reading from reader.
func NewStream(reader io.ReadCloser, handler Handler, logger *zap.Logger) *Stream {
	return &Stream{
		reader:  reader,
		handler: handler,
		logger:  logger.Named("bus"),
		maxLine: maxLineSize,
	}
}

// Run processes events until the reader is exhausted or ctx is cancelled.
// Lines that cannot be decoded, or that exceed the line limit, are logged
// and skipped. Run closes the reader before returning.
func (s *Stream) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.reader.Close() //nolint:errcheck // Unblocks the read; Run reports ctx.Err()
	})
	defer stop()
	defer func() {
		_ = s.reader.Close() //nolint:errcheck // Best-effort cleanup
	}()

	reader := bufio.NewReaderSize(s.reader, readBufferSize)
	for {
		line, err := s.readLine(reader)
		if len(line) > 0 {
			s.dispatch(line)
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("reading bus: %w", err)
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLine is consumed entirely, logged, and returned empty.
func (s *Stream) readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	oversized := false
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			return line, err
		}
		if !oversized && len(line)+len(frag) > s.maxLine {
			oversized = true
			line = nil
		}
		if !oversized {
			line = append(line, frag...)
		}
		if isPrefix {
			continue
		}
		if oversized {
			s.logger.Warn("skipping oversized bus event", zap.Int("limit", s.maxLine))
			return nil, nil
		}
		return line, nil
	}
}

func (s *Stream) dispatch(line []byte) {
	var msg busMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("decoding bus event", zap.Error(err))
		return
	}
	if msg.Packet == nil {
		msg.Packet = &event.Packet{}
	}

	s.handler.Route(msg.Channel, msg.Packet)
}
