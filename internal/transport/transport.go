// Package transport defines the sink that delivers normalized messages to
// the monitoring backend.
//
// Sends are fire-and-forget: an implementation may queue, batch or drop, and
// a nil error only means the message was accepted. Callers never retry.
package transport

import "errors"

// ErrClosed is returned by Send after the transport was closed.
var ErrClosed = errors.New("transport closed")

// Transport delivers one message under a channel name.
type Transport interface {
	Send(channel string, payload any) error
}

// Message is the frame written on the wire.
type Message struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Func adapts a function to a Transport.
type Func func(channel string, payload any) error

// Send calls f.
func (f Func) Send(channel string, payload any) error {
	return f(channel, payload)
}

// Discard accepts and drops every message.
var Discard Transport = Func(func(string, any) error { return nil })
