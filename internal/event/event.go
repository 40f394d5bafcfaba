// Package event defines the closed set of bus event kinds and the mutable
// packet that travels through the router.
package event

import (
	"strings"
)

// Channel names with a fixed meaning on the supervisor bus.
const (
	ChannelAction    = "axm:action"
	ChannelException = "process:exception"
	ChannelReply     = "axm:reply"
	ChannelHuman     = "human:event"

	// ChannelLogs is the outbound channel for every log subtype.
	ChannelLogs = "logs"
	// ChannelStatus is the outbound channel of status snapshots.
	ChannelStatus = "status"
	// ChannelTransaction is the outbound channel of aggregated traces.
	ChannelTransaction = "axm:transaction"

	logPrefix   = "log:"
	traceMarker = "axm:trace"
)

// Kind classifies a bus channel.
type Kind int

const (
	KindOther Kind = iota
	KindAction
	KindLog
	KindException
	KindReply
	KindHuman
	KindTrace
)

var kindNames = [...]string{
	KindOther:     "other",
	KindAction:    "action",
	KindLog:       "log",
	KindException: "exception",
	KindReply:     "reply",
	KindHuman:     "human",
	KindTrace:     "trace",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Classify maps a channel name to its kind. Log channels take precedence
// over the trace marker; use IsTrace to detect a trace log channel.
func Classify(channel string) Kind {
	switch {
	case channel == ChannelAction:
		return KindAction
	case strings.HasPrefix(channel, logPrefix):
		return KindLog
	case channel == ChannelException:
		return KindException
	case channel == ChannelReply:
		return KindReply
	case channel == ChannelHuman:
		return KindHuman
	case strings.Contains(channel, traceMarker):
		return KindTrace
	default:
		return KindOther
	}
}

// IsTrace reports whether channel carries trace data, whatever its kind.
func IsTrace(channel string) bool {
	return strings.Contains(channel, traceMarker)
}

// LogType returns the subtype of a log channel: "out" for "log:out".
func LogType(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Event is one bus message. Channel starts as the inbound channel and is
// rewritten in place when the router renames the event.
type Event struct {
	Channel string
	Kind    Kind
	Packet  *Packet
}

// New classifies channel and wraps packet.
func New(channel string, packet *Packet) Event {
	return Event{
		Channel: channel,
		Kind:    Classify(channel),
		Packet:  packet,
	}
}
