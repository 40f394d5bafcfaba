// Package traced decorates a transport with one OpenTelemetry span per
// outbound message.
package traced

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/pm-push/internal/event"
	"github.com/mrzor/pm-push/internal/transport"
)

const spanName = "pm-push.send"

// Span attribute keys.
const (
	AttrChannel = attribute.Key("pm_push.channel")
	AttrPMID    = attribute.Key("pm_push.pm_id")
	AttrProcess = attribute.Key("pm_push.process")
	AttrServer  = attribute.Key("pm_push.server")
)

// Transport wraps next with tracing.
type Transport struct {
	next   transport.Transport
	tracer trace.Tracer
}

// New wraps next. Spans are created with tracer.
func New(next transport.Transport, tracer trace.Tracer) *Transport {
	return &Transport{next: next, tracer: tracer}
}

// Send records a producer span around the inner Send.
func (t *Transport) Send(channel string, payload any) error {
	_, span := t.tracer.Start(context.Background(), spanName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(append([]attribute.KeyValue{AttrChannel.String(channel)}, packetAttributes(payload)...)...),
	)
	defer span.End()

	if err := t.next.Send(channel, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func packetAttributes(payload any) []attribute.KeyValue {
	p, ok := payload.(*event.Packet)
	if !ok || p.Ref == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrPMID.String(p.Ref.PMID.String()),
		AttrProcess.String(p.Ref.Name),
		AttrServer.String(p.Ref.Server),
	}
}
