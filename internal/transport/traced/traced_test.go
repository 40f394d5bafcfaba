package traced

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/pm-push/internal/event"
	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/transport/transporttest"
)

func newTraced(t *testing.T) (*Transport, *transporttest.Recorder, *tracetest.SpanRecorder) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	rec := transporttest.NewRecorder()
	return New(rec, tp.Tracer("test")), rec, spans
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := map[attribute.Key]string{}
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestSend_RecordsSpan(t *testing.T) {
	tr, rec, spans := newTraced(t)

	p := &event.Packet{Process: &procmeta.Envelope{PMID: procmeta.NumericID(3), Name: "api"}}
	p.Normalize("box")
	require.NoError(t, tr.Send("logs", p))

	assert.Equal(t, 1, rec.Len())
	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, spanName, ended[0].Name())
	assert.Equal(t, trace.SpanKindProducer, ended[0].SpanKind())
	assert.Equal(t, map[attribute.Key]string{
		AttrChannel: "logs",
		AttrPMID:    "3",
		AttrProcess: "api",
		AttrServer:  "box",
	}, attrs(ended[0]))
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}

func TestSend_NonPacketPayload(t *testing.T) {
	tr, _, spans := newTraced(t)

	require.NoError(t, tr.Send("status", map[string]any{}))

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, map[attribute.Key]string{AttrChannel: "status"}, attrs(ended[0]))
}

func TestSend_ErrorRecorded(t *testing.T) {
	tr, rec, spans := newTraced(t)
	rec.FailWith(errors.New("queue full"))

	err := tr.Send("status", nil)
	assert.EqualError(t, err, "queue full")

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "queue full", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}
