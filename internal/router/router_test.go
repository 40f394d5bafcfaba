package router

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrzor/pm-push/internal/enricher"
	"github.com/mrzor/pm-push/internal/event"
	"github.com/mrzor/pm-push/internal/filter"
	"github.com/mrzor/pm-push/internal/logbuffer"
	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/stackparse"
	"github.com/mrzor/pm-push/internal/transport/transporttest"
)

type upload struct {
	ID         procmeta.PMID
	Name       string
	Path       string
	Heapdump   bool
	CPUProfile bool
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
}

func (f *fakeUploader) Upload(id procmeta.PMID, name, path string, heapdump, cpuprofile bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload{id, name, path, heapdump, cpuprofile})
}

type fakeAggregator struct {
	packets []*event.Packet
}

func (f *fakeAggregator) Aggregate(p *event.Packet) {
	f.packets = append(f.packets, p)
}

type fixture struct {
	router     *Router
	logs       *logbuffer.Buffer
	sent       *transporttest.Recorder
	uploader   *fakeUploader
	aggregator *fakeAggregator
	observed   *observer.ObservedLogs
}

type option func(*Config, *Deps)

func withFilter(t *testing.T, source string) option {
	rule, err := filter.Compile(source)
	require.NoError(t, err)
	return func(_ *Config, d *Deps) { d.Filter = rule }
}

func withParser(p enricher.StackParser) option {
	return func(_ *Config, d *Deps) { d.Enricher = enricher.New(d.Logs.(*logbuffer.Buffer), p) }
}

func forwarding(on bool) option {
	return func(c *Config, _ *Deps) { c.ForwardLogs = on }
}

func newFixture(opts ...option) *fixture {
	core, observed := observer.New(zap.DebugLevel)
	f := &fixture{
		logs:       logbuffer.New(10),
		sent:       transporttest.NewRecorder(),
		uploader:   &fakeUploader{},
		aggregator: &fakeAggregator{},
		observed:   observed,
	}
	cfg := Config{MachineName: "box", ForwardLogs: true}
	deps := Deps{
		Logs:       f.logs,
		Enricher:   enricher.New(f.logs, nil),
		Uploader:   f.uploader,
		Aggregator: f.aggregator,
		Transport:  f.sent,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	f.router = New(cfg, deps, zap.New(core))
	return f
}

// packet decodes raw the way the bus stream does.
func packet(t *testing.T, raw string) *event.Packet {
	t.Helper()
	var p event.Packet
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return &p
}

// wire returns the JSON form of v as generic values.
func wire(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestRoute_ActionDropped(t *testing.T) {
	f := newFixture()
	f.router.Route("axm:action", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":{}}`))
	assert.Zero(t, f.sent.Len())
}

func TestRoute_MissingProcessDropped(t *testing.T) {
	f := newFixture()
	f.router.Route("process:exception", packet(t, `{"data":{"message":"boom"}}`))
	f.router.Route("log:out", nil)

	assert.Zero(t, f.sent.Len())
	assert.Equal(t, 2, f.observed.FilterMessage("dropping event without process").Len())
}

func TestRoute_TransitionalProcessDropped(t *testing.T) {
	f := newFixture()
	f.router.Route("log:out", packet(t, `{"process":{"pm_id":"_old_3","name":"api"},"data":"line"}`))
	f.router.Route("process:exception", packet(t, `{"process":{"pm_id":"api_old","name":"api"},"data":{}}`))

	assert.Zero(t, f.sent.Len())
	assert.Empty(t, f.logs.IDs())
}

func TestRoute_LogForwarded(t *testing.T) {
	f := newFixture()
	f.router.Route("log:err", packet(t, `{"process":{"pm_id":1,"name":"api","versioning":{"revision":"abc"}},"data":"oops","at":12}`))

	msgs := f.sent.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "logs", msgs[0].Channel)

	want := map[string]any{
		"data":     "oops",
		"at":       float64(12),
		"log_type": "err",
		"process":  map[string]any{"pm_id": float64(1), "name": "api", "rev": "abc", "server": "box"},
	}
	if diff := cmp.Diff(want, wire(t, msgs[0].Data)); diff != "" {
		t.Errorf("sent packet mismatch (-want +got):\n%s", diff)
	}

	lines, ok := f.logs.Snapshot(procmeta.NumericID(1))
	require.True(t, ok)
	assert.Equal(t, []any{"oops"}, lines)
}

func TestRoute_LogBufferedWhenForwardingOff(t *testing.T) {
	f := newFixture(forwarding(false))
	f.router.Route("log:out", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"a"}`))
	f.router.Route("log:out", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"b"}`))

	assert.Zero(t, f.sent.Len())
	lines, _ := f.logs.Snapshot(procmeta.NumericID(1))
	assert.Equal(t, []any{"a", "b"}, lines)

	f.router.SetLogForwarding(true)
	assert.True(t, f.router.LogForwarding())
	f.router.Route("log:out", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"c"}`))
	assert.Equal(t, 1, f.sent.Len())
}

func TestRoute_ExceptionEnriched(t *testing.T) {
	f := newFixture(forwarding(false))
	f.router.Route("log:out", packet(t, `{"process":{"pm_id":2,"name":"api"},"data":"before crash"}`))
	f.router.Route("process:exception", packet(t, `{
		"process":{"pm_id":2,"name":"api"},
		"data":{"message":"boom","stackframes":"at foo (a.js:1)"}
	}`))

	msgs := f.sent.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "process:exception", msgs[0].Channel)

	want := map[string]any{
		"data": map[string]any{
			"message":   "boom",
			"last_logs": []any{"before crash"},
		},
		"process": map[string]any{"pm_id": float64(2), "name": "api", "rev": nil, "server": "box"},
	}
	if diff := cmp.Diff(want, wire(t, msgs[0].Data)); diff != "" {
		t.Errorf("sent packet mismatch (-want +got):\n%s", diff)
	}
}

func TestRoute_ExceptionWithoutLogsHasNoLastLogs(t *testing.T) {
	f := newFixture()
	f.router.Route("process:exception", packet(t, `{"process":{"pm_id":5,"name":"api"},"data":{"message":"boom","stackframes":[]}}`))

	msgs := f.sent.Messages()
	require.Len(t, msgs, 1)
	data := wire(t, msgs[0].Data)["data"].(map[string]any)
	assert.NotContains(t, data, "last_logs")
	assert.NotContains(t, data, "stackframes")
}

func TestRoute_ExceptionCallsite(t *testing.T) {
	source := "one\ntwo\nthree\nfour\nfive\n"
	parser := stackparse.New(1, stackparse.WithReadFile(func(string) ([]byte, error) {
		return []byte(source), nil
	}))
	f := newFixture(withParser(parser))

	f.router.Route("process:exception", packet(t, `{
		"process":{"pm_id":1,"name":"api"},
		"data":{"message":"boom","stackframes":[{"file_name":"/srv/app/index.js","line_number":3}]}
	}`))

	msgs := f.sent.Messages()
	require.Len(t, msgs, 1)
	data := wire(t, msgs[0].Data)["data"].(map[string]any)
	assert.Equal(t, "/srv/app/index.js:3", data["callsite"])
	assert.Contains(t, data["context"], ">>three")
	assert.NotContains(t, data, "stackframes")
}

func TestRoute_ReplyWithDumpUploaded(t *testing.T) {
	tests := []struct {
		name string
		ret  string
		want upload
	}{
		{
			name: "heapdump",
			ret:  `{"heapdump":true,"dump_file":"/tmp/a.heapsnapshot"}`,
			want: upload{procmeta.NumericID(4), "api", "/tmp/a.heapsnapshot", true, false},
		},
		{
			name: "cpuprofile",
			ret:  `{"cpuprofile":true,"dump_file":"/tmp/a.cpuprofile"}`,
			want: upload{procmeta.NumericID(4), "api", "/tmp/a.cpuprofile", false, true},
		},
		{
			name: "both",
			ret:  `{"heapdump":1,"cpuprofile":true,"dump_file":"/tmp/b"}`,
			want: upload{procmeta.NumericID(4), "api", "/tmp/b", true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.router.Route("axm:reply", packet(t, `{"process":{"pm_id":4,"name":"api"},"data":{"return":`+tt.ret+`}}`))

			assert.Zero(t, f.sent.Len())
			require.Len(t, f.uploader.uploads, 1)
			assert.Equal(t, tt.want, f.uploader.uploads[0])
		})
	}
}

func TestRoute_PlainReplyForwarded(t *testing.T) {
	f := newFixture()
	f.router.Route("axm:reply", packet(t, `{"process":{"pm_id":4,"name":"api"},"data":{"return":{"heapdump":false,"ok":true}}}`))
	f.router.Route("axm:reply", packet(t, `{"process":{"pm_id":4,"name":"api"},"data":{"return":"done"}}`))

	assert.Empty(t, f.uploader.uploads)
	assert.Equal(t, []string{"axm:reply", "axm:reply"}, f.sent.Channels())
}

func TestRoute_HumanEventRenamed(t *testing.T) {
	f := newFixture()
	f.router.Route("human:event", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":{"__name":"deploy","user":"ops"}}`))

	msgs := f.sent.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "deploy", msgs[0].Channel)

	want := map[string]any{
		"name":    "deploy",
		"data":    map[string]any{"user": "ops"},
		"process": map[string]any{"pm_id": float64(1), "name": "api", "rev": nil, "server": "box"},
	}
	if diff := cmp.Diff(want, wire(t, msgs[0].Data)); diff != "" {
		t.Errorf("sent packet mismatch (-want +got):\n%s", diff)
	}
}

func TestRoute_HumanEventWithoutName(t *testing.T) {
	f := newFixture()
	f.router.Route("human:event", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":{"user":"ops"}}`))

	assert.Equal(t, []string{"human:event"}, f.sent.Channels())
}

func TestRoute_TraceAggregated(t *testing.T) {
	f := newFixture()
	f.router.Route("axm:trace", packet(t, `{"process":{"pm_id":1,"name":"api","rev":"r1"},"data":{"spans":[]}}`))

	assert.Zero(t, f.sent.Len())
	require.Len(t, f.aggregator.packets, 1)
	p := f.aggregator.packets[0]
	require.NotNil(t, p.Ref)
	assert.Nil(t, p.Process)
	assert.Equal(t, procmeta.Ref{PMID: procmeta.NumericID(1), Name: "api", Rev: "r1", Server: "box"}, *p.Ref)
}

func TestRoute_LogTraceBufferedAndAggregated(t *testing.T) {
	f := newFixture()
	f.router.Route("log:axm:trace", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"x"}`))

	assert.Zero(t, f.sent.Len())
	require.Len(t, f.aggregator.packets, 1)
	p := f.aggregator.packets[0]
	require.NotNil(t, p.Ref)
	assert.Equal(t, "x", p.Data)
	_, tagged := p.Get("log_type")
	assert.False(t, tagged)

	lines, ok := f.logs.Snapshot(procmeta.NumericID(1))
	require.True(t, ok)
	assert.Equal(t, []any{"x"}, lines)
}

func TestRoute_LogTraceHonorsForwardingToggle(t *testing.T) {
	f := newFixture(forwarding(false))
	f.router.Route("log:axm:trace", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"x"}`))

	assert.Zero(t, f.sent.Len())
	assert.Empty(t, f.aggregator.packets)
	assert.Equal(t, 1, f.logs.Len(procmeta.NumericID(1)))
}

func TestRoute_OtherChannelsNormalized(t *testing.T) {
	f := newFixture()
	f.router.Route("process:event", packet(t, `{"process":{"pm_id":1,"name":"api","rev":"","versioning":{"revision":"v9"},"pm_uptime":5},"data":{"event":"restart"}}`))

	msgs := f.sent.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "process:event", msgs[0].Channel)
	proc := wire(t, msgs[0].Data)["process"]
	assert.Equal(t, map[string]any{"pm_id": float64(1), "name": "api", "rev": "v9", "server": "box"}, proc)
}

func TestRoute_FilterDrops(t *testing.T) {
	f := newFixture(withFilter(t, `kind == "log" && data contains "healthcheck"`))

	f.router.Route("log:out", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"GET /healthcheck"}`))
	f.router.Route("log:out", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"GET /users"}`))

	assert.Equal(t, 1, f.sent.Len())
	assert.Equal(t, 1, f.observed.FilterMessage("event dropped by filter").Len())

	// Dropped lines are still part of the history.
	assert.Equal(t, 2, f.logs.Len(procmeta.NumericID(1)))
}

func TestRoute_FilterErrorKeepsEvent(t *testing.T) {
	f := newFixture(withFilter(t, `data.level == "debug"`))

	f.router.Route("process:event", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":7}`))

	assert.Equal(t, 1, f.sent.Len())
	assert.Equal(t, 1, f.observed.FilterMessage("drop filter failed").Len())
}

func TestRoute_SendErrorLogged(t *testing.T) {
	f := newFixture()
	f.sent.FailWith(errors.New("queue full"))

	assert.NotPanics(t, func() {
		f.router.Route("process:event", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":{}}`))
	})
	assert.Equal(t, 1, f.observed.FilterMessage("sending event failed").Len())
}

func TestRoute_MalformedPayloadsDoNotPanic(t *testing.T) {
	f := newFixture()
	assert.NotPanics(t, func() {
		f.router.Route("process:exception", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":"not an object"}`))
		f.router.Route("axm:reply", packet(t, `{"process":{"pm_id":1,"name":"api"}}`))
		f.router.Route("human:event", packet(t, `{"process":{"pm_id":1,"name":"api"},"data":null}`))
	})
	assert.Equal(t, 3, f.sent.Len())
}
