package router

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mrzor/pm-push/internal/event"
	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/transport"
	"github.com/mrzor/pm-push/internal/value"
)

// Packet keys touched by the router.
const (
	keyHumanName = "__name"
	keyName      = "name"
	keyLogType   = "log_type"
	keyReturn    = "return"
	keyHeapdump  = "heapdump"
	keyProfile   = "cpuprofile"
	keyDumpFile  = "dump_file"
)

// LogBuffer records log lines per process.
type LogBuffer interface {
	Push(id procmeta.PMID, line any)
}

// Enricher decorates exception payloads in place.
type Enricher interface {
	Enrich(id procmeta.PMID, data map[string]any)
}

// Uploader transfers dump files produced by remote actions.
type Uploader interface {
	Upload(id procmeta.PMID, name, path string, heapdump, cpuprofile bool)
}

// Aggregator batches trace packets.
type Aggregator interface {
	Aggregate(packet *event.Packet)
}

// Filter decides whether a normalized event is dropped.
type Filter interface {
	Match(ev *event.Event) (bool, error)
}

// Config is the router's static configuration.
type Config struct {
	MachineName string
	ForwardLogs bool
}

// Deps are the collaborators of a Router. Filter is optional.
type Deps struct {
	Logs       LogBuffer
	Enricher   Enricher
	Uploader   Uploader
	Aggregator Aggregator
	Transport  transport.Transport
	Filter     Filter
}

// stage handles one event kind and reports whether routing continues.
type stage func(ev *event.Event) bool

// Router dispatches bus events. Route is meant to be called from a single
// goroutine; SetLogForwarding may be called from any.
type Router struct {
	machineName string
	forwardLogs atomic.Bool

	logs       LogBuffer
	enricher   Enricher
	uploader   Uploader
	aggregator Aggregator
	transport  transport.Transport
	filter     Filter
	logger     *zap.Logger

	// before runs on the raw packet, after runs on the normalized one.
	before map[event.Kind]stage
	after  map[event.Kind]stage
}

// New creates a Router.
func New(cfg Config, deps Deps, logger *zap.Logger) *Router {
	r := &Router{
		machineName: cfg.MachineName,
		logs:        deps.Logs,
		enricher:    deps.Enricher,
		uploader:    deps.Uploader,
		aggregator:  deps.Aggregator,
		transport:   deps.Transport,
		filter:      deps.Filter,
		logger:      logger.Named("router"),
	}
	r.forwardLogs.Store(cfg.ForwardLogs)

	r.before = map[event.Kind]stage{
		event.KindLog:       r.bufferLog,
		event.KindException: r.enrichException,
		event.KindReply:     r.detectArtifact,
		event.KindHuman:     r.renameHuman,
	}
	r.after = map[event.Kind]stage{
		event.KindLog: r.tagLog,
	}
	return r
}

// SetLogForwarding turns forwarding of log lines on or off. Lines are
// buffered either way.
func (r *Router) SetLogForwarding(on bool) {
	r.forwardLogs.Store(on)
}

// LogForwarding reports whether log lines are forwarded.
func (r *Router) LogForwarding() bool {
	return r.forwardLogs.Load()
}

// Route handles one bus event. The packet is modified in place.
func (r *Router) Route(channel string, packet *event.Packet) {
	ev := event.New(channel, packet)
	r.route(&ev)
}

func (r *Router) route(ev *event.Event) {
	if ev.Kind == event.KindAction {
		return
	}
	if ev.Packet == nil || ev.Packet.Process == nil {
		r.logger.Debug("dropping event without process", zap.String("channel", ev.Channel))
		return
	}
	if ev.Packet.Process.PMID.Transitional() {
		return
	}
	// Decided on the inbound channel, before any rename.
	trace := event.IsTrace(ev.Channel)

	if st, ok := r.before[ev.Kind]; ok && !st(ev) {
		return
	}

	ev.Packet.Normalize(r.machineName)

	if r.dropped(ev) {
		return
	}

	// Trace channels are aggregated whatever their kind, log traces included.
	if trace {
		r.aggregator.Aggregate(ev.Packet)
		return
	}

	if st, ok := r.after[ev.Kind]; ok && !st(ev) {
		return
	}

	if err := r.transport.Send(ev.Channel, ev.Packet); err != nil {
		r.logger.Warn("sending event failed", zap.String("channel", ev.Channel), zap.Error(err))
	}
}

func (r *Router) dropped(ev *event.Event) bool {
	if r.filter == nil {
		return false
	}
	matched, err := r.filter.Match(ev)
	if err != nil {
		r.logger.Warn("drop filter failed", zap.String("channel", ev.Channel), zap.Error(err))
		return false
	}
	if matched {
		r.logger.Debug("event dropped by filter", zap.String("channel", ev.Channel))
	}
	return matched
}

func (r *Router) bufferLog(ev *event.Event) bool {
	r.logs.Push(ev.Packet.Process.PMID, ev.Packet.Data)
	return r.forwardLogs.Load()
}

func (r *Router) enrichException(ev *event.Event) bool {
	data, ok := ev.Packet.DataObject()
	if !ok {
		r.logger.Debug("exception without object payload", zap.String("channel", ev.Channel))
		return true
	}
	r.enricher.Enrich(ev.Packet.Process.PMID, data)
	return true
}

// detectArtifact hands replies carrying a dump file to the uploader. Such
// replies are never forwarded themselves.
func (r *Router) detectArtifact(ev *event.Event) bool {
	data, _ := ev.Packet.DataObject()
	ret, ok := value.Field(data, keyReturn)
	if !ok {
		return true
	}
	heapdump := value.Truthy(ret[keyHeapdump])
	cpuprofile := value.Truthy(ret[keyProfile])
	if !heapdump && !cpuprofile {
		return true
	}

	path, _ := value.String(ret, keyDumpFile)
	proc := ev.Packet.Process
	r.uploader.Upload(proc.PMID, proc.Name, path, heapdump, cpuprofile)
	return false
}

func (r *Router) renameHuman(ev *event.Event) bool {
	data, _ := ev.Packet.DataObject()
	name, ok := value.String(data, keyHumanName)
	if !ok || name == "" {
		r.logger.Debug("human event without name")
		return true
	}
	delete(data, keyHumanName)
	ev.Channel = name
	ev.Packet.Set(keyName, name)
	return true
}

func (r *Router) tagLog(ev *event.Event) bool {
	ev.Packet.Set(keyLogType, event.LogType(ev.Channel))
	ev.Channel = event.ChannelLogs
	return true
}
