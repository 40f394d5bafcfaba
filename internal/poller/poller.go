// Package poller periodically sends a full status snapshot of the
// supervisor's processes.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/pm-push/internal/event"
	"github.com/mrzor/pm-push/internal/status"
	"github.com/mrzor/pm-push/internal/supervisor"
	"github.com/mrzor/pm-push/internal/transport"
)

const defaultInterval = time.Second

// Source returns the supervisor's current process list.
type Source interface {
	GetMonitorData(ctx context.Context) ([]supervisor.Process, error)
}

// Summarizer formats a process list.
type Summarizer interface {
	Summarize(procs []supervisor.Process) status.Summary
}

// Snapshot is the packet sent on the status channel.
type Snapshot struct {
	Data       status.Summary `json:"data"`
	ServerName string         `json:"server_name"`
	InternalIP string         `json:"internal_ip"`
	Protected  bool           `json:"protected"`
	RevCon     bool           `json:"rev_con"`
}

// Config holds the identity reported with every snapshot.
type Config struct {
	Interval    time.Duration
	MachineName string
	InternalIP  string
	Protected   bool
}

// Poller runs the status cycle. At most one cycle loop is active at a time.
type Poller struct {
	source     Source
	summarizer Summarizer
	transport  transport.Transport
	logger     *zap.Logger

	interval    time.Duration
	machineName string
	internalIP  string
	protected   atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
}

// New creates a stopped Poller. A non-positive interval selects one second.
func New(cfg Config, source Source, summarizer Summarizer, t transport.Transport, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	p := &Poller{
		source:      source,
		summarizer:  summarizer,
		transport:   t,
		logger:      logger.Named("poller"),
		interval:    cfg.Interval,
		machineName: cfg.MachineName,
		internalIP:  cfg.InternalIP,
	}
	p.protected.Store(cfg.Protected)
	return p
}

// SetProtected changes the password-protection flag reported from the next
// snapshot on.
func (p *Poller) SetProtected(v bool) {
	p.protected.Store(v)
}

// Start polls immediately and then every interval. A running loop is
// stopped first.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	stop := make(chan struct{})
	p.stop = stop
	go p.run(stop)
}

// Stop cancels the loop. It is safe to call when not running. A poll already
// in flight is allowed to complete.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Running reports whether a loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

func (p *Poller) stopLocked() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	p.stop = nil
}

func (p *Poller) run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(context.Background())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			p.Poll(context.Background())
		}
	}
}

// Poll runs one cycle: query the supervisor and send a snapshot. An RPC
// failure is logged and the cycle is skipped.
func (p *Poller) Poll(ctx context.Context) {
	procs, err := p.source.GetMonitorData(ctx)
	if err != nil {
		p.logger.Debug("cannot access monitor data", zap.Error(err))
		return
	}

	snap := Snapshot{
		Data:       p.summarizer.Summarize(procs),
		ServerName: p.machineName,
		InternalIP: p.internalIP,
		Protected:  p.protected.Load(),
		RevCon:     true,
	}
	if err := p.transport.Send(event.ChannelStatus, snap); err != nil {
		p.logger.Warn("sending status failed", zap.Error(err))
	}
}
