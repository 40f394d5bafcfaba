// Package aggregator batches trace packets per process and flushes them
// periodically as transactions.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/pm-push/internal/event"
	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/transport"
)

const (
	defaultInterval = 30 * time.Second
	defaultMaxBatch = 100
)

// Transaction is the packet sent on the transaction channel.
type Transaction struct {
	Data       []any        `json:"data"`
	Process    procmeta.Ref `json:"process"`
	ServerName string       `json:"server_name"`
}

type batch struct {
	ref    procmeta.Ref
	traces []any
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithInterval sets the flush period.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithMaxBatch caps the traces kept per process between flushes.
func WithMaxBatch(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxBatch = n
		}
	}
}

// Aggregator collects trace packets.
type Aggregator struct {
	transport   transport.Transport
	machineName string
	logger      *zap.Logger
	interval    time.Duration
	maxBatch    int

	mu      sync.Mutex
	batches map[string]*batch

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Aggregator. The flush loop is not running until Start.
func New(t transport.Transport, machineName string, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		transport:   t,
		machineName: machineName,
		logger:      logger.Named("aggregator"),
		interval:    defaultInterval,
		maxBatch:    defaultMaxBatch,
		batches:     make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate appends the packet's data to its process batch. Packets without
// a process are ignored. At capacity the oldest trace is dropped.
func (a *Aggregator) Aggregate(p *event.Packet) {
	if p == nil {
		return
	}
	ref := p.Ref
	if ref == nil {
		if p.Process == nil {
			return
		}
		r := procmeta.Normalize(p.Process, a.machineName)
		ref = &r
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := ref.PMID.String()
	b, ok := a.batches[key]
	if !ok {
		b = &batch{}
		a.batches[key] = b
	}
	b.ref = *ref
	if len(b.traces) >= a.maxBatch {
		b.traces = b.traces[1:]
	}
	b.traces = append(b.traces, p.Data)
}

// Pending returns the number of traces waiting for the next flush.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.batches {
		n += len(b.traces)
	}
	return n
}

// Flush sends every non-empty batch, ordered by process id.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	batches := a.batches
	a.batches = make(map[string]*batch)
	a.mu.Unlock()

	keys := make([]string, 0, len(batches))
	for k, b := range batches {
		if len(b.traces) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		b := batches[k]
		tx := Transaction{
			Data:       b.traces,
			Process:    b.ref,
			ServerName: a.machineName,
		}
		if err := a.transport.Send(event.ChannelTransaction, tx); err != nil {
			a.logger.Warn("sending transaction failed",
				zap.String("pm_id", k),
				zap.Int("traces", len(b.traces)),
				zap.Error(err))
		}
	}
}

// Start runs the flush loop until ctx is done or Stop is called. Calling
// Start on a running Aggregator restarts the loop.
func (a *Aggregator) Start(ctx context.Context) {
	a.Stop()

	a.loopMu.Lock()
	defer a.loopMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Flush()
			}
		}
	}()
}

// Stop halts the flush loop and waits for it to exit, then sends whatever
// is still pending. It is safe to call when not running.
func (a *Aggregator) Stop() {
	a.loopMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.Flush()
}
