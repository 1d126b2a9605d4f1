// Package recovery carries recovery signals from health triggers to the
// components that act on them, and implements the remediation actions.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

const defaultBuffer = 64

// Signal asks for a recovery action.
type Signal struct {
	Action    domain.RecoveryAction
	Component string
	// Source names the trigger or caller that raised the signal.
	Source string
	Reason string
	At     time.Time
}

// Handler consumes signals.
type Handler func(ctx context.Context, sig Signal)

// Dispatcher is a buffered signal channel with a single consumer goroutine
// that fans each signal out to every subscriber. Publishing never blocks.
type Dispatcher struct {
	ch     chan Signal
	logger *slog.Logger

	mu   sync.RWMutex
	subs []Handler

	dropped atomic.Int64
}

// NewDispatcher creates a dispatcher holding up to buffer pending signals.
func NewDispatcher(buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ch:     make(chan Signal, buffer),
		logger: logger,
	}
}

// Subscribe registers h for every subsequent signal.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, h)
}

// Publish enqueues sig. It returns false and drops the signal when the buffer is full.
func (d *Dispatcher) Publish(sig Signal) bool {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	select {
	case d.ch <- sig:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("Recovery signal dropped", "action", sig.Action, "source", sig.Source)
		return false
	}
}

// Dropped returns the number of signals lost to a full buffer.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers signals until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-d.ch:
			d.deliver(ctx, sig)
		}
	}
}

// Drain delivers every signal already queued without waiting for more.
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		select {
		case sig := <-d.ch:
			d.deliver(ctx, sig)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sig Signal) {
	d.mu.RLock()
	subs := append([]Handler(nil), d.subs...)
	d.mu.RUnlock()

	for _, h := range subs {
		h(ctx, sig)
	}
}
