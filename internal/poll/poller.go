// Package poll provides the repeating-timer abstraction every synchronizer is
// built on. A Poller owns exactly one ticker, fetches on every tick without
// waiting for earlier fetches to finish, and applies results strictly in
// issue order: a response older than the last applied one is discarded.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/metrics"
)

// FetchFunc performs one remote read. It must honour ctx cancellation.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// ApplyFunc receives a fetched value together with the sequence number of the
// poll that produced it. Calls are serialized.
type ApplyFunc[T any] func(seq uint64, v T)

// Handle stops the run it was returned for. Stopping a handle from an earlier
// run has no effect on a later one.
type Handle struct {
	stop func()
}

// Stop cancels the run. It is safe to call more than once.
func (h Handle) Stop() {
	if h.stop != nil {
		h.stop()
	}
}

// Poller issues fetches on a fixed interval. There is no backoff and no jitter;
// failed fetches are swallowed and the ticker keeps running.
type Poller[T any] struct {
	name     string
	interval time.Duration
	clk      clock.Clock
	fetch    FetchFunc[T]
	apply    ApplyFunc[T]
	log      *logrus.Entry

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64
	issued uint64

	applyMu sync.Mutex
	applied uint64
}

// New creates a stopped Poller. A nil clock means the wall clock.
func New[T any](name string, clk clock.Clock, interval time.Duration, fetch FetchFunc[T], apply ApplyFunc[T]) *Poller[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Poller[T]{
		name:     name,
		interval: interval,
		clk:      clk,
		fetch:    fetch,
		apply:    apply,
		log:      logging.For("poll").WithField("poller", name),
	}
}

// Start begins polling: one fetch immediately, then one per interval. Starting
// a running poller returns a handle to the current run.
func (p *Poller[T]) Start() Handle {
	p.mu.Lock()
	if p.cancel != nil {
		gen := p.gen
		p.mu.Unlock()
		return Handle{stop: func() { p.stopGen(gen) }}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel
	p.gen++
	gen := p.gen
	ticker := p.clk.Ticker(p.interval)
	p.mu.Unlock()

	metrics.ActivePollers.WithLabelValues(p.name).Inc()
	go p.loop(ctx, ticker)
	p.issue(ctx)

	return Handle{stop: func() { p.stopGen(gen) }}
}

// Stop cancels the ticker and the in-flight fetches. Results that arrive
// afterwards are dropped.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	p.stopGen(gen)
}

// Running reports whether the poller has an active run.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// PollNow issues an extra fetch outside the ticker cadence and returns its
// sequence number, or 0 when the poller is stopped.
func (p *Poller[T]) PollNow() uint64 {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return 0
	}
	return p.issue(ctx)
}

// Applied returns the sequence number of the last applied result.
func (p *Poller[T]) Applied() uint64 {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	return p.applied
}

func (p *Poller[T]) stopGen(gen uint64) {
	p.mu.Lock()
	if p.cancel == nil || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.cancel = nil
	p.ctx = nil
	p.mu.Unlock()

	metrics.ActivePollers.WithLabelValues(p.name).Dec()
}

func (p *Poller[T]) loop(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.issue(ctx)
		}
	}
}

func (p *Poller[T]) issue(ctx context.Context) uint64 {
	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return 0
	}
	p.issued++
	seq := p.issued
	p.mu.Unlock()

	go p.run(ctx, seq)
	return seq
}

func (p *Poller[T]) run(ctx context.Context, seq uint64) {
	start := p.clk.Now()
	v, err := p.fetch(ctx)
	metrics.PollLatency.WithLabelValues(p.name).Observe(p.clk.Since(start).Seconds())

	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).WithField("seq", seq).Debug("poll failed")
		}
		metrics.PollsTotal.WithLabelValues(p.name, "error").Inc()
		return
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if seq <= p.applied {
		p.log.WithField("seq", seq).WithField("applied", p.applied).Debug("discarding stale response")
		metrics.PollsTotal.WithLabelValues(p.name, "stale").Inc()
		return
	}
	p.applied = seq
	metrics.PollsTotal.WithLabelValues(p.name, "ok").Inc()
	p.apply(seq, v)
}
