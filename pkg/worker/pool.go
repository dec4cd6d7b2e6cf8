// Package worker runs submitted items on a fixed set of goroutines. The
// editor persists document writes through a one-worker pool, so writes reach
// the store in submission order without blocking the event loop.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MOV-AI/flowedit/metric"
)

type state int

const (
	idle state = iota
	running
	stopped
)

// Pool processes items of type T.
type Pool[T any] struct {
	name    string
	workers int
	process func(context.Context, T) error
	onError func(T, error)
	logger  *slog.Logger
	metrics *poolMetrics

	queue chan T
	quit  chan struct{}
	wg    sync.WaitGroup

	// mu guards state; senders hold it shared so Stop never races a send.
	mu    sync.RWMutex
	state state

	// pending counts accepted items not yet processed. settled is closed
	// and replaced each time pending drops to zero.
	idleMu  sync.Mutex
	pending int
	settled chan struct{}

	submitted, processed, failed, dropped atomic.Int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports the pool counters, labelled with its name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) {
		if registry != nil {
			p.metrics = &poolMetrics{registry: registry}
		}
	}
}

// WithErrorHandler is called on the worker goroutine for every failed item,
// in place of the default warning log.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) { p.onError = fn }
}

// WithLogger sets the logger for failed items without an error handler.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool of workers goroutines fed by a queue of queueSize
// items. Non-positive sizes take 1 worker and 256 items.
func NewPool[T any](name string, workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if process == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool[T]{
		name:    name,
		workers: workers,
		process: process,
		logger:  slog.Default(),
		queue:   make(chan T, queueSize),
		quit:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics != nil {
		if err := p.metrics.register(name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Start launches the workers; items are processed with ctx.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case running:
		return ErrPoolAlreadyStarted
	case stopped:
		return ErrPoolStopped
	}
	p.state = running
	p.wg.Add(p.workers)
	for range p.workers {
		go p.run(ctx)
	}
	return nil
}

func (p *Pool[T]) admit() error {
	switch p.state {
	case idle:
		return ErrPoolNotStarted
	case stopped:
		return ErrPoolStopped
	}
	return nil
}

// Submit queues item or fails with ErrQueueFull without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.admit(); err != nil {
		return err
	}
	p.begin()
	select {
	case p.queue <- item:
		p.accepted()
		return nil
	default:
		p.done()
		p.dropped.Add(1)
		p.metrics.drop()
		return ErrQueueFull
	}
}

// SubmitWait queues item, waiting for room until ctx ends.
func (p *Pool[T]) SubmitWait(ctx context.Context, item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.admit(); err != nil {
		return err
	}
	p.begin()
	select {
	case p.queue <- item:
		p.accepted()
		return nil
	case <-ctx.Done():
		p.done()
		return ctx.Err()
	}
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	p.metrics.depth(len(p.queue))
}

func (p *Pool[T]) begin() {
	p.idleMu.Lock()
	p.pending++
	p.idleMu.Unlock()
}

func (p *Pool[T]) done() {
	p.idleMu.Lock()
	p.pending--
	if p.pending == 0 {
		close(p.settled)
		p.settled = make(chan struct{})
	}
	p.idleMu.Unlock()
}

// Flush waits until every accepted item has been processed or ctx ends.
func (p *Pool[T]) Flush(ctx context.Context) error {
	p.idleMu.Lock()
	if p.pending == 0 {
		p.idleMu.Unlock()
		return nil
	}
	settled := p.settled
	p.idleMu.Unlock()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new items and waits up to timeout for the queue to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != running {
		p.state = stopped
		p.mu.Unlock()
		return nil
	}
	p.state = stopped
	close(p.quit)
	p.mu.Unlock()

	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case item := <-p.queue:
			p.handle(ctx, item)
		case <-ctx.Done():
			return
		case <-p.quit:
			for {
				select {
				case item := <-p.queue:
					p.handle(ctx, item)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) handle(ctx context.Context, item T) {
	defer p.done()
	start := time.Now()
	err := p.process(ctx, item)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(item, err)
		} else {
			p.logger.Warn("Work item failed", "pool", p.name, "error", err)
		}
	}
	p.metrics.observe(err, time.Since(start), len(p.queue))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}
