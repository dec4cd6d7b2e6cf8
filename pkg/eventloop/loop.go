// Package eventloop runs editor state mutations on a single goroutine.
// Blocking work runs elsewhere and posts its continuation back.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MOV-AI/flowedit/errors"
)

// Scheduler is what loop-confined components depend on. Loop is the
// production implementation, Manual the deterministic one for tests.
type Scheduler interface {
	// Post queues fn to run on the loop.
	Post(fn func())
	// Go runs work off the loop and posts the continuation it returns,
	// if any. work receives a context cancelled when the loop stops.
	Go(work func(ctx context.Context) func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// RequestFrame runs fn on the loop at the next frame tick.
	RequestFrame(fn func())
}

// Timer is a pending AfterFunc.
type Timer interface {
	// Stop prevents fn from running. It reports whether it did so.
	Stop() bool
}

// Loop is a single-goroutine executor with frame ticks.
type Loop struct {
	frameInterval time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	queue      []func()
	frames     []func()
	frameArmed bool
	closed     bool
	wake       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	workers    sync.WaitGroup
	done       chan struct{}
	started    bool
}

// New creates a loop. Call Start to run it.
func New(frameInterval time.Duration, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if frameInterval <= 0 {
		frameInterval = 16 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		frameInterval: frameInterval,
		logger:        logger.With("component", "eventloop"),
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.WrapInvalid(fmt.Errorf("loop already started"), "eventloop", "Start", "start loop")
	}
	if l.closed {
		return errors.WrapInvalid(errors.ErrClosed, "eventloop", "Start", "start loop")
	}
	l.started = true
	go l.run(ctx)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Loop callback panicked", "panic", r)
		}
	}()
	fn()
}

// Post queues fn. Posts after Stop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs work on its own goroutine.
func (l *Loop) Go(work func(ctx context.Context) func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.workers.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.workers.Done()
		if next := work(l.ctx); next != nil {
			l.Post(next)
		}
	}()
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fire() {
				fn()
			}
		})
	})
	return t
}

// RequestFrame queues fn for the next frame tick. All callbacks requested
// before a tick run in that tick, in request order.
func (l *Loop) RequestFrame(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.frames = append(l.frames, fn)
	if l.frameArmed {
		return
	}
	l.frameArmed = true
	time.AfterFunc(l.frameInterval, func() { l.Post(l.runFrame) })
}

func (l *Loop) runFrame() {
	l.mu.Lock()
	frames := l.frames
	l.frames = nil
	l.frameArmed = false
	l.mu.Unlock()

	for _, fn := range frames {
		l.invoke(fn)
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.WrapInvalid(errors.ErrClosed, "eventloop", "Do", "post")
	}
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "eventloop", "Do", "wait for loop")
	case <-l.done:
		return errors.WrapInvalid(errors.ErrClosed, "eventloop", "Do", "wait for loop")
	}
}

// Stop ends the loop, cancels in-flight work and waits for it. Callbacks
// still queued are dropped.
func (l *Loop) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	started := l.started
	l.mu.Unlock()

	l.shutdown()

	waited := make(chan struct{})
	go func() {
		l.workers.Wait()
		if started {
			<-l.done
		}
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("loop stop timed out after %s", timeout), "eventloop", "Stop", "wait for workers")
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.frames = nil
	l.mu.Unlock()
	l.cancel()
}

type loopTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}

func (t *loopTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}
