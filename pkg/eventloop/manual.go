package eventloop

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Manual is a Scheduler driven explicitly by the caller. Nothing runs until
// RunPending, RunWork, Advance, Frame or Settle is called, and everything
// runs on the calling goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	queue  []func()
	work   []func(ctx context.Context) func()
	timers []*manualTimer
	frames []func()
	seq    int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManual creates a manual scheduler with its clock at zero.
func NewManual() *Manual {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manual{ctx: ctx, cancel: cancel}
}

// Post queues fn.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

// Go queues work until RunWork.
func (m *Manual) Go(work func(ctx context.Context) func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.work = append(m.work, work)
}

// AfterFunc schedules fn at the current fake time plus d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// RequestFrame queues fn until Frame.
func (m *Manual) RequestFrame(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, fn)
}

// RunPending runs posted callbacks, including ones they post, until the
// queue is empty. It returns how many ran.
func (m *Manual) RunPending() int {
	ran := 0
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			fn()
			ran++
		}
	}
}

// RunWork runs queued Go work, posts the continuations and runs them.
func (m *Manual) RunWork() int {
	m.mu.Lock()
	work := m.work
	m.work = nil
	m.mu.Unlock()

	for _, w := range work {
		if next := w(m.ctx); next != nil {
			m.Post(next)
		}
	}
	m.RunPending()
	return len(work)
}

// Settle alternates RunWork and RunPending until neither has anything left.
// Timers and frames are left alone.
func (m *Manual) Settle() {
	for m.RunWork()+m.RunPending() > 0 {
	}
}

// Advance moves the fake clock forward and fires every timer that came due,
// in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	var due []*manualTimer
	m.timers = slices.DeleteFunc(m.timers, func(t *manualTimer) bool {
		if t.stopped {
			return true
		}
		if t.at <= m.now {
			due = append(due, t)
			return true
		}
		return false
	})
	m.mu.Unlock()

	slices.SortFunc(due, func(a, b *manualTimer) int {
		if a.at != b.at {
			return int(a.at - b.at)
		}
		return a.seq - b.seq
	})
	for _, t := range due {
		if t.fire() {
			m.Post(t.fn)
		}
	}
	m.RunPending()
}

// Frame runs the callbacks requested since the last frame.
func (m *Manual) Frame() int {
	m.mu.Lock()
	frames := m.frames
	m.frames = nil
	m.mu.Unlock()

	for _, fn := range frames {
		fn()
	}
	m.RunPending()
	return len(frames)
}

// PendingFrames reports how many frame callbacks are waiting.
func (m *Manual) PendingFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// PendingWork reports how many Go calls are waiting for RunWork.
func (m *Manual) PendingWork() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.work)
}

// Cancel cancels the context handed to work.
func (m *Manual) Cancel() {
	m.cancel()
}

type manualTimer struct {
	mu      sync.Mutex
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}
