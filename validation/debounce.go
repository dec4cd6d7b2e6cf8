package validation

import (
	"time"

	"github.com/MOV-AI/flowedit/pkg/eventloop"
)

// DefaultDebounce is the quiet period before a burst of template updates
// triggers one validation.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer runs fn once a burst of Trigger calls has been quiet for the
// delay. It is confined to the scheduler's loop.
type Debouncer struct {
	sched eventloop.Scheduler
	delay time.Duration
	fn    func()
	timer eventloop.Timer
}

// NewDebouncer creates a debouncer. A non-positive delay selects DefaultDebounce.
func NewDebouncer(sched eventloop.Scheduler, delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{sched: sched, delay: delay, fn: fn}
}

// Trigger restarts the quiet period.
func (d *Debouncer) Trigger() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.timer = nil
		d.fn()
	})
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	return d.timer != nil
}

// Cancel drops a scheduled run.
func (d *Debouncer) Cancel() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
