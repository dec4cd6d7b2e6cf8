package flowgraph

import (
	"context"
	"log/slog"
	"time"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/pkg/retry"
	"github.com/MOV-AI/flowedit/pkg/worker"
)

// Op is one persistence request produced by a gesture.
type Op struct {
	Name   string
	FlowID string
	Run    func(ctx context.Context, w flowstore.Writer) error
}

// Outbox accepts persistence requests without waiting for them.
type Outbox interface {
	Dispatch(op Op)
}

// Dispatcher writes Ops to a store on a single worker so they reach it in
// submission order. Transient failures are retried; the rest are logged.
type Dispatcher struct {
	writer flowstore.Writer
	pool   *worker.Pool[Op]
	retry  retry.Config
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Call Start before dispatching.
func NewDispatcher(writer flowstore.Writer, queueSize int, registry *metric.MetricsRegistry, logger *slog.Logger) (*Dispatcher, error) {
	if writer == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "flowgraph", "NewDispatcher", "writer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		writer: writer,
		logger: logger.With("component", "dispatcher"),
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
			RetryIf:      errors.IsTransient,
		},
	}
	opts := []worker.Option[Op]{
		worker.WithLogger[Op](d.logger),
		worker.WithErrorHandler(func(op Op, err error) {
			d.logger.Error("Persistence request failed", "op", op.Name, "flow_id", op.FlowID, "error", err)
		}),
	}
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[Op](registry))
	}
	pool, err := worker.NewPool("writes", 1, queueSize, d.process, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "flowgraph", "NewDispatcher", "create worker pool")
	}
	d.pool = pool
	return d, nil
}

func (d *Dispatcher) process(ctx context.Context, op Op) error {
	return retry.Do(ctx, d.retry, func() error {
		return op.Run(ctx, d.writer)
	})
}

// Start runs the worker until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Dispatch queues op. A full or stopped queue drops it with an error log.
func (d *Dispatcher) Dispatch(op Op) {
	if err := d.pool.Submit(op); err != nil {
		d.logger.Error("Persistence request dropped", "op", op.Name, "flow_id", op.FlowID, "error", err)
	}
}

// Flush waits until every queued op has been attempted.
func (d *Dispatcher) Flush(ctx context.Context) error {
	return d.pool.Flush(ctx)
}

// Stats returns the worker pool counters.
func (d *Dispatcher) Stats() worker.Stats {
	return d.pool.Stats()
}

// Stop drains the queue for up to timeout.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}
