package changebus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/natsclient"
)

// KVBus watches the flow bucket and publishes node status over core NATS
// subjects <statusSubject>.<flow>.
type KVBus struct {
	client        *natsclient.Client
	kv            *natsclient.KVStore
	statusSubject string
	metrics       *busMetrics
	logger        *slog.Logger
}

// NewKVBus creates a bus over an opened flow bucket. registry may be nil.
func NewKVBus(client *natsclient.Client, kv *natsclient.KVStore, statusSubject string, registry *metric.MetricsRegistry, logger *slog.Logger) (*KVBus, error) {
	if client == nil || kv == nil {
		return nil, errors.WrapInvalid(nil, "changebus", "NewKVBus", "nats client and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newBusMetrics(registry, "nats")
	if err != nil {
		return nil, errors.WrapFatal(err, "changebus", "NewKVBus", "register metrics")
	}
	return &KVBus{
		client:        client,
		kv:            kv,
		statusSubject: statusSubject,
		metrics:       m,
		logger:        logger.With("component", "changebus.KVBus", "bucket", kv.Bucket()),
	}, nil
}

// Subscribe watches every entry key of the flow. Only changes made after
// the call are delivered; current values come from the store's Load.
func (b *KVBus) Subscribe(ctx context.Context, flowID string, handler DeltaHandler) (Subscription, error) {
	watcher, err := b.kv.Watch(ctx, flowstore.FlowPattern(flowID), jetstream.UpdatesOnly())
	if err != nil {
		return nil, errors.WrapTransient(err, "changebus", "Subscribe", "watch flow")
	}

	sub := newSubscription(watcher.Stop, func() { b.metrics.active.Dec() })
	b.metrics.active.Inc()
	logger := b.logger.With("flow_id", flowID)

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			case entry, open := <-watcher.Updates():
				if !open {
					logger.Debug("Watcher closed")
					return
				}
				if entry == nil {
					continue
				}
				d, ok := flowstore.DeltaFromKV(entry)
				if !ok {
					b.metrics.dropped.Inc()
					logger.Warn("Ignoring unexpected key", "key", entry.Key())
					continue
				}
				b.metrics.deltas.WithLabelValues(string(d.Event)).Inc()
				handler(d)
			}
		}
	}()
	return sub, nil
}

// SubscribeStatus receives node status updates for the flow.
func (b *KVBus) SubscribeStatus(ctx context.Context, flowID string, handler StatusHandler) (Subscription, error) {
	logger := b.logger.With("flow_id", flowID)
	ns, err := b.client.Subscribe(ctx, b.StatusSubject(flowID), func(_ context.Context, data []byte) {
		u, err := ParseStatus(data)
		if err != nil {
			logger.Warn("Ignoring malformed status", "error", err)
			return
		}
		u.FlowID = flowID
		handler(u)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "changebus", "SubscribeStatus", "subscribe status subject")
	}
	sub := newSubscription(ns.Unsubscribe, func() {})
	close(sub.done)
	return sub, nil
}

// StatusSubject is the subject carrying a flow's node status.
func (b *KVBus) StatusSubject(flowID string) string {
	return b.statusSubject + "." + flowID
}

// PublishStatus sends one status update.
func (b *KVBus) PublishStatus(ctx context.Context, u StatusUpdate) error {
	data, err := encodeStatus(u)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.StatusSubject(u.FlowID), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return errors.WrapFatal(err, "changebus", "PublishStatus", "publish status")
		}
		return errors.WrapTransient(err, "changebus", "PublishStatus", "publish status")
	}
	return nil
}

// subscription stops a reader goroutine and waits for it to exit.
type subscription struct {
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
	closeFn func() error
	onClose func()
	err     error
}

func newSubscription(closeFn func() error, onClose func()) *subscription {
	return &subscription{
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		closeFn: closeFn,
		onClose: onClose,
	}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.stop)
		s.err = s.closeFn()
		<-s.done
		s.onClose()
	})
	return s.err
}
