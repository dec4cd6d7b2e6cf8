package changebus

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/metric"
)

// RedisBus relays the deltas a flowstore.RedisStore publishes, and node
// status published on <prefix>:status:<flow>.
type RedisBus struct {
	store   *flowstore.RedisStore
	client  *redis.Client
	prefix  string
	metrics *busMetrics
	logger  *slog.Logger
}

// NewRedisBus creates a bus sharing the store's client and channel names.
func NewRedisBus(store *flowstore.RedisStore, prefix string, registry *metric.MetricsRegistry, logger *slog.Logger) (*RedisBus, error) {
	if store == nil {
		return nil, errors.WrapInvalid(nil, "changebus", "NewRedisBus", "store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "flowedit"
	}
	m, err := newBusMetrics(registry, "redis")
	if err != nil {
		return nil, errors.WrapFatal(err, "changebus", "NewRedisBus", "register metrics")
	}
	return &RedisBus{
		store:   store,
		client:  store.Client(),
		prefix:  prefix,
		metrics: m,
		logger:  logger.With("component", "changebus.RedisBus"),
	}, nil
}

// Subscribe listens on the flow's delta channel. The subscription is
// confirmed before Subscribe returns, so no later write is missed.
func (b *RedisBus) Subscribe(ctx context.Context, flowID string, handler DeltaHandler) (Subscription, error) {
	logger := b.logger.With("flow_id", flowID)
	return b.listen(ctx, b.store.DeltaChannel(flowID), func(payload string) {
		d, err := flowstore.ParseDelta([]byte(payload))
		if err != nil {
			b.metrics.dropped.Inc()
			logger.Warn("Ignoring malformed delta", "error", err)
			return
		}
		b.metrics.deltas.WithLabelValues(string(d.Event)).Inc()
		handler(d)
	})
}

// SubscribeStatus listens on the flow's status channel.
func (b *RedisBus) SubscribeStatus(ctx context.Context, flowID string, handler StatusHandler) (Subscription, error) {
	logger := b.logger.With("flow_id", flowID)
	return b.listen(ctx, b.StatusChannel(flowID), func(payload string) {
		u, err := ParseStatus([]byte(payload))
		if err != nil {
			logger.Warn("Ignoring malformed status", "error", err)
			return
		}
		u.FlowID = flowID
		handler(u)
	})
}

// StatusChannel is the channel carrying a flow's node status.
func (b *RedisBus) StatusChannel(flowID string) string {
	return b.prefix + ":status:" + flowID
}

// PublishStatus sends one status update.
func (b *RedisBus) PublishStatus(ctx context.Context, u StatusUpdate) error {
	data, err := encodeStatus(u)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.StatusChannel(u.FlowID), data).Err(); err != nil {
		return errors.WrapTransient(err, "changebus", "PublishStatus", "publish status")
	}
	return nil
}

func (b *RedisBus) listen(ctx context.Context, channel string, fn func(payload string)) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.WrapTransient(err, "changebus", "Subscribe", "confirm subscription")
	}

	sub := newSubscription(ps.Close, func() { b.metrics.active.Dec() })
	b.metrics.active.Inc()
	msgs := ps.Channel()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			case msg, open := <-msgs:
				if !open {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return sub, nil
}
