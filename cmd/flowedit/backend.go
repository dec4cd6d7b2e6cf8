package main

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/MOV-AI/flowedit/changebus"
	"github.com/MOV-AI/flowedit/config"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/health"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/natsclient"
	"github.com/MOV-AI/flowedit/session"
	"github.com/MOV-AI/flowedit/template"
)

// backend is the session backend plus what the process needs to probe and
// release it.
type backend struct {
	session.Backend
	probes  map[string]health.Probe
	closers []func(context.Context) error
}

func (b *backend) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*backend, error) {
	b := &backend{probes: map[string]health.Probe{}}
	var err error
	switch cfg.Backend {
	case config.BackendNATS:
		err = b.openNATS(ctx, cfg, registry, logger)
	case config.BackendRedis:
		err = b.openRedis(ctx, cfg, registry, logger)
	default:
		err = errors.WrapInvalid(errors.ErrInvalidConfig, "main", "openBackend", "unknown backend "+cfg.Backend)
	}
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	logger.Info("Backend ready", "backend", cfg.Backend)
	return b, nil
}

func (b *backend) openNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) error {
	opts := []natsclient.Option{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithLogger(logger),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return errors.Wrap(err, "main", "openNATS", "create client")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.Wrap(err, "main", "openNATS", "connect")
	}
	b.closers = append(b.closers, client.Close)
	b.probes["nats"] = client.Probe

	store, err := flowstore.NewKVStore(ctx, client, cfg.NATS.FlowBucket, logger)
	if err != nil {
		return errors.Wrap(err, "main", "openNATS", "open flow bucket")
	}
	bus, err := changebus.NewKVBus(client, store.Bucket(), cfg.NATS.StatusSubject, registry, logger)
	if err != nil {
		return errors.Wrap(err, "main", "openNATS", "create change bus")
	}
	b.Store, b.Bus, b.Status = store, bus, bus
	flows := template.NewFlowNotifier(store.Bucket(), logger)

	if cfg.Templates.Dir != "" {
		files, err := template.NewFileFetcher(cfg.Templates.Dir)
		if err != nil {
			return errors.Wrap(err, "main", "openNATS", "open template dir")
		}
		b.Fetcher = template.FlowFetcher{Nodes: files, Flows: store}
		b.Notifiers = []template.Notifier{flows}
		return nil
	}

	kv, err := client.OpenBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Templates.Bucket,
		Description: "flowedit node templates",
		History:     1,
	})
	if err != nil {
		return errors.Wrap(err, "main", "openNATS", "open template bucket")
	}
	nodes := template.NewKVFetcher(kv, store, logger)
	b.Fetcher = nodes
	b.Notifiers = []template.Notifier{nodes, flows}
	return nil
}

func (b *backend) openRedis(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	b.closers = append(b.closers, func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "main", "openRedis", "ping")
	}
	b.probes["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	store := flowstore.NewRedisStore(client, cfg.Redis.Prefix, logger)
	bus, err := changebus.NewRedisBus(store, cfg.Redis.Prefix, registry, logger)
	if err != nil {
		return errors.Wrap(err, "main", "openRedis", "create change bus")
	}
	files, err := template.NewFileFetcher(cfg.Templates.Dir)
	if err != nil {
		return errors.Wrap(err, "main", "openRedis", "open template dir")
	}
	b.Store, b.Bus, b.Status = store, bus, bus
	b.Fetcher = template.FlowFetcher{Nodes: files, Flows: store}
	return nil
}
