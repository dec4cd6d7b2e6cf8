// Package natsclient owns the NATS connection behind the flow document
// store, the change bus and the node status feed. Connect retries with
// backoff; afterwards nats.go reconnects on its own and the client only
// tracks the connection state for health probes.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/pkg/retry"
)

// State is the connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{"idle", "connecting", "connected", "reconnecting", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrNotConnected is returned by operations issued before Connect or after
// Close.
var ErrNotConnected = errors.New("nats: not connected")

// Client is a NATS connection with JetStream enabled.
type Client struct {
	url      string
	settings settings
	logger   *slog.Logger

	state      atomic.Int32
	reconnects atomic.Uint64

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	closeOnce sync.Once
	closeErr  error
}

// NewClient prepares a client for url. Nothing is dialed until Connect.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsclient", "NewClient", "url is required")
	}
	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, errors.WrapInvalid(err, "natsclient", "NewClient", "apply option")
		}
	}
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      url,
		settings: s,
		logger:   logger.With("component", "natsclient", "url", url),
	}, nil
}

// URL returns the server URL.
func (c *Client) URL() string {
	return c.url
}

// State returns the connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.State() == StateConnected
}

// Reconnects counts the reconnections nats.go made since Connect.
func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

// Probe is a health probe over the connection state.
func (c *Client) Probe(context.Context) error {
	if st := c.State(); st != StateConnected {
		return fmt.Errorf("nats connection is %s", st)
	}
	return nil
}

func (c *Client) natsOptions() []nats.Option {
	s := c.settings
	opts := []nats.Option{
		nats.Name(s.name),
		nats.Timeout(s.dialTimeout),
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.State() == StateClosed {
				return
			}
			c.state.Store(int32(StateReconnecting))
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			c.reconnects.Add(1)
			c.state.Store(int32(StateConnected))
			c.logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.state.Store(int32(StateClosed))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	switch {
	case s.token != "":
		opts = append(opts, nats.Token(s.token))
	case s.user != "":
		opts = append(opts, nats.UserInfo(s.user, s.password))
	}
	return opts
}

// Connect dials the server, retrying with backoff until it answers, the
// attempts run out or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return errors.WrapInvalid(fmt.Errorf("client is %s", c.State()), "natsclient", "Connect", "check state")
	}
	c.logger.Info("Connecting to NATS")

	attempt := 0
	conn, err := retry.DoWithResult(ctx, c.settings.connectRetry, func() (*nats.Conn, error) {
		attempt++
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		if err != nil {
			c.logger.Debug("NATS dial failed", "attempt", attempt, "error", err)
			if errors.Is(err, nats.ErrAuthorization) {
				return nil, retry.NonRetryable(err)
			}
		}
		return conn, err
	})
	if err != nil {
		c.state.Store(int32(StateIdle))
		return errors.WrapTransient(err, "natsclient", "Connect", "dial server")
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.state.Store(int32(StateIdle))
		return errors.WrapFatal(err, "natsclient", "Connect", "enable jetstream")
	}

	c.mu.Lock()
	c.conn, c.js = conn, js
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))
	c.logger.Info("Connected to NATS", "attempts", attempt)
	return nil
}

func (c *Client) connection() (*nats.Conn, jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.State() == StateClosed {
		return nil, nil, ErrNotConnected
	}
	return c.conn, c.js, nil
}

// Subscribe delivers the payload of every message on subject to handler,
// on the nats.go dispatch goroutine. ctx bounds each handler call.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (*nats.Subscription, error) {
	conn, _, err := c.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		hctx, cancel := context.WithTimeout(ctx, c.settings.handlerTimeout)
		defer cancel()
		handler(hctx, msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Subscribe", "subscribe "+subject)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, _, err := c.connection()
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// OpenBucket opens the key-value bucket cfg.Bucket, creating it with cfg
// when it does not exist yet.
func (c *Client) OpenBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (*KVStore, error) {
	_, js, err := c.connection()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, cfg)
		if errors.Is(err, jetstream.ErrBucketExists) {
			// another editor created it first
			kv, err = js.KeyValue(ctx, cfg.Bucket)
		} else if err == nil {
			c.logger.Info("Created bucket", "bucket", cfg.Bucket)
		}
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "OpenBucket", "open bucket "+cfg.Bucket)
	}
	c.logger.Debug("Bucket ready", "bucket", cfg.Bucket)
	return newKVStore(kv, c.settings.kv, c.logger), nil
}

// Close drops the subscriptions and drains the connection, bounded by ctx
// and the drain timeout. Later calls return the first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn, subs := c.conn, c.subs
		c.conn, c.js, c.subs = nil, nil, nil
		c.mu.Unlock()
		c.state.Store(int32(StateClosed))
		if conn == nil {
			return
		}

		var errs []error
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				errs = append(errs, err)
			}
		}

		drainCtx, cancel := context.WithTimeout(ctx, c.settings.drainTimeout)
		defer cancel()
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()
		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, err)
			}
		case <-drainCtx.Done():
			errs = append(errs, fmt.Errorf("drain: %w", drainCtx.Err()))
		}
		conn.Close()

		if len(errs) > 0 {
			c.closeErr = errors.WrapTransient(errors.Join(errs...), "natsclient", "Close", "drain connection")
		}
		c.logger.Info("NATS connection closed")
	})
	return c.closeErr
}

func (c *Client) String() string {
	return fmt.Sprintf("nats(%s, %s)", c.url, c.State())
}
