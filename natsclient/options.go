package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MOV-AI/flowedit/pkg/retry"
)

type settings struct {
	name           string
	user           string
	password       string
	token          string
	dialTimeout    time.Duration
	maxReconnects  int
	reconnectWait  time.Duration
	drainTimeout   time.Duration
	handlerTimeout time.Duration
	connectRetry   retry.Config
	kv             KVOptions
	logger         *slog.Logger
}

func defaultSettings() settings {
	return settings{
		name:           "flowedit",
		dialTimeout:    5 * time.Second,
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		drainTimeout:   10 * time.Second,
		handlerTimeout: 30 * time.Second,
		connectRetry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
		kv: DefaultKVOptions(),
	}
}

// Option configures a Client.
type Option func(*settings) error

// WithName sets the connection name shown by the server monitor.
func WithName(name string) Option {
	return func(s *settings) error {
		if name == "" {
			return fmt.Errorf("empty client name")
		}
		s.name = name
		return nil
	}
}

// WithCredentials authenticates with user and password.
func WithCredentials(user, password string) Option {
	return func(s *settings) error {
		s.user, s.password = user, password
		return nil
	}
}

// WithToken authenticates with a token. It takes precedence over credentials.
func WithToken(token string) Option {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithMaxReconnects bounds reconnection attempts after a lost connection;
// -1 retries forever.
func WithMaxReconnects(n int) Option {
	return func(s *settings) error {
		if n < -1 {
			return fmt.Errorf("max reconnects %d below -1", n)
		}
		s.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(s *settings) error {
		if d < 0 {
			return fmt.Errorf("negative reconnect wait %v", d)
		}
		s.reconnectWait = d
		return nil
	}
}

// WithDialTimeout bounds each dial of Connect.
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("dial timeout must be positive, got %v", d)
		}
		s.dialTimeout = d
		return nil
	}
}

// WithConnectAttempts sets how many dials Connect makes before giving up.
func WithConnectAttempts(n int) Option {
	return func(s *settings) error {
		if n < 1 {
			return fmt.Errorf("connect attempts %d below 1", n)
		}
		s.connectRetry.MaxAttempts = n
		return nil
	}
}

// WithKVOptions sets the options of every bucket opened by the client.
func WithKVOptions(o KVOptions) Option {
	return func(s *settings) error {
		s.kv = o
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}
