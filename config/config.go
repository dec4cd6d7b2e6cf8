// Package config loads the editor service configuration from JSON or YAML
// files with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MOV-AI/flowedit/errors"
)

// Backends for the flow document store and change bus
const (
	BackendNATS  = "nats"
	BackendRedis = "redis"
)

// Config represents the complete service configuration
type Config struct {
	Backend   string          `json:"backend"`
	NATS      NATSConfig      `json:"nats"`
	Redis     RedisConfig     `json:"redis"`
	Templates TemplatesConfig `json:"templates"`
	Editor    EditorConfig    `json:"editor"`
	Gateway   GatewayConfig   `json:"gateway"`
	Log       LogConfig       `json:"log"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string        `json:"url"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	FlowBucket    string        `json:"flow_bucket"`
	StatusSubject string        `json:"status_subject"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// TemplatesConfig selects where node and flow templates come from.
type TemplatesConfig struct {
	Dir       string `json:"dir,omitempty"`    // YAML template directory; empty uses the KV bucket
	Bucket    string `json:"bucket,omitempty"` // NATS KV bucket of template documents
	CacheSize int    `json:"cache_size"`
}

// EditorConfig holds canvas and scheduling settings for a session
type EditorConfig struct {
	CanvasWidth        float64       `json:"canvas_width"`
	CanvasHeight       float64       `json:"canvas_height"`
	ValidationDebounce time.Duration `json:"validation_debounce"`
	FrameInterval      time.Duration `json:"frame_interval"`
	PersistWorkers     int           `json:"persist_workers"`
	PersistQueue       int           `json:"persist_queue"`
}

// GatewayConfig configures the websocket gateway
type GatewayConfig struct {
	Addr        string `json:"addr"`
	MetricsPath string `json:"metrics_path"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Backend: BackendNATS,
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			FlowBucket:    "flowedit_flows",
			StatusSubject: "flowedit.status",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "flowedit",
		},
		Templates: TemplatesConfig{
			Bucket:    "flowedit_templates",
			CacheSize: 512,
		},
		Editor: EditorConfig{
			CanvasWidth:        5000,
			CanvasHeight:       5000,
			ValidationDebounce: 500 * time.Millisecond,
			FrameInterval:      16 * time.Millisecond,
			PersistWorkers:     1,
			PersistQueue:       1024,
		},
		Gateway: GatewayConfig{
			Addr:        ":8080",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks if the config is valid and normalizes enum fields
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case BackendNATS:
		if c.NATS.URL == "" {
			return invalid("nats.url is required for the nats backend")
		}
		if c.NATS.FlowBucket == "" {
			return invalid("nats.flow_bucket is required for the nats backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return invalid("redis.addr is required for the redis backend")
		}
		if c.Redis.DB < 0 {
			return invalid("redis.db must not be negative")
		}
	default:
		return invalid(fmt.Sprintf("unknown backend %q (must be %q or %q)", c.Backend, BackendNATS, BackendRedis))
	}

	if c.Templates.Dir == "" && c.Templates.Bucket == "" {
		return invalid("templates.dir or templates.bucket is required")
	}
	if c.Templates.Dir == "" && c.Backend != BackendNATS {
		return invalid("templates.bucket requires the nats backend; set templates.dir")
	}
	if c.Templates.CacheSize <= 0 {
		return invalid("templates.cache_size must be positive")
	}

	if c.Editor.CanvasWidth <= 0 || c.Editor.CanvasHeight <= 0 {
		return invalid("editor canvas size must be positive")
	}
	if c.Editor.ValidationDebounce < 0 {
		return invalid("editor.validation_debounce must not be negative")
	}
	if c.Editor.FrameInterval <= 0 {
		return invalid("editor.frame_interval must be positive")
	}
	if c.Editor.PersistWorkers != 1 {
		// persistence order is the delta order seen by other editors
		return invalid("editor.persist_workers must be 1")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	copied := *c
	return &copied
}

// String returns a JSON representation with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token, &masked.Redis.Password} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
