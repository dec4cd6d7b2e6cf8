package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MOV-AI/flowedit/errors"
)

// durationFields are written as Go durations ("500ms") in files and stored
// as nanoseconds in Config.
var durationFields = []string{
	"nats.reconnect_wait",
	"editor.validation_debounce",
	"editor.frame_interval",
}

// Loader builds a Config from the defaults, any number of file layers and
// the FLOWEDIT_* environment, in that order.
type Loader struct {
	layers []string
	prefix string
	lookup func(string) (string, bool)
}

// NewLoader returns a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{prefix: "FLOWEDIT_", lookup: os.LookupEnv}
}

// AddLayer appends a file. Later layers win over earlier ones.
func (l *Loader) AddLayer(path string) *Loader {
	l.layers = append(l.layers, path)
	return l
}

// WithEnv replaces the environment lookup.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

// Load merges every source and validates the result.
func (l *Loader) Load() (*Config, error) {
	tree, err := asTree(Default())
	if err != nil {
		return nil, err
	}
	for _, path := range l.layers {
		layer, err := readLayer(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read layer")
		}
		tree = overlay(tree, layer)
	}
	for _, field := range durationFields {
		if err := normalizeDuration(tree, field); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+field)
		}
	}

	cfg := &Config{}
	data, err := json.Marshal(tree)
	if err == nil {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "decode")
	}

	for _, v := range envVars {
		name := l.prefix + v.name
		raw, ok := l.lookup(name)
		if !ok || raw == "" {
			continue
		}
		if len(raw) > maxEnvValue || strings.ContainsRune(raw, 0) {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Load", name+" is malformed")
		}
		if err := v.set(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "apply "+name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func asTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	tree := map[string]any{}
	return tree, json.Unmarshal(data, &tree)
}

// normalizeDuration rewrites a string at the dotted path to nanoseconds.
func normalizeDuration(tree map[string]any, path string) error {
	keys := strings.Split(path, ".")
	node := tree
	for _, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			return nil
		}
		node = next
	}
	leaf := keys[len(keys)-1]
	s, ok := node[leaf].(string)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	node[leaf] = d.Nanoseconds()
	return nil
}

type envVar struct {
	name string
	set  func(*Config, string) error
}

func text(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		*field(c) = n
		return nil
	}
}

var envVars = []envVar{
	{"BACKEND", text(func(c *Config) *string { return &c.Backend })},
	{"NATS_URL", text(func(c *Config) *string { return &c.NATS.URL })},
	{"NATS_USERNAME", text(func(c *Config) *string { return &c.NATS.Username })},
	{"NATS_PASSWORD", text(func(c *Config) *string { return &c.NATS.Password })},
	{"NATS_TOKEN", text(func(c *Config) *string { return &c.NATS.Token })},
	{"NATS_RECONNECT_WAIT", duration(func(c *Config) *time.Duration { return &c.NATS.ReconnectWait })},
	{"REDIS_ADDR", text(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", text(func(c *Config) *string { return &c.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},
	{"TEMPLATES_DIR", text(func(c *Config) *string { return &c.Templates.Dir })},
	{"TEMPLATES_BUCKET", text(func(c *Config) *string { return &c.Templates.Bucket })},
	{"VALIDATION_DEBOUNCE", duration(func(c *Config) *time.Duration { return &c.Editor.ValidationDebounce })},
	{"GATEWAY_ADDR", text(func(c *Config) *string { return &c.Gateway.Addr })},
	{"LOG_LEVEL", text(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", text(func(c *Config) *string { return &c.Log.Format })},
}
