package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
)

func noEnv(string) (string, bool) { return "", false }

func load(paths ...string) (*Config, error) {
	l := NewLoader().WithEnv(noEnv)
	for _, p := range paths {
		l.AddLayer(p)
	}
	return l.Load()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.Editor.ValidationDebounce)
	assert.Equal(t, 1, cfg.Editor.PersistWorkers)
}

func TestLoader_JSONLayer(t *testing.T) {
	path := writeFile(t, "flowedit.json", `{
		"backend": "redis",
		"redis": {"addr": "redis:6379", "db": 2},
		"templates": {"dir": "/etc/flowedit/templates"},
		"editor": {"validation_debounce": "250ms"}
	}`)

	cfg, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "flowedit", cfg.Redis.Prefix, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Editor.ValidationDebounce)
	assert.Equal(t, 16*time.Millisecond, cfg.Editor.FrameInterval)
}

func TestLoader_YAMLLayersMerge(t *testing.T) {
	base := writeFile(t, "base.yaml", `
nats:
  url: nats://base:4222
  reconnect_wait: 5s
editor:
  canvas_width: 8000
`)
	override := writeFile(t, "override.yml", `
nats:
  url: nats://override:4222
`)

	cfg, err := load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 8000.0, cfg.Editor.CanvasWidth)
	assert.Equal(t, 5000.0, cfg.Editor.CanvasHeight)
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"FLOWEDIT_NATS_URL":            "nats://env:4222",
		"FLOWEDIT_REDIS_DB":            "3",
		"FLOWEDIT_VALIDATION_DEBOUNCE": "1s",
		"FLOWEDIT_LOG_FORMAT":          "json",
		"FLOWEDIT_REDIS_ADDR":          "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := NewLoader().WithEnv(lookup).Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, time.Second, cfg.Editor.ValidationDebounce)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr, "empty values are ignored")

	env["FLOWEDIT_REDIS_DB"] = "three"
	_, err = NewLoader().WithEnv(lookup).Load()
	assert.True(t, errors.IsInvalid(err))

	env["FLOWEDIT_REDIS_DB"] = "3"
	env["FLOWEDIT_NATS_TOKEN"] = "a\x00b"
	_, err = NewLoader().WithEnv(lookup).Load()
	assert.Error(t, err)
}

func TestLoader_ProcessEnv(t *testing.T) {
	t.Setenv("FLOWEDIT_GATEWAY_ADDR", ":9000")
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Gateway.Addr)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad extension", "flowedit.toml", `backend = "nats"`},
		{"bad json", "flowedit.json", `{"backend": `},
		{"bad yaml", "flowedit.yaml", "nats: [unclosed\n"},
		{"bad duration", "flowedit.json", `{"editor": {"frame_interval": "soon"}}`},
		{"unknown backend", "flowedit.json", `{"backend": "mongo"}`},
		{"two persist workers", "flowedit.yaml", "editor:\n  persist_workers: 2\n"},
		{"redis without template dir", "flowedit.json", `{"backend": "redis"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := load(path)
			assert.True(t, errors.IsInvalid(err), "%v", err)
		})
	}
}

func TestValidate_ClassifiedInvalid(t *testing.T) {
	cfg := Default()
	cfg.Templates.CacheSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidate_NormalizesBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "NATS"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendNATS, cfg.Backend)
}

func TestReadLayer_Depth(t *testing.T) {
	assert.Equal(t, 3, depth(map[string]any{"a": []any{1.0, map[string]any{"b": "}"}}}))

	deep := `{"a":` + strings.Repeat("[", maxLayerDepth) + strings.Repeat("]", maxLayerDepth) + `}`
	_, err := readLayer(writeFile(t, "deep.json", deep))
	assert.ErrorContains(t, err, "nests")

	_, err = readLayer(t.TempDir() + "/missing.json")
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := filepath.Join(t.TempDir(), "dir.yaml")
	require.NoError(t, os.Mkdir(dir, 0o700))
	_, err = readLayer(dir)
	assert.ErrorContains(t, err, "not a regular file")
}

func TestOverlay(t *testing.T) {
	base := map[string]any{"nats": map[string]any{"url": "a", "max_reconnects": 3.0}, "tags": []any{"x"}}
	top := map[string]any{"nats": map[string]any{"url": "b"}, "tags": []any{"y"}, "log": nil}

	got := overlay(base, top)
	assert.Equal(t, map[string]any{
		"nats": map[string]any{"url": "b", "max_reconnects": 3.0},
		"tags": []any{"y"},
	}, got)
	assert.Equal(t, "a", base["nats"].(map[string]any)["url"], "base is untouched")
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.Redis.Password = "s3cret"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.Equal(t, "hunter2", cfg.NATS.Password, "original is untouched")
}
