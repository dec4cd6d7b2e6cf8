package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/testutil"
)

// newEnv starts a redis backend holding flows "good" and "bad" and returns
// a config file pointing at it.
func newEnv(t *testing.T) string {
	t.Helper()
	client, mr := testutil.Redis(t)
	store := flowstore.NewRedisStore(client, "test", nil)
	dir := testutil.TemplateDir(t, map[string]string{"Relay": testutil.RelayTemplate})

	good := flowstore.NewDocument()
	good.NodeInst["A"] = flowstore.NodeData{
		flowstore.KeyTemplate:      "Relay",
		flowstore.KeyVisualization: flowstore.VisualizationValue(100, 100),
	}
	good.Links["l1"] = flowstore.LinkData{From: "start/start", To: "A/in"}
	require.NoError(t, store.Save(context.Background(), "good", good))

	bad := flowstore.NewDocument()
	bad.NodeInst["A"] = flowstore.NodeData{
		flowstore.KeyTemplate:      "Relay",
		flowstore.KeyVisualization: flowstore.VisualizationValue(100, 100),
	}
	bad.Links["l2"] = flowstore.LinkData{From: "A/out", To: "Z/in"}
	require.NoError(t, store.Save(context.Background(), "bad", bad))

	cfg := fmt.Sprintf(`
backend: redis
redis:
  addr: %s
  prefix: test
templates:
  dir: %s
log:
  level: error
`, mr.Addr(), dir)
	path := filepath.Join(t.TempDir(), "flowedit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate_CleanFlow(t *testing.T) {
	cfg := newEnv(t)
	out, err := execute(t, "-c", cfg, "validate", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "flow good:")
	assert.Contains(t, out, "  ok")
}

func TestValidate_RuntimeWarnings(t *testing.T) {
	cfg := newEnv(t)
	out, err := execute(t, "-c", cfg, "validate", "bad")
	require.Error(t, err)

	var exit exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, exitRuntimeWarnings, exit.code)
	assert.Contains(t, out, "[runtime]")
	assert.Contains(t, out, "[invalid link] l2 A/out -> Z/in")
}

func TestValidate_JSON(t *testing.T) {
	cfg := newEnv(t)
	out, err := execute(t, "-c", cfg, "validate", "--json", "bad")
	require.Error(t, err)

	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "bad", report.Flow)
	assert.True(t, report.Validation.HasRuntimeWarnings())
	require.Len(t, report.InvalidLinks, 1)
	assert.Equal(t, "l2", report.InvalidLinks[0].ID)
}

func TestValidate_RequiresFlow(t *testing.T) {
	cfg := newEnv(t)
	_, err := execute(t, "-c", cfg, "validate")
	assert.Error(t, err)
}

func TestConfig_MasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowedit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nats": {"username": "editor", "password": "hunter2"}}`), 0o644))
	out, err := execute(t, "-c", path, "config")
	require.NoError(t, err)
	assert.Contains(t, out, `"backend": "nats"`)
	assert.Contains(t, out, `"username": "editor"`)
	assert.NotContains(t, out, "hunter2")
}

func TestConfig_LayersOverride(t *testing.T) {
	base := newEnv(t)
	override := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(override, []byte("gateway:\n  addr: \":9090\"\n"), 0o644))
	out, err := execute(t, "-c", base, "-c", override, "config")
	require.NoError(t, err)
	assert.Contains(t, out, `"backend": "redis"`)
	assert.Contains(t, out, `"addr": ":9090"`)
}

func TestConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: carrier-pigeon\n"), 0o644))
	_, err := execute(t, "-c", path, "config")
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	setupLogger(&buf, "bogus", "text").Info("info is the default")
	assert.Contains(t, buf.String(), "info is the default")
}
