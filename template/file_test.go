package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
)

func writeTemplate(t *testing.T, dir string, kind Kind, file, content string) {
	t.Helper()
	path := filepath.Join(dir, string(kind), file)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, KindNode, "Talker.yaml", `
Label: Talker
Type: ROS1/Node
PortsInst:
  out:
    Template: ROS1/Publisher
    Message: std_msgs/String
    Direction: Out
Parameter:
  rate:
    Value: 10
`)
	writeTemplate(t, dir, KindNode, "Listener.json", `{"PortsInst": {"in": {"Message": "std_msgs/String", "Direction": "In"}}}`)
	writeTemplate(t, dir, KindNode, "Broken.yml", `
PortsInst:
  out:
    Direction: Sideways
`)
	writeTemplate(t, dir, KindFlow, "child.yaml", `
NodeInst:
  n1:
    Template: Talker
Parameter:
  speed: 1
`)

	f, err := NewFileFetcher(dir)
	require.NoError(t, err)
	ctx := context.Background()

	talker, err := f.FetchNode(ctx, "Talker")
	require.NoError(t, err)
	assert.Equal(t, "ROS1/Node", talker.Type)
	assert.Equal(t, "std_msgs/String", talker.PortsInst["out"].Message)
	assert.Contains(t, talker.Parameter, "rate")

	listener, err := f.FetchNode(ctx, "Listener")
	require.NoError(t, err)
	assert.Equal(t, "Listener", listener.Name)

	_, err = f.FetchNode(ctx, "Broken")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = f.FetchNode(ctx, "Missing")
	assert.ErrorIs(t, err, errors.ErrTemplateNotFound)

	_, err = f.FetchNode(ctx, "../etc/passwd")
	assert.True(t, errors.IsInvalid(err))

	child, err := f.FetchFlow(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "Talker", child.Document.NodeInst["n1"].Template())
	assert.Contains(t, child.ParameterNames(), "speed")
}

func TestNewFileFetcher_RequiresDir(t *testing.T) {
	_, err := NewFileFetcher(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewFileFetcher(file)
	assert.Error(t, err)
}

func TestValidateNodeDocument(t *testing.T) {
	assert.NoError(t, ValidateNodeDocument(map[string]any{}))
	assert.Error(t, ValidateNodeDocument(map[string]any{"PortsInst": map[string]any{"p": map[string]any{}}}))
	assert.Error(t, ValidateNodeDocument(map[string]any{"Label": 3}))
}
