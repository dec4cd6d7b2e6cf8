// Package testutil holds fixtures shared by package tests: an in-memory
// redis and on-disk template directories.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// RelayTemplate is a node template with one input and one output port
// carrying message type T.
const RelayTemplate = `
Label: Relay
PortsInst:
  in:
    Direction: In
    Message: T
  out:
    Direction: Out
    Message: T
`

// Redis starts a miniredis server and returns a client connected to it.
// Both are closed when the test ends.
func Redis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// TemplateDir writes node templates, keyed by name, as Node/<name>.yaml
// under a temporary directory and returns it.
func TemplateDir(t testing.TB, nodes map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Node"), 0o755))
	for name, body := range nodes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Node", name+".yaml"), []byte(body), 0o644))
	}
	return dir
}
