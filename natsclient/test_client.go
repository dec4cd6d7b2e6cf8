package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const natsImage = "nats:2.11.7-alpine"

// TestClient is a connected Client on a throwaway NATS container.
type TestClient struct {
	Client *Client
	URL    string
}

type testSettings struct {
	jetstream bool
	image     string
	startup   time.Duration
}

// TestOption configures NewTestClient.
type TestOption func(*testSettings)

// WithJetStream starts the server with JetStream, which buckets need.
func WithJetStream() TestOption {
	return func(s *testSettings) { s.jetstream = true }
}

// WithImage overrides the server image.
func WithImage(image string) TestOption {
	return func(s *testSettings) { s.image = image }
}

// NewTestClient starts a NATS container for the test and connects to it.
// Both are torn down by t.Cleanup; a missing container runtime skips the test.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	s := testSettings{image: natsImage, startup: 30 * time.Second}
	for _, opt := range opts {
		opt(&s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.startup+10*time.Second)
	defer cancel()

	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if s.jetstream {
		cmd = append(cmd, "--jetstream")
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        s.image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForHTTP("/healthz").
				WithPort("8222/tcp").
				WithStartupTimeout(s.startup),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("nats container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("resolve nats endpoint: %v", err)
	}

	client, err := NewClient(endpoint, WithName(fmt.Sprintf("test-%s", t.Name())), WithMaxReconnects(0), WithConnectAttempts(3))
	if err != nil {
		t.Fatalf("create nats client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to nats: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestClient{Client: client, URL: endpoint}
}
