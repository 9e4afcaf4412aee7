package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/config"
)

func TestNew_BuildsServerWithNoBackends(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Name:    "test",
		Version: "dev",
		Ingress: config.IngressConfig{ListenAddr: ":0", MaxInFlight: 10, RatePerSecond: 100, Burst: 10},
		Router:  config.RouterConfig{FailureThreshold: 3, OpenTimeout: time.Second},
	}

	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ":0", srv.Address())
	assert.NotNil(t, srv.Registry())
}

func TestNew_RejectsDuplicateBackendIDs(t *testing.T) {
	t.Parallel()

	backend := vmcp.BackendDescriptor{
		ID:        "a",
		Transport: vmcp.TransportSpec{Kind: vmcp.TransportHTTP, HTTP: &vmcp.HTTPSpec{URL: "http://localhost:9000"}},
	}
	cfg := Config{
		Name:     "test",
		Backends: []vmcp.BackendDescriptor{backend, backend},
		Ingress:  config.IngressConfig{ListenAddr: ":0", MaxInFlight: 10, RatePerSecond: 100, Burst: 10},
	}

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestServer_InitializeIsServedLocally(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Name:    "test",
		Version: "1.2.3",
		Ingress: config.IngressConfig{ListenAddr: ":0", MaxInFlight: 10, RatePerSecond: 100, Burst: 10},
		Router:  config.RouterConfig{FailureThreshold: 3, OpenTimeout: time.Second},
	}
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.2.3")
}

func TestServer_StartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Name:    "test",
		Ingress: config.IngressConfig{ListenAddr: "127.0.0.1:0", MaxInFlight: 10, RatePerSecond: 100, Burst: 10},
		Router:  config.RouterConfig{FailureThreshold: 3, OpenTimeout: time.Second},
	}
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
