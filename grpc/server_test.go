package grpc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/core"
	"github.com/santif/jobsched/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Enabled = true
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func dial(t *testing.T, addr string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestServer_HealthFollowsChecks(t *testing.T) {
	var storeDown atomic.Bool
	checker := core.NewHealthChecker(time.Second)
	checker.AddCheck("store", func(context.Context) error {
		if storeDown.Load() {
			return errors.New("connection refused")
		}
		return nil
	})
	checker.AddCheck("scheduler", func(context.Context) error { return nil })

	server := NewServer(testConfig(), checker, ServerDependencies{})
	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() {
		if server.IsStarted() {
			_ = server.Stop(context.Background())
		}
	})

	client := dial(t, server.Address())
	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("store"))

	storeDown.Store(true)
	assert.Eventually(t, func() bool {
		return check("") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("store"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("scheduler"))

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	require.NoError(t, server.Stop(ctx))
	assert.False(t, server.IsStarted())
	assert.Empty(t, server.Address())
}

func TestServer_Lifecycle(t *testing.T) {
	server := NewServer(testConfig(), nil, ServerDependencies{})
	ctx := context.Background()

	assert.ErrorIs(t, server.Stop(ctx), ErrServerNotStarted)
	require.NoError(t, server.Start(ctx))
	assert.ErrorIs(t, server.Start(ctx), ErrServerAlreadyStarted)

	// no checks registered
	resp, err := dial(t, server.Address()).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, resp.GetStatus())

	require.NoError(t, server.Stop(ctx))

	// restart on a fresh port
	require.NoError(t, server.Start(ctx))
	resp, err = dial(t, server.Address()).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, resp.GetStatus())
	require.NoError(t, server.Stop(ctx))
}

func TestServer_ListenError(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "256.0.0.1"
	server := NewServer(cfg, nil, ServerDependencies{})
	err := server.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.False(t, server.IsStarted())
}

func TestServer_TLSFilesMissing(t *testing.T) {
	cfg := testConfig()
	cfg.EnableTLS = true
	cfg.TLSCertFile = "/nonexistent/cert.pem"
	cfg.TLSKeyFile = "/nonexistent/key.pem"
	err := NewServer(cfg, nil, ServerDependencies{}).Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS credentials")
}
