package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fidcgate/fidcgate/internal/config"
	"github.com/fidcgate/fidcgate/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Redis.Endpoints = []string{redisAddr}
	cfg.Redis.DialTimeout = "500ms"
	cfg.Routes = []config.RouteConfig{
		{ID: "simulation", PathPrefix: "/api/simulation", Upstream: "http://simulation:8080", Protected: true},
	}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("builds the server against a reachable session store", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv, err := New(testConfig(t, mr.Addr()), testLogger(), "test")
		require.NoError(t, err)
		require.NotNil(t, srv)
		_ = srv.redisClient.Close()
	})

	t.Run("fails fast when the session store is unreachable", func(t *testing.T) {
		cfg := testConfig(t, "127.0.0.1:1")
		_, err := New(cfg, testLogger(), "test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connect session store")
	})
}

func TestRunAndShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	srv, err := New(testConfig(t, mr.Addr()), testLogger(), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, srv.health.IsReady, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	assert.False(t, srv.health.IsReady())
}

func TestAdminEndpoints(t *testing.T) {
	health := observability.NewHealthChecker()
	health.SetStarted()
	health.SetReady()

	reg := prometheus.NewRegistry()
	observability.NewMetrics(reg)

	adminSrv := buildAdminServer(config.Defaults(), health, reg)

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		adminSrv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)
	assert.Equal(t, http.StatusOK, get("/startz").Code)

	metricsResp := get("/metrics")
	assert.Equal(t, http.StatusOK, metricsResp.Code)
	assert.Contains(t, metricsResp.Body.String(), "fidcgate_")
}

func TestReload(t *testing.T) {
	mr := miniredis.RunT(t)
	srv, err := New(testConfig(t, mr.Addr()), testLogger(), "test")
	require.NoError(t, err)
	defer func() { _ = srv.redisClient.Close() }()

	newCfg := testConfig(t, mr.Addr())
	newCfg.Routes = append(newCfg.Routes, config.RouteConfig{
		ID: "loan", PathPrefix: "/api/loan", Upstream: "http://loan:8080", Protected: true,
	})
	require.NoError(t, srv.Reload(newCfg))
	assert.Len(t, srv.cfg.Routes, 2)
}
