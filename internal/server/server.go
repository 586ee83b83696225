// Package server orchestrates fidcgate's main gateway server and admin
// server. The main server carries the proxied traffic while the admin
// server exposes health checks, readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fidcgate/fidcgate/internal/audit"
	"github.com/fidcgate/fidcgate/internal/config"
	"github.com/fidcgate/fidcgate/internal/gateway"
	"github.com/fidcgate/fidcgate/internal/observability"
	iredis "github.com/fidcgate/fidcgate/internal/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is the main fidcgate server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	adminServer     *http.Server
	gw              *gateway.Gateway
	auditEmitter    *audit.Emitter
	redisClient     iredis.Client
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a new fidcgate server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	serviceName := cfg.Tracing.ServiceName
	if serviceName == "" {
		serviceName = "fidcgate"
	}
	appReg := prometheus.WrapRegistererWith(prometheus.Labels{"application": serviceName}, reg)

	metrics := observability.NewMetrics(appReg)
	health := observability.NewHealthChecker()
	normalizer := observability.NewPathNormalizer(cfg.Metrics)

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	redisClient, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect session store: %w", err)
	}

	auditEmitter := audit.NewEmitter(cfg.Audit, logger, metrics)

	gw, err := gateway.New(cfg, redisClient, logger, metrics, normalizer, auditEmitter)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	health.SetStorePinger(gw.Store())

	mainServer := buildMainServer(cfg, gw)
	adminServer := buildAdminServer(cfg, health, reg)

	return &Server{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		mainServer:   mainServer,
		adminServer:  adminServer,
		gw:           gw,
		auditEmitter: auditEmitter,
		redisClient:  redisClient,
		health:       health,
		metrics:      metrics,
	}, nil
}

func buildMainServer(cfg *config.Config, gw *gateway.Gateway) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	// TLS is terminated in front of the gateway; the listener speaks h2c so
	// HTTP/2 clients behind the terminator keep their protocol.
	h2s := &http2.Server{}
	handler := h2c.NewHandler(gw, h2s)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// Run starts both servers and blocks until the context is canceled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("fidcgate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"routes", len(s.cfg.Routes))

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh)

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

// Reload hot-swaps the route table, validation settings, and breaker
// thresholds without restarting the server. Fields that need a restart are
// logged and left unchanged.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config change requires restart, keeping old values", "fields", fields)
	}

	if err := s.gw.Reload(newCfg); err != nil {
		return err
	}

	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.auditEmitter != nil {
		if err := s.auditEmitter.Close(); err != nil {
			s.logger.Error("audit emitter close error", "error", err)
		}
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("session store close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
