// Package gateway implements the request processing pipeline for fidcgate:
// correlation → route match → session validation (protected routes) →
// header rewrite → upstream dispatch, with metrics on every exit path and a
// single error mapper rendering every failure. A protected route never
// reaches its upstream without a successfully validated session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fidcgate/fidcgate/internal/audit"
	"github.com/fidcgate/fidcgate/internal/breaker"
	"github.com/fidcgate/fidcgate/internal/config"
	"github.com/fidcgate/fidcgate/internal/observability"
	"github.com/fidcgate/fidcgate/internal/proxy"
	"github.com/fidcgate/fidcgate/internal/redis"
	"github.com/fidcgate/fidcgate/internal/route"
	"github.com/fidcgate/fidcgate/internal/session"
	"github.com/fidcgate/fidcgate/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("fidcgate.gateway")

// Gateway is the pipeline host. It owns global filter ordering (correlation
// runs first, metrics observes last), binds the session validation filter to
// protected routes, and delegates upstream dispatch to the per-route proxy.
type Gateway struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	normalizer *observability.PathNormalizer
	audit      *audit.Emitter
	pool       *worker.Pool

	redisClient redis.Client

	// pipe is swapped wholesale on config reload; readers in ServeHTTP see
	// either the old or the new pipeline, never a mix.
	pipe atomic.Pointer[pipeline]
}

// pipeline is the immutable per-config portion of the gateway.
type pipeline struct {
	table             *route.Table
	store             *session.Store
	breakers          *breaker.Registry
	partnerClaimCheck bool
}

// New creates the gateway from config. The Redis client is owned by the
// caller and survives reloads.
func New(
	cfg *config.Config,
	redisClient redis.Client,
	logger *slog.Logger,
	metrics *observability.Metrics,
	normalizer *observability.PathNormalizer,
	auditEmitter *audit.Emitter,
) (*Gateway, error) {
	g := &Gateway{
		logger:      logger,
		metrics:     metrics,
		normalizer:  normalizer,
		audit:       auditEmitter,
		pool:        worker.NewPool(cfg.Session.Workers),
		redisClient: redisClient,
	}

	pipe, err := g.buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	g.pipe.Store(pipe)

	logger.Info("gateway pipeline ready",
		"routes", len(cfg.Routes),
		"partner_claim_check", cfg.Validation.PartnerClaimCheckEnabled())

	return g, nil
}

// Reload rebuilds the route table, validators, and breaker registry from a
// new config and swaps them atomically. The breaker registry is replaced,
// so open-state history does not survive a threshold change.
func (g *Gateway) Reload(cfg *config.Config) error {
	pipe, err := g.buildPipeline(cfg)
	if err != nil {
		return err
	}
	g.pipe.Store(pipe)

	g.logger.Info("gateway pipeline reloaded",
		"routes", len(cfg.Routes),
		"partner_claim_check", cfg.Validation.PartnerClaimCheckEnabled())
	return nil
}

func (g *Gateway) buildPipeline(cfg *config.Config) (*pipeline, error) {
	breakers := breaker.NewRegistry(cfg.Breakers, g.logger, g.breakerStateHook())

	store := session.NewStore(g.redisClient, breakers, g.pool, g.logger,
		session.WithLookupTimeout(config.MustParseDuration(cfg.Session.LookupTimeout, 3*time.Second)),
		session.WithKeyPrefix(cfg.Session.KeyPrefix),
	)

	table := route.NewTable(cfg.Routes)
	for _, rt := range table.Routes() {
		p, err := proxy.New(rt.Upstream, rt.Timeout, g.logger, g.proxyErrorHandler)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rt.ID, err)
		}
		rt.Handler = p
	}

	return &pipeline{
		table:             table,
		store:             store,
		breakers:          breakers,
		partnerClaimCheck: cfg.Validation.PartnerClaimCheckEnabled(),
	}, nil
}

// breakerStateHook feeds breaker transitions into the state gauge.
func (g *Gateway) breakerStateHook() func(name string, from, to breaker.State) {
	return func(name string, _, to breaker.State) {
		var v float64
		switch to {
		case breaker.StateHalfOpen:
			v = 1
		case breaker.StateOpen:
			v = 2
		}
		g.metrics.SetBreakerState(name, v)
	}
}

// Store exposes the current session store (used for the deep readiness probe).
func (g *Gateway) Store() *session.Store {
	return g.pipe.Load().store
}

// ---------------------------------------------------------------------------
// Request flow
// ---------------------------------------------------------------------------

// routeKey carries the matched route id for the error mapper and the proxy
// error handler.
type routeKey struct{}

func routeIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(routeKey{}).(string)
	return id
}

// proxyCapture carries the transport error of an upstream dispatch back to
// the downstream breaker accounting in dispatch.
type proxyCapture struct {
	err error
}

type proxyCaptureKey struct{}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and handlers that probe for the
// underlying interfaces (http.Flusher etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so streamed upstream responses keep flowing
// through the wrapper.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP runs the pipeline. The metrics observation wraps everything so
// it sees the final status of every exit path, including mapped errors.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	normPath := g.normalizer.Normalize(r.URL.Path)
	method := r.Method

	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	defer func() {
		g.metrics.ObserveRequest(normPath, method, sw.code, time.Since(start).Seconds())
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	r, _ = g.correlate(sw, r)

	pipe := g.pipe.Load()

	rt := pipe.table.Match(r.URL.Path)
	if rt == nil {
		g.writeError(sw, r, "", &Error{
			Kind:    KindGatewayError,
			Status:  http.StatusNotFound,
			Message: "no route matches request path",
		})
		return
	}

	ctx := context.WithValue(r.Context(), routeKey{}, rt.ID)
	ctx, cancel := context.WithTimeout(ctx, rt.Timeout)
	defer cancel()
	r = r.WithContext(ctx)

	if rt.Protected {
		rec, err := g.validateSession(r, rt, pipe)
		if err != nil {
			g.writeError(sw, r, rt.ID, err)
			return
		}
		r = rewriteRequest(r, rec)
	}

	g.dispatch(sw, r, rt, pipe)
}

// dispatch forwards the request under the downstream breaker. Transport
// failures are rendered by the proxy error handler; breaker rejections are
// rendered here because the proxy is never invoked.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, rt *route.Route, pipe *pipeline) {
	capture := &proxyCapture{}
	ctx := context.WithValue(r.Context(), proxyCaptureKey{}, capture)
	r = r.WithContext(ctx)

	ctx, span := tracer.Start(ctx, "fidcgate.dispatch")
	span.SetAttributes(attribute.String("route", rt.ID))
	defer span.End()
	r = r.WithContext(ctx)

	err := pipe.breakers.Get(breaker.PolicyDownstream).Execute(ctx, func(context.Context) error {
		rt.Handler.ServeHTTP(w, r)
		return capture.err
	})
	if err != nil {
		if _, open := breaker.AsOpenError(err); open {
			g.writeError(w, r, rt.ID, err)
		}
		// Transport errors were already rendered by proxyErrorHandler.
	}
}

// proxyErrorHandler renders upstream transport failures and records them
// for the downstream breaker. A client disconnect produces no response —
// the connection is gone — but still counts as a dispatch that did not
// complete.
func (g *Gateway) proxyErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if capture, ok := r.Context().Value(proxyCaptureKey{}).(*proxyCapture); ok {
		capture.err = err
	}

	if proxy.IsClientDisconnect(err) || errors.Is(err, context.Canceled) {
		return
	}

	g.metrics.IncUpstreamErrors()
	g.writeError(w, r, routeIDFromContext(r.Context()),
		WrapE(KindDownstreamUnavailable, "service temporarily unavailable", err))
}

// auditEvent builds the rejection audit record for one mapped error.
func auditEvent(r *http.Request, routeID string, status int, ge *Error, correlationID string) audit.RejectionEvent {
	return audit.RejectionEvent{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Status:        status,
		Code:          ge.Kind.Code(),
		Reason:        ge.Message,
		Method:        r.Method,
		Path:          r.URL.Path,
		RouteID:       routeID,
		Partner:       r.Header.Get("partner"),
		CorrelationID: correlationID,
	}
}
