package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fidcgate/fidcgate/internal/config"
	"github.com/fidcgate/fidcgate/internal/headers"
	"github.com/fidcgate/fidcgate/internal/observability"
	iredis "github.com/fidcgate/fidcgate/internal/redis"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "per-session-secret"
	testPartner = "prevcom"
	testSession = "s-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

// upstreamRecorder captures what (if anything) reached the upstream.
type upstreamRecorder struct {
	mu     sync.Mutex
	calls  int
	header http.Header
	path   string
	srv    *httptest.Server
}

func newUpstream(t *testing.T) *upstreamRecorder {
	t.Helper()
	u := &upstreamRecorder{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.calls++
		u.header = r.Header.Clone()
		u.path = r.URL.Path
		u.mu.Unlock()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstreamRecorder) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *upstreamRecorder) lastHeader() http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.header
}

func sessionJSON(t *testing.T, mutate func(m map[string]any)) string {
	t.Helper()
	m := map[string]any{
		"sessionId":     testSession,
		"partner":       testPartner,
		"sessionSecret": testSecret,
		"userInfo": map[string]any{
			"documentNumber": "12345678900",
			"name":           "Maria Silva",
			"email":          "maria@example.com",
		},
		"fund": map[string]any{"id": "F-01", "name": "Prevcom RP", "type": "pension"},
		"relationshipSelected": map[string]any{
			"id": "REL001", "contractNumber": "378192372163682",
		},
		"permissions": []string{"VIEW_SIMULATION_RESULTS"},
	}
	if mutate != nil {
		mutate(m)
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return string(data)
}

func seedSession(t *testing.T, mr *miniredis.Miniredis, mutate func(m map[string]any)) {
	t.Helper()
	require.NoError(t, mr.Set("fidc:session:"+testPartner+":"+testSession, sessionJSON(t, mutate)))
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func testConfig(redisAddr, upstream string) *config.Config {
	cfg := config.Defaults()
	cfg.Redis.Endpoints = []string{redisAddr}
	cfg.Redis.DialTimeout = "500ms"
	cfg.Redis.ReadTimeout = "500ms"
	cfg.Session.LookupTimeout = "1s"
	// Tight redis breaker so open-state behavior is testable.
	cfg.Breakers.Redis = config.BreakerConfig{
		FailureRate: 50, SlowRate: 90, SlowCallDuration: "1s",
		OpenTimeout: "1s", Window: 4, MinCalls: 2, HalfOpenProbes: 2,
	}
	cfg.Routes = []config.RouteConfig{
		{
			ID:                  "simulation",
			PathPrefix:          "/api/simulation",
			Upstream:            upstream,
			Protected:           true,
			RequiredPermissions: []string{"VIEW_SIMULATION_RESULTS"},
		},
		{
			ID:         "public",
			PathPrefix: "/public",
			Upstream:   upstream,
		},
	}
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *observability.Metrics) {
	t.Helper()
	client, err := iredis.NewClient(cfg.Redis)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	metrics := testMetrics()
	gw, err := New(cfg, client, testLogger(), metrics, observability.NewPathNormalizer(cfg.Metrics), nil)
	require.NoError(t, err)
	return gw, metrics
}

func protectedRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/simulation/42/validate", nil)
	if token != "" {
		req.Header.Set(headers.Authorization, "Bearer "+token)
	}
	req.Header.Set(headers.Partner, testPartner)
	return req
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHappyPath(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil)
	upstream := newUpstream(t)

	gw, metrics := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
	req := protectedRequest(t, tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", "stripme=1")
	rr := httptest.NewRecorder()

	gw.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true}`, rr.Body.String())
	assert.Equal(t, "yes", rr.Header().Get("X-Upstream"))
	require.Equal(t, 1, upstream.callCount())

	got := upstream.lastHeader()
	assert.Equal(t, "12345678900", got.Get(headers.UserDocumentNumber))
	assert.Equal(t, "maria@example.com", got.Get(headers.UserEmail))
	assert.Equal(t, "Maria Silva", got.Get(headers.UserName))
	assert.Equal(t, "F-01", got.Get(headers.FundID))
	assert.Equal(t, "Prevcom RP", got.Get(headers.FundName))
	assert.Equal(t, testPartner, got.Get(headers.Partner))
	assert.Equal(t, testSession, got.Get(headers.SessionID))
	assert.Equal(t, "REL001", got.Get(headers.RelationshipID))
	assert.Equal(t, "378192372163682", got.Get(headers.ContractNumber))
	assert.Equal(t, "VIEW_SIMULATION_RESULTS", got.Get(headers.UserPermissions))

	// Allow-listed headers survive, the rest is stripped.
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Empty(t, got.Get("Cookie"))
	assert.Empty(t, got.Get(headers.Authorization))

	assert.Equal(t, int64(1), metrics.Snapshot().Validated)
}

func TestMissingToken(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil)
	upstream := newUpstream(t)

	gw, metrics := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	req := protectedRequest(t, "")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	body := decodeErrorBody(t, rr)
	assert.Equal(t, "INVALID_SESSION", body["code"])
	assert.Equal(t, "Unauthorized", body["error"])
	assert.Equal(t, 0, upstream.callCount())
	assert.Equal(t, int64(1), metrics.Snapshot().Rejected)
}

func TestPartnerMismatch(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil) // only under partner "prevcom"
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	t.Run("unknown partner header misses the session", func(t *testing.T) {
		tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
		req := protectedRequest(t, tok)
		req.Header.Set(headers.Partner, "btgmais")
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "INVALID_SESSION", decodeErrorBody(t, rr)["code"])
		assert.Equal(t, 0, upstream.callCount())
	})

	t.Run("token partner claim disagreeing with the header is rejected", func(t *testing.T) {
		tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession, "partner": "btgmais"})
		req := protectedRequest(t, tok) // header partner = prevcom
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "INVALID_SESSION", decodeErrorBody(t, rr)["code"])
		assert.Equal(t, 0, upstream.callCount())
	})

	t.Run("matching token partner claim passes", func(t *testing.T) {
		tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession, "partner": "PREVCOM"})
		req := protectedRequest(t, tok)
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestInvalidSignature(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil)
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	tok := signToken(t, "wrong-secret", jwt.MapClaims{"sessionId": testSession})
	req := protectedRequest(t, tok)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_SESSION", decodeErrorBody(t, rr)["code"])
	assert.Equal(t, 0, upstream.callCount())
}

func TestNoRelationshipSelected(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, func(m map[string]any) {
		delete(m, "relationshipSelected")
	})
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
	req := protectedRequest(t, tok)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_SESSION", decodeErrorBody(t, rr)["code"])
	assert.Equal(t, 0, upstream.callCount())
}

func TestInsufficientPermissions(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, func(m map[string]any) {
		m["permissions"] = []string{"SOMETHING_ELSE"}
	})
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
	req := protectedRequest(t, tok)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", decodeErrorBody(t, rr)["code"])
	assert.Equal(t, 0, upstream.callCount())
}

func TestSessionStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil)
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))
	mr.Close()

	tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})

	// Reads fail until the breaker opens; every attempt maps to the same
	// external kind either way.
	for i := 0; i < 4; i++ {
		req := protectedRequest(t, tok)
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "SESSION_SERVICE_UNAVAILABLE", decodeErrorBody(t, rr)["code"])
	}

	assert.Equal(t, 0, upstream.callCount())
}

func TestUpstreamDown(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil)

	// Start then immediately stop the upstream to get a dead address.
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), deadURL))

	tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
	req := protectedRequest(t, tok)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "SERVICE_TEMPORARILY_UNAVAILABLE", decodeErrorBody(t, rr)["code"])
}

func TestCorrelation(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil)
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	t.Run("inbound id is preserved end to end", func(t *testing.T) {
		tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
		req := protectedRequest(t, tok)
		req.Header.Set(headers.CorrelationID, "11111111-2222-3333-4444-555555555555")
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "11111111-2222-3333-4444-555555555555", rr.Header().Get(headers.CorrelationID))
		assert.Equal(t, "11111111-2222-3333-4444-555555555555", upstream.lastHeader().Get(headers.CorrelationID))
	})

	t.Run("a fresh uuid is generated when absent", func(t *testing.T) {
		tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
		req := protectedRequest(t, tok)
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		id := rr.Header().Get(headers.CorrelationID)
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
		assert.Equal(t, id, upstream.lastHeader().Get(headers.CorrelationID))
	})

	t.Run("error responses carry the id too", func(t *testing.T) {
		req := protectedRequest(t, "")
		req.Header.Set(headers.CorrelationID, "err-corr-1")
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "err-corr-1", rr.Header().Get(headers.CorrelationID))
		assert.Equal(t, "err-corr-1", decodeErrorBody(t, rr)["correlationId"])
	})
}

func TestUnprotectedRoute(t *testing.T) {
	mr := miniredis.RunT(t)
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	req := httptest.NewRequest(http.MethodGet, "/public/info", nil)
	req.Header.Set("Cookie", "keep=1")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, upstream.callCount())
	// No session validation, no header rewrite on public routes.
	assert.Equal(t, "keep=1", upstream.lastHeader().Get("Cookie"))
}

func TestRouteMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	body := decodeErrorBody(t, rr)
	assert.Equal(t, "GATEWAY_ERROR", body["code"])
	assert.Equal(t, 0, upstream.callCount())
}

func TestErrorBodyShape(t *testing.T) {
	mr := miniredis.RunT(t)
	upstream := newUpstream(t)

	gw, _ := newTestGateway(t, testConfig(mr.Addr(), upstream.srv.URL))

	req := protectedRequest(t, "")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	body := decodeErrorBody(t, rr)
	for _, field := range []string{"timestamp", "status", "error", "code", "message", "correlationId"} {
		assert.Contains(t, body, field)
	}
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestReload(t *testing.T) {
	mr := miniredis.RunT(t)
	seedSession(t, mr, nil)
	upstream := newUpstream(t)

	cfg := testConfig(mr.Addr(), upstream.srv.URL)
	gw, _ := newTestGateway(t, cfg)

	// Drop the public route and verify the table swap took effect.
	newCfg := testConfig(mr.Addr(), upstream.srv.URL)
	newCfg.Routes = newCfg.Routes[:1]
	require.NoError(t, gw.Reload(newCfg))

	req := httptest.NewRequest(http.MethodGet, "/public/info", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// The protected route still works after the swap.
	tok := signToken(t, testSecret, jwt.MapClaims{"sessionId": testSession})
	rr = httptest.NewRecorder()
	gw.ServeHTTP(rr, protectedRequest(t, tok))
	assert.Equal(t, http.StatusOK, rr.Code)
}
