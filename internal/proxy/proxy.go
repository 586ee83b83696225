// Package proxy implements the per-route reverse proxy that dispatches
// rewritten requests to an upstream business service. Responses are
// streamed back unchanged; the proxy never rewrites bodies. HTTP/1.1 and
// HTTP/2 (h2c) are both supported, selected by the inbound protocol so the
// version is preserved end-to-end.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// ErrorHandler renders a transport-level proxy failure. The pipeline host
// installs one that feeds the downstream breaker and the error mapper.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Proxy forwards requests to a single upstream.
type Proxy struct {
	target *url.URL
	rp     *httputil.ReverseProxy
	logger *slog.Logger
}

// New creates a reverse proxy for the given upstream URL. responseTimeout
// bounds the wait for upstream response headers on the HTTP/1.1 transport;
// the HTTP/2 transport has no such bound. The caller's request context
// bounds the full exchange.
func New(upstream string, responseTimeout time.Duration, logger *slog.Logger, errorHandler ErrorHandler) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", upstream, err)
	}

	h1, h2 := buildTransports(responseTimeout)

	p := &Proxy{
		target: target,
		logger: logger,
	}

	p.rp = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			if target.Path != "" && target.Path != "/" {
				req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
			}
			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", req.Host)
			}
		},
		Transport: &protocolAwareTransport{
			http1: h1,
			http2: h2,
		},
		FlushInterval: -1, // Flush immediately for streamed responses.
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
			if errorHandler != nil {
				errorHandler(rw, req, proxyErr)
				return
			}
			logger.Error("proxy error", "error", proxyErr, "path", req.URL.Path)
			if !IsClientDisconnect(proxyErr) {
				rw.WriteHeader(http.StatusBadGateway)
			}
		},
	}

	return p, nil
}

// ServeHTTP dispatches the request to the upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// Target returns the upstream URL.
func (p *Proxy) Target() *url.URL {
	return p.target
}

func buildTransports(responseTimeout time.Duration) (*http.Transport, *http2.Transport) {
	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     false, // HTTP/2 is handled separately.
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}

	return h1, h2
}

// protocolAwareTransport selects HTTP/1.1 or HTTP/2 based on the inbound
// protocol version, so requests that arrived over HTTP/2 (h2c) are
// forwarded as HTTP/2.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")

	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// IsClientDisconnect reports whether the proxy failure was caused by the
// client going away rather than by the upstream. Disconnects must not be
// answered: the connection is gone.
func IsClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "broken pipe")
}
