package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fidcgate/fidcgate/internal/breaker"
	"github.com/fidcgate/fidcgate/internal/headers"
)

// Kind is the internal failure taxonomy. Every kind maps to exactly one
// external (status, code) pair; the Error Mapper is the single point where
// kinds cross into the response format.
type Kind int

const (
	// KindSessionInvalid covers every authentication defect: missing or
	// malformed header or token, session not found, partner mismatch,
	// missing relationship selection, invalid signature.
	KindSessionInvalid Kind = iota
	// KindSessionServiceUnavailable covers session-store read failures and
	// the redis breaker being open.
	KindSessionServiceUnavailable
	// KindInsufficientPermissions is an authorization failure of an
	// otherwise valid session.
	KindInsufficientPermissions
	// KindDownstreamUnavailable covers upstream transport failures and the
	// downstream breaker being open.
	KindDownstreamUnavailable
	// KindCircuitOpenUnknown is a breaker rejection from a policy the
	// mapper does not recognize.
	KindCircuitOpenUnknown
	// KindGatewayError covers gateway-origin request failures that are not
	// session-related (e.g. no matching route).
	KindGatewayError
	// KindInternal is everything else.
	KindInternal
)

// Code returns the stable external error code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindSessionInvalid:
		return "INVALID_SESSION"
	case KindSessionServiceUnavailable:
		return "SESSION_SERVICE_UNAVAILABLE"
	case KindInsufficientPermissions:
		return "INSUFFICIENT_PERMISSIONS"
	case KindDownstreamUnavailable:
		return "SERVICE_TEMPORARILY_UNAVAILABLE"
	case KindCircuitOpenUnknown:
		return "CIRCUIT_BREAKER_OPEN"
	case KindGatewayError:
		return "GATEWAY_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// Status returns the default HTTP status for the kind. KindGatewayError
// instances usually carry an explicit status overriding this.
func (k Kind) Status() int {
	switch k {
	case KindSessionInvalid, KindSessionServiceUnavailable:
		return http.StatusUnauthorized
	case KindInsufficientPermissions:
		return http.StatusForbidden
	case KindDownstreamUnavailable, KindCircuitOpenUnknown:
		return http.StatusServiceUnavailable
	case KindGatewayError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MetricLabel returns the bounded error_kind label value for the kind.
func (k Kind) MetricLabel() string {
	switch k {
	case KindSessionInvalid:
		return "session_invalid"
	case KindSessionServiceUnavailable:
		return "session_service_unavailable"
	case KindInsufficientPermissions:
		return "insufficient_permissions"
	case KindDownstreamUnavailable:
		return "downstream_unavailable"
	case KindCircuitOpenUnknown:
		return "circuit_open"
	case KindGatewayError:
		return "gateway_error"
	default:
		return "internal"
	}
}

// Error is a tagged pipeline failure.
type Error struct {
	Kind    Kind
	Status  int    // non-zero overrides Kind.Status()
	Message string // human-readable, safe to return to the client
	Err     error  // wrapped cause, for logs only
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// httpStatus resolves the effective response status.
func (e *Error) httpStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.Status()
}

// E builds a tagged error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapE builds a tagged error around a cause.
func WrapE(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// classify maps an arbitrary pipeline failure to a tagged Error. Breaker
// rejections are mapped by originating policy name so the session store and
// the upstream fleet surface differently.
func classify(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	if oe, ok := breaker.AsOpenError(err); ok {
		switch oe.Name {
		case breaker.PolicyRedis:
			return WrapE(KindSessionServiceUnavailable, "session service unavailable", err)
		case breaker.PolicyDownstream:
			return WrapE(KindDownstreamUnavailable, "service temporarily unavailable", err)
		default:
			return WrapE(KindCircuitOpenUnknown, "circuit breaker open", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WrapE(KindDownstreamUnavailable, "request deadline exceeded", err)
	}

	return WrapE(KindInternal, "internal error", err)
}

// errorBody is the external error response shape.
type errorBody struct {
	Timestamp     string `json:"timestamp"`
	Status        int    `json:"status"`
	Error         string `json:"error"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// writeError is the single exit point for every failed request. It
// classifies the failure, writes the structured body, stamps the
// correlation id on the response, logs per severity policy, and emits the
// rejection audit event. Token contents and session secrets never appear in
// the log fields: messages are fixed strings and causes are component
// errors that exclude them by construction.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, routeID string, err error) {
	ge := classify(err)
	status := ge.httpStatus()
	correlationID := CorrelationIDFromContext(r.Context())

	body := errorBody{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Status:        status,
		Error:         http.StatusText(status),
		Code:          ge.Kind.Code(),
		Message:       ge.Message,
		CorrelationID: correlationID,
	}

	logFields := []any{
		"status", status,
		"code", ge.Kind.Code(),
		"route", routeID,
		"path", r.URL.Path,
		"correlationId", correlationID,
	}
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", append(logFields, "error", ge.Err)...)
	} else {
		g.logger.Warn("request rejected", append(logFields, "reason", ge.Message)...)
	}

	g.metrics.IncRejected()
	g.metrics.ObserveError(g.normalizer.Normalize(r.URL.Path), r.Method, ge.Kind.MetricLabel())
	g.auditReject(r, routeID, status, ge, correlationID)

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set(headers.CorrelationID, correlationID)
	w.WriteHeader(status)

	payload, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return
	}
	_, _ = w.Write(payload)
}

// auditReject enqueues the rejection into the audit emitter, if configured.
func (g *Gateway) auditReject(r *http.Request, routeID string, status int, ge *Error, correlationID string) {
	if g.audit == nil {
		return
	}
	g.audit.Emit(auditEvent(r, routeID, status, ge, correlationID))
}
