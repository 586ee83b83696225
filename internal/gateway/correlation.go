package gateway

import (
	"context"
	"net/http"

	"github.com/fidcgate/fidcgate/internal/headers"
	"github.com/google/uuid"
)

// correlationKey is the context key for the request correlation id. The
// request context is the Go rendition of both the per-request attribute map
// and the propagation context: downstream components and the log fields all
// read the id from here.
type correlationKey struct{}

// CorrelationIDFromContext returns the request's correlation id, or empty
// when the request did not pass through the correlation filter.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// correlate runs at highest precedence: it adopts the inbound
// X-Correlation-ID when present and non-empty, generates a fresh UUID
// otherwise, and propagates the value to the outbound request header, the
// request context, and the response header. Every response the gateway
// emits — success or error — carries the id.
func (g *Gateway) correlate(w http.ResponseWriter, r *http.Request) (*http.Request, string) {
	id := r.Header.Get(headers.CorrelationID)
	if id == "" {
		id = uuid.NewString()
	}

	r.Header.Set(headers.CorrelationID, id)
	w.Header().Set(headers.CorrelationID, id)

	ctx := context.WithValue(r.Context(), correlationKey{}, id)
	return r.WithContext(ctx), id
}
