package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fidcgate/fidcgate/internal/breaker"
	"github.com/fidcgate/fidcgate/internal/headers"
	"github.com/fidcgate/fidcgate/internal/route"
	"github.com/fidcgate/fidcgate/internal/session"
	"github.com/fidcgate/fidcgate/internal/token"
	"go.opentelemetry.io/otel/attribute"
)

// validateSession is the route-scoped validation filter. The pipeline is
// strictly ordered and aborts on the first failure; a request that fails
// here never reaches the upstream.
//
//  1. authorization header present
//  2. partner header present
//  3. session id extracted from the (not yet verified) token
//  4. defensive partner cross-check against the token claim, when enabled
//  5. session record fetched from the store
//  6. record partner agrees with the header partner
//  7. token signature verified against the record's session secret
//  8. relationship selected
//  9. required permissions contained in the session's permission set
func (g *Gateway) validateSession(r *http.Request, rt *route.Route, pipe *pipeline) (*session.Record, error) {
	ctx, span := tracer.Start(r.Context(), "fidcgate.validate")
	span.SetAttributes(attribute.String("route", rt.ID))
	defer span.End()

	authorization := r.Header.Get(headers.Authorization)
	if strings.TrimSpace(authorization) == "" {
		return nil, E(KindSessionInvalid, "missing authorization header")
	}

	partner := r.Header.Get(headers.Partner)
	if strings.TrimSpace(partner) == "" {
		return nil, E(KindSessionInvalid, "missing partner header")
	}

	sessionID, err := token.ExtractSessionID(authorization)
	if err != nil {
		return nil, WrapE(KindSessionInvalid, "malformed token", err)
	}

	// Defensive mode: a token that names a partner must name the same
	// partner as the header. Tokens without the claim fall through to the
	// record comparison below.
	if pipe.partnerClaimCheck {
		if claim, ok := token.PartnerClaim(authorization); ok && !strings.EqualFold(claim, partner) {
			return nil, E(KindSessionInvalid, "partner mismatch")
		}
	}

	lookupStart := time.Now()
	rec, err := pipe.store.Get(ctx, partner, sessionID)
	g.metrics.PromSessionLookupDuration.Observe(time.Since(lookupStart).Seconds())
	if err != nil {
		return nil, mapStoreError(err)
	}

	if !rec.PartnerMatches(partner) {
		return nil, E(KindSessionInvalid, "partner mismatch")
	}

	// The HMAC check is CPU-bound; run it on the bounded worker pool so a
	// burst of large tokens cannot monopolize the scheduler.
	valid := false
	if poolErr := g.pool.Run(ctx, func() error {
		valid = token.Validate(authorization, rec.SessionSecret)
		return nil
	}); poolErr != nil {
		return nil, WrapE(KindInternal, "validation aborted", poolErr)
	}
	if !valid {
		return nil, E(KindSessionInvalid, "invalid token signature")
	}

	if !rec.HasValidRelationship() {
		return nil, E(KindSessionInvalid, "no relationship selected")
	}

	if !rec.HasPermissions(rt.RequiredPermissions) {
		return nil, E(KindInsufficientPermissions, "insufficient permissions")
	}

	g.metrics.IncValidated()
	g.logger.Info("session validated",
		"sessionId", rec.SessionID,
		"partner", rec.Partner,
		"route", rt.ID,
		"correlationId", CorrelationIDFromContext(ctx))

	return rec, nil
}

// mapStoreError tags session store failures: a miss is an authentication
// failure, a corrupt record is internal, and everything else — I/O errors,
// timeouts, and the open redis breaker — is a session service outage.
func mapStoreError(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return WrapE(KindSessionInvalid, "session not found", err)
	}

	var de *session.DecodeError
	if errors.As(err, &de) {
		return WrapE(KindInternal, "invalid session record", err)
	}

	if _, open := breaker.AsOpenError(err); open {
		return err // classified by policy name in the mapper
	}

	return WrapE(KindSessionServiceUnavailable, "session service unavailable", err)
}

// rewriteRequest builds the upstream request: inbound headers filtered to
// the allow-list, then the envelope derived from the validated record set
// on top. Inbound values for envelope names are always overwritten.
func rewriteRequest(r *http.Request, rec *session.Record) *http.Request {
	out := r.Clone(r.Context())
	out.Header = headers.Rewrite(r.Header, rec.Headers())
	return out
}
