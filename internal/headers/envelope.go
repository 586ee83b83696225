// Package headers defines the trusted header envelope the gateway injects
// into upstream requests and the allow-list applied to inbound headers.
// Everything the upstream learns about the caller comes from these headers;
// any inbound header outside the allow-list is dropped before dispatch.
package headers

import "net/http"

// Canonical envelope header names. Values come exclusively from the
// validated session record; inbound values for these names are always
// overwritten, never merged.
const (
	UserDocumentNumber = "userDocumentNumber"
	UserEmail          = "userEmail"
	UserName           = "userName"
	FundID             = "fundId"
	FundName           = "fundName"
	Partner            = "partner"
	SessionID          = "sessionId"
	RelationshipID     = "relationshipId"
	ContractNumber     = "contractNumber"
	UserPermissions    = "userPermissions"
)

// CorrelationID is the request correlation header, propagated on both the
// upstream request and every gateway response.
const CorrelationID = "X-Correlation-ID"

// Authorization carries the bearer token on protected routes.
const Authorization = "Authorization"

// envelopeNames is the full injected set, used to overwrite inbound values.
var envelopeNames = []string{
	UserDocumentNumber,
	UserEmail,
	UserName,
	FundID,
	FundName,
	Partner,
	SessionID,
	RelationshipID,
	ContractNumber,
	UserPermissions,
}

// inboundAllowList is the set of inbound headers that survive the rewrite:
// content negotiation, body metadata, correlation/trace/request/span ids,
// client and API version hints, and cache validators. Keys are in
// textproto canonical form because http.Header canonicalizes on Set/Get.
var inboundAllowList = map[string]struct{}{
	"Accept":            {},
	"Accept-Charset":    {},
	"Accept-Encoding":   {},
	"Accept-Language":   {},
	"Content-Length":    {},
	"Content-Type":      {},
	"X-Correlation-Id":  {},
	"X-Request-Id":      {},
	"X-Trace-Id":        {},
	"X-Span-Id":         {},
	"X-Client-Version":  {},
	"X-Api-Version":     {},
	"If-None-Match":     {},
	"If-Modified-Since": {},
}

// Allowed reports whether an inbound header may be forwarded upstream.
func Allowed(name string) bool {
	_, ok := inboundAllowList[http.CanonicalHeaderKey(name)]
	return ok
}

// Rewrite builds the outbound header set: allow-listed inbound headers are
// copied through, every other inbound header is dropped, and the envelope
// values are set on top. The input header is not modified.
func Rewrite(in http.Header, envelope map[string]string) http.Header {
	out := make(http.Header, len(inboundAllowList)+len(envelopeNames))

	for name, values := range in {
		if _, ok := inboundAllowList[name]; ok {
			out[name] = append([]string(nil), values...)
		}
	}

	for _, name := range envelopeNames {
		out.Del(name)
		if v, ok := envelope[name]; ok && v != "" {
			out.Set(name, v)
		}
	}

	return out
}
