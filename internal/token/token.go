// Package token parses and verifies the session-scoped bearer tokens.
//
// Verification is a two-pass design: the first pass decodes the token
// WITHOUT checking the signature, purely to extract the session id that
// selects the per-session HMAC key; the second pass is the authoritative
// signature check against that key. The unverified pass must never feed a
// trust decision — it only locates the record whose secret will verify the
// token.
package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// ErrMalformed is returned when the token cannot be parsed far enough to
// yield a session id.
var ErrMalformed = errors.New("malformed token")

var unverifiedParser = jwt.NewParser()

// strip removes an optional Bearer prefix and rejects empty input.
func strip(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, bearerPrefix)
	if raw == "" {
		return "", ErrMalformed
	}
	return raw, nil
}

// ExtractSessionID reads the sessionId claim from the token payload without
// verifying the signature. Any structural defect — wrong part count, bad
// base64url, bad JSON, missing or empty claim — is reported as ErrMalformed.
func ExtractSessionID(raw string) (string, error) {
	raw, err := strip(raw)
	if err != nil {
		return "", err
	}

	if strings.Count(raw, ".") != 2 {
		return "", fmt.Errorf("%w: expected three segments", ErrMalformed)
	}

	claims := jwt.MapClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sessionID, ok := claims["sessionId"].(string)
	if !ok || sessionID == "" {
		return "", fmt.Errorf("%w: missing sessionId claim", ErrMalformed)
	}

	return sessionID, nil
}

// PartnerClaim reads the optional partner claim without verifying the
// signature. The second return is false when the token does not carry the
// claim. Used only by the defensive partner cross-check; the signature
// check still gates trust.
func PartnerClaim(raw string) (string, bool) {
	raw, err := strip(raw)
	if err != nil {
		return "", false
	}

	claims := jwt.MapClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(raw, claims); err != nil {
		return "", false
	}

	partner, ok := claims["partner"].(string)
	return partner, ok && partner != ""
}

// Validate verifies the token's HMAC-SHA256 signature with the session
// secret. Returns false for any verification failure: bad signature, wrong
// or non-HMAC algorithm, malformed structure, expired claims. The secret is
// never part of any returned error and must not be logged by callers.
func Validate(raw, sessionSecret string) bool {
	raw, err := strip(raw)
	if err != nil {
		return false
	}

	parsed, err := jwt.Parse(raw,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(sessionSecret), nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return false
	}

	return parsed.Valid
}
