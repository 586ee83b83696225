package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestExtractSessionID(t *testing.T) {
	t.Run("extracts from a signed token", func(t *testing.T) {
		raw := sign(t, "secret", jwt.MapClaims{"sessionId": "s-1"})
		id, err := ExtractSessionID(raw)
		require.NoError(t, err)
		assert.Equal(t, "s-1", id)
	})

	t.Run("tolerates Bearer prefix", func(t *testing.T) {
		raw := sign(t, "secret", jwt.MapClaims{"sessionId": "s-1"})
		id, err := ExtractSessionID("Bearer " + raw)
		require.NoError(t, err)
		assert.Equal(t, "s-1", id)
	})

	t.Run("does not require a valid signature", func(t *testing.T) {
		raw := sign(t, "some-other-secret", jwt.MapClaims{"sessionId": "s-9"})
		id, err := ExtractSessionID(raw)
		require.NoError(t, err)
		assert.Equal(t, "s-9", id)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"Bearer ",
			"not-a-token",
			"one.two",
			"one.two.three.four",
			"a.!!!notbase64!!!.c",
		} {
			_, err := ExtractSessionID(raw)
			assert.ErrorIs(t, err, ErrMalformed, "input %q", raw)
		}
	})

	t.Run("rejects missing or empty sessionId claim", func(t *testing.T) {
		for _, claims := range []jwt.MapClaims{
			{"sub": "user"},
			{"sessionId": ""},
			{"sessionId": 42},
		} {
			raw := sign(t, "secret", claims)
			_, err := ExtractSessionID(raw)
			assert.ErrorIs(t, err, ErrMalformed)
		}
	})
}

func TestPartnerClaim(t *testing.T) {
	t.Run("reads the claim when present", func(t *testing.T) {
		raw := sign(t, "secret", jwt.MapClaims{"sessionId": "s-1", "partner": "prevcom"})
		partner, ok := PartnerClaim("Bearer " + raw)
		assert.True(t, ok)
		assert.Equal(t, "prevcom", partner)
	})

	t.Run("reports absence", func(t *testing.T) {
		raw := sign(t, "secret", jwt.MapClaims{"sessionId": "s-1"})
		_, ok := PartnerClaim(raw)
		assert.False(t, ok)
	})

	t.Run("reports malformed input as absent", func(t *testing.T) {
		_, ok := PartnerClaim("garbage")
		assert.False(t, ok)
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts a token signed with the session secret", func(t *testing.T) {
		raw := sign(t, "session-key", jwt.MapClaims{"sessionId": "s-1"})
		assert.True(t, Validate(raw, "session-key"))
		assert.True(t, Validate("Bearer "+raw, "session-key"))
	})

	t.Run("rejects a wrong secret", func(t *testing.T) {
		raw := sign(t, "session-key", jwt.MapClaims{"sessionId": "s-1"})
		assert.False(t, Validate(raw, "other-key"))
	})

	t.Run("rejects a tampered payload", func(t *testing.T) {
		raw := sign(t, "session-key", jwt.MapClaims{"sessionId": "s-1"})
		tampered := sign(t, "attacker-key", jwt.MapClaims{"sessionId": "s-1", "admin": true})
		// Same structure, different key: the signature cannot transfer.
		assert.NotEqual(t, raw, tampered)
		assert.False(t, Validate(tampered, "session-key"))
	})

	t.Run("rejects non-HMAC algorithms", func(t *testing.T) {
		// alg=none with an empty signature segment must never validate.
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sessionId": "s-1"})
		raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		assert.False(t, Validate(raw, "session-key"))
	})

	t.Run("rejects expired claims", func(t *testing.T) {
		raw := sign(t, "session-key", jwt.MapClaims{
			"sessionId": "s-1",
			"exp":       time.Now().Add(-time.Hour).Unix(),
		})
		assert.False(t, Validate(raw, "session-key"))
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		assert.False(t, Validate("", "k"))
		assert.False(t, Validate("a.b", "k"))
		assert.False(t, Validate("garbage", "k"))
	})
}
