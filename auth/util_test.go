package auth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mnehpets/storefront/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReturnPath(t *testing.T) {
	tests := map[string]string{
		"":                     "/",
		"/":                    "/",
		"/account":             "/account",
		"/orders?page=2#top":   "/orders?page=2#top",
		"//evil.example":       "/",
		"/\\evil.example":      "/",
		"https://evil.example": "/",
		"account":              "/",
		"/a\nb":                "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, ValidateReturnPath(in), "%q", in)
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "", Redact(""))
	assert.Equal(t, "[redacted]", Redact("short"))
	assert.Equal(t, "shcat_ab...", Redact("shcat_abcdefghijklmnop"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		kind   Kind
		code   string
		status int
	}{
		{ErrMissingCode, KindInput, "missing_code", http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", ErrStateMismatch), KindAuthState, "state_mismatch", http.StatusBadRequest},
		{ErrStateReplayed, KindAuthState, "state_replayed", http.StatusBadRequest},
		{ErrNonceMismatch, KindAuthState, "nonce_mismatch", http.StatusBadRequest},
		{ErrNoAccessToken, KindProviderRejected, "no_access_token", http.StatusUnauthorized},
		{ErrSessionMissing, KindSessionMissing, "no_session", http.StatusUnauthorized},
		{&ProviderError{Code: "login_required"}, KindProviderRejected, "login_required", http.StatusUnauthorized},
		{&ProviderError{Code: "access_denied"}, KindProviderRejected, "provider_error", http.StatusUnauthorized},
		{&TokenExchangeError{Status: 400}, KindProviderRejected, "token_exchange_rejected", http.StatusUnauthorized},
		{&TokenExchangeError{Status: 503}, KindProviderUnavailable, "token_exchange_unavailable", http.StatusBadGateway},
		{&TokenExchangeError{Err: errors.New("dial")}, KindProviderUnavailable, "token_exchange_unavailable", http.StatusBadGateway},
		{fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, &upstream.Error{Op: "discovery", StatusCode: 500}), KindProviderUnavailable, "discovery_unavailable", http.StatusBadGateway},
		{&upstream.Error{Op: "x", StatusCode: 403}, KindProviderRejected, "upstream_rejected", http.StatusUnauthorized},
		{&upstream.Error{Op: "x"}, KindProviderUnavailable, "upstream_unavailable", http.StatusBadGateway},
		{NewError(KindBridgeProvisioning, "bridge_failed", "x"), KindBridgeProvisioning, "bridge_failed", http.StatusInternalServerError},
		{errors.New("boom"), KindInternal, "internal_error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		kind, code := Classify(tt.err)
		assert.Equal(t, tt.kind, kind, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.status, kind.Status(), tt.err.Error())
	}
}

func TestDecodeClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":     "https://shopify.com/1",
		"aud":     "client-id",
		"sub":     "gid://shopify/Customer/1",
		"exp":     exp.Unix(),
		"iat":     exp.Add(-time.Hour).Unix(),
		"email":   "a@example.com",
		"shop_id": 42,
	})
	signed, err := tok.SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	claims, err := DecodeClaims("shcat_"+signed, "shcat_")
	require.NoError(t, err)
	assert.Equal(t, "https://shopify.com/1", claims.Issuer)
	assert.Equal(t, []string{"client-id"}, claims.Audience)
	assert.Equal(t, "gid://shopify/Customer/1", claims.Subject)
	assert.Equal(t, exp.Unix(), claims.ExpiresAt)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.EqualValues(t, 42, claims.ShopID)

	_, err = DecodeClaims("opaque-token", "")
	assert.ErrorIs(t, err, ErrNotJWT)
}
