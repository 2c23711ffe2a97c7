package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mnehpets/storefront/upstream"
)

// Kind groups failures by how they are reported to the client.
type Kind int

const (
	KindInternal Kind = iota
	KindInput
	KindAuthState
	KindProviderUnavailable
	KindProviderRejected
	KindSessionMissing
	KindBridgeProvisioning
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:            "internal",
	KindInput:               "input",
	KindAuthState:           "auth_state",
	KindProviderUnavailable: "provider_unavailable",
	KindProviderRejected:    "provider_rejected",
	KindSessionMissing:      "session_missing",
	KindBridgeProvisioning:  "bridge_provisioning",
	KindNotFound:            "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status is the HTTP status a failure of this kind is rendered with.
func (k Kind) Status() int {
	switch k {
	case KindInput, KindAuthState:
		return http.StatusBadRequest
	case KindProviderUnavailable:
		return http.StatusBadGateway
	case KindProviderRejected, KindSessionMissing:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified sentinel error. Code is the machine-readable reason
// reported to clients.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

// NewError returns a classified sentinel.
func NewError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

var (
	ErrRandomnessUnavailable = NewError(KindInternal, "randomness_unavailable", "auth: secure randomness unavailable")
	ErrDiscoveryUnavailable  = NewError(KindProviderUnavailable, "discovery_unavailable", "auth: provider discovery unavailable")
	ErrDiscoveryMalformed    = NewError(KindProviderUnavailable, "discovery_malformed", "auth: provider discovery document malformed")
	ErrMissingCode           = NewError(KindInput, "missing_code", "auth: callback is missing the authorization code")
	ErrStateMismatch         = NewError(KindAuthState, "state_mismatch", "auth: state does not match the flow in progress")
	ErrStateReplayed         = NewError(KindAuthState, "state_replayed", "auth: state has already been used")
	ErrNonceMismatch         = NewError(KindAuthState, "nonce_mismatch", "auth: id token nonce does not match")
	ErrIDTokenInvalid        = NewError(KindProviderRejected, "id_token_invalid", "auth: id token failed verification")
	ErrNoAccessToken         = NewError(KindProviderRejected, "no_access_token", "auth: token response has no access token")
	ErrSessionMissing        = NewError(KindSessionMissing, "no_session", "auth: no provider session")
)

// ProviderError is an error the provider returned on the callback redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// LoginRequired reports whether the provider answered a silent sign-in with
// "the user is not signed in".
func (e *ProviderError) LoginRequired() bool {
	return e.Code == "login_required"
}

// TokenExchangeError is a non-2xx or failed response from the token endpoint.
// Status is zero when no response was received.
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth: token exchange failed with status %d", e.Status)
	}
	return fmt.Sprintf("auth: token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// Classify maps err to its Kind and client-facing code. Unrecognised errors are
// KindInternal.
func Classify(err error) (Kind, string) {
	if err == nil {
		return KindInternal, ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.LoginRequired() {
			return KindProviderRejected, "login_required"
		}
		return KindProviderRejected, "provider_error"
	}
	var te *TokenExchangeError
	if errors.As(err, &te) {
		if te.Status >= 400 && te.Status < 500 {
			return KindProviderRejected, "token_exchange_rejected"
		}
		return KindProviderUnavailable, "token_exchange_unavailable"
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, ae.Code
	}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		if ue.Unavailable() {
			return KindProviderUnavailable, "upstream_unavailable"
		}
		return KindProviderRejected, "upstream_rejected"
	}
	return KindInternal, "internal_error"
}
