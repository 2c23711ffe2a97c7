package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mnehpets/storefront/upstream"
	"golang.org/x/oauth2"
)

// DefaultExpiresIn is used when the token response has no usable expires_in.
const DefaultExpiresIn = time.Hour

// MaxExpiresIn is the longest expires_in accepted. Larger values fall back to
// DefaultExpiresIn.
const MaxExpiresIn = 365 * 24 * time.Hour

// DefaultAccessTokenField is the alternate access token field Shopify may use.
const DefaultAccessTokenField = "customer_access_token"

// ClientAuth selects how the client authenticates at the token endpoint.
type ClientAuth string

const (
	// ClientAuthPublic sends no secret (public PKCE client).
	ClientAuthPublic ClientAuth = "public"
	// ClientAuthBasic sends the id and secret with HTTP Basic.
	ClientAuthBasic ClientAuth = "basic"
	// ClientAuthPost sends the secret as a form field.
	ClientAuthPost ClientAuth = "post"
)

// ParseClientAuth validates a configured client auth mode. Empty means public.
func ParseClientAuth(s string) (ClientAuth, error) {
	switch ClientAuth(strings.ToLower(strings.TrimSpace(s))) {
	case "", ClientAuthPublic:
		return ClientAuthPublic, nil
	case ClientAuthBasic:
		return ClientAuthBasic, nil
	case ClientAuthPost:
		return ClientAuthPost, nil
	}
	return "", fmt.Errorf("auth: unknown client auth mode %q", s)
}

// Style maps the mode to the oauth2 client auth style.
func (a ClientAuth) Style() oauth2.AuthStyle {
	switch a {
	case ClientAuthBasic:
		return oauth2.AuthStyleInHeader
	default:
		return oauth2.AuthStyleInParams
	}
}

// TokenResult is a normalized token endpoint response.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresAt    time.Time
}

// Exchanger redeems authorization codes at the token endpoint.
type Exchanger struct {
	client       *upstream.Client
	clientID     string
	clientSecret string
	auth         ClientAuth
	altField     string
	now          func() time.Time
}

// NewExchanger returns an Exchanger. altField names the field read when the
// response carries no access_token; empty selects DefaultAccessTokenField.
func NewExchanger(client *upstream.Client, clientID, clientSecret string, auth ClientAuth, altField string) *Exchanger {
	if altField == "" {
		altField = DefaultAccessTokenField
	}
	return &Exchanger{
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
		auth:         auth,
		altField:     altField,
		now:          time.Now,
	}
}

// Exchange redeems code through oauth2.Config.Exchange. The call is never
// retried.
func (e *Exchanger) Exchange(ctx context.Context, tokenEndpoint, code, verifier, redirectURI string) (TokenResult, error) {
	conf := &oauth2.Config{
		ClientID:    e.clientID,
		RedirectURL: redirectURI,
		Endpoint:    oauth2.Endpoint{TokenURL: tokenEndpoint, AuthStyle: e.auth.Style()},
	}
	if e.auth != ClientAuthPublic {
		conf.ClientSecret = e.clientSecret
	}
	hc := &http.Client{Transport: &tokenTransport{client: e.client, altField: e.altField}}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return TokenResult{}, &TokenExchangeError{Status: re.Response.StatusCode, Body: string(re.Body), Err: err}
		}
		if errors.Is(err, ErrNoAccessToken) {
			return TokenResult{}, err
		}
		return TokenResult{}, &TokenExchangeError{Err: err}
	}

	res := TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    e.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		res.IDToken = id
	}
	if res.TokenType == "" {
		res.TokenType = "Bearer"
	}
	return res, nil
}

// tokenTransport sends the token request through upstream and rewrites a 2xx
// body into the standard token response oauth2 parses: the access token is
// taken from the alternate field when needed and expires_in is whole seconds.
type tokenTransport struct {
	client   *upstream.Client
	altField string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req.Context(), "token_exchange", req)
	if err != nil {
		var ue *upstream.Error
		if errors.As(err, &ue) && ue.StatusCode != 0 {
			return jsonResponse(req, ue.StatusCode, []byte(ue.Body)), nil
		}
		return nil, err
	}
	res, ttl, err := parseToken(resp.Body, t.altField)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
		"id_token":      res.IDToken,
		"token_type":    res.TokenType,
		"expires_in":    int64(ttl / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return jsonResponse(req, resp.StatusCode, body), nil
}

func jsonResponse(req *http.Request, status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// ParseTokenResponse normalizes a token response body.
//
// The access token is read from access_token, then altField. expires_in may be a
// JSON number or a numeric string; a missing, non-numeric, sub-second or
// out-of-range value falls back to DefaultExpiresIn.
func ParseTokenResponse(body []byte, altField string, now time.Time) (TokenResult, error) {
	res, ttl, err := parseToken(body, altField)
	if err != nil {
		return TokenResult{}, err
	}
	res.ExpiresAt = now.Add(ttl)
	return res, nil
}

func parseToken(body []byte, altField string) (TokenResult, time.Duration, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return TokenResult{}, 0, fmt.Errorf("%w: %v", ErrNoAccessToken, err)
	}

	res := TokenResult{
		AccessToken:  stringField(raw, "access_token"),
		RefreshToken: stringField(raw, "refresh_token"),
		IDToken:      stringField(raw, "id_token"),
		TokenType:    stringField(raw, "token_type"),
	}
	if res.AccessToken == "" && altField != "" {
		res.AccessToken = stringField(raw, altField)
	}
	if res.AccessToken == "" {
		return TokenResult{}, 0, ErrNoAccessToken
	}
	if res.TokenType == "" {
		res.TokenType = "Bearer"
	}
	return res, expiresIn(raw["expires_in"]), nil
}

func expiresIn(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return DefaultExpiresIn
	}
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || !(secs >= 1) || secs > MaxExpiresIn.Seconds() {
		return DefaultExpiresIn
	}
	return time.Duration(secs) * time.Second
}
