package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/middleware"
	"github.com/mnehpets/storefront/replay"
	"github.com/mnehpets/storefront/session"
	"github.com/mnehpets/storefront/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// FlowTTL bounds how long a sign-in flow may take.
const FlowTTL = 10 * time.Minute

// Flow cookie names.
const (
	VerifierCookieName = "sf_pkce"
	StateCookieName    = "sf_state"
	NonceCookieName    = "sf_nonce"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "email", "customer-account-api:full"}

// flowState is the sealed payload of the state cookie.
type flowState struct {
	State      string    `cbor:"1,keyasint"`
	ReturnPath string    `cbor:"2,keyasint,omitempty"`
	IssuedAt   time.Time `cbor:"3,keyasint"`
}

// Config describes the provider client.
type Config struct {
	// ShopDomain is the domain whose well-known documents are discovered.
	ShopDomain   string
	ClientID     string
	ClientSecret string
	ClientAuth   ClientAuth
	// RedirectURI is the absolute callback URL registered with the provider.
	RedirectURI string
	Scopes      []string
	Locale      string
	// AccessTokenField is read when a token response has no access_token.
	AccessTokenField string
	// SignInPath receives provider errors as ?error=<code>.
	SignInPath string
	// PostLoginPath is used when the flow carries no return path.
	PostLoginPath string
	// PublicURL is the external origin, used for post-logout redirects.
	PublicURL string
	// Debug adds provider error detail to failure bodies.
	Debug bool
}

// SessionStore is the session storage the handler writes on success.
type SessionStore interface {
	Set(w http.ResponseWriter, s session.ProviderSession) error
	Get(r *http.Request) (session.ProviderSession, bool)
	Clear(w http.ResponseWriter)
}

// Observer receives flow outcomes. code is "ok" on success.
type Observer interface {
	FlowStarted()
	FlowFinished(code string)
}

type nopObserver struct{}

func (nopObserver) FlowStarted()        {}
func (nopObserver) FlowFinished(string) {}

// Handler serves the sign-in routes: login, callback and logout.
type Handler struct {
	mux      *http.ServeMux
	cfg      Config
	disc     *Discoverer
	exchange *Exchanger
	ids      *IDTokenVerifier
	sessions SessionStore
	guard    replay.Guard
	observer Observer
	now      func() time.Time

	verifierCookie middleware.SecureCookie[string]
	stateCookie    middleware.SecureCookie[flowState]
	nonceCookie    middleware.SecureCookie[string]

	processors    []endpoint.Processor
	cookieOptions []middleware.SecureCookieOption
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds processors to every route.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) { h.processors = append(h.processors, p...) }
}

// WithCookieOptions configures the flow cookie attributes. SameSite is
// always Lax.
func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(h *Handler) { h.cookieOptions = append(h.cookieOptions, opts...) }
}

// WithReplayGuard replaces the in-process replay guard.
func WithReplayGuard(g replay.Guard) Option {
	return func(h *Handler) { h.guard = g }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates the sign-in Handler. All outbound calls go through client.
func NewHandler(cfg Config, client *upstream.Client, sessions SessionStore, keyID string, keys map[string][]byte, opts ...Option) (*Handler, error) {
	if cfg.ShopDomain == "" || cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, errors.New("auth: shop domain, client id and redirect URI are required")
	}
	if sessions == nil {
		return nil, errors.New("auth: session store is required")
	}
	if cfg.ClientAuth == "" {
		cfg.ClientAuth = ClientAuthPublic
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/signin"
	}
	cfg.PostLoginPath = ValidateReturnPath(cfg.PostLoginPath)

	h := &Handler{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		disc:     NewDiscoverer(client),
		exchange: NewExchanger(client, cfg.ClientID, cfg.ClientSecret, cfg.ClientAuth, cfg.AccessTokenField),
		ids:      NewIDTokenVerifier(client.HTTPClient(), cfg.ClientID, client.Timeout()),
		sessions: sessions,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.guard == nil {
		h.guard = replay.NewMemory(FlowTTL)
	}
	h.exchange.now = h.now
	h.ids.now = h.now

	// Flow cookies must survive the top-level redirect back from the
	// provider, so they stay Lax whatever the session cookies use.
	flowOpts := append(slices.Clone(h.cookieOptions), middleware.WithSameSite(http.SameSiteLaxMode))
	var err error
	if h.verifierCookie, err = middleware.NewSecureCookie[string](VerifierCookieName, keyID, keys, flowOpts...); err != nil {
		return nil, err
	}
	if h.stateCookie, err = middleware.NewSecureCookie[flowState](StateCookieName, keyID, keys, flowOpts...); err != nil {
		return nil, err
	}
	if h.nonceCookie, err = middleware.NewSecureCookie[string](NonceCookieName, keyID, keys, flowOpts...); err != nil {
		return nil, err
	}

	h.mux.Handle("GET /login", endpoint.Handler(h.login, h.processors...))
	h.mux.Handle("GET /callback", endpoint.Handler(h.callback, h.processors...))
	h.mux.Handle("POST /logout", endpoint.Handler(h.logout, h.processors...))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Discoverer returns the handler's discovery client.
func (h *Handler) Discoverer() *Discoverer { return h.disc }

// LoginParams are the query parameters of GET /login.
type LoginParams struct {
	Back        string `query:"back" maxLength:"2048"`
	Interactive string `query:"interactive" maxLength:"8"`
}

// CallbackParams are the query parameters of GET /callback.
type CallbackParams struct {
	State     string `query:"state" maxLength:"512"`
	Code      string `query:"code" maxLength:"4096"`
	Error     string `query:"error" maxLength:"128"`
	ErrorDesc string `query:"error_description" maxLength:"1024"`
}

// LogoutParams are the parameters of POST /logout.
type LogoutParams struct {
	Next string `form:"next" query:"next" maxLength:"2048"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, p LoginParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	h.observer.FlowStarted()

	verifier, err := GenerateVerifier()
	if err != nil {
		return h.fail(ctx, err)
	}
	state, err := GenerateState()
	if err != nil {
		return h.fail(ctx, err)
	}
	nonce, err := GenerateState()
	if err != nil {
		return h.fail(ctx, err)
	}

	disc, err := h.disc.Discover(ctx, h.cfg.ShopDomain)
	if err != nil {
		return h.fail(ctx, err)
	}

	now := h.now()
	maxAge := int(FlowTTL.Seconds())
	cookies := make([]*http.Cookie, 0, 3)
	for _, encode := range []func() (*http.Cookie, error){
		func() (*http.Cookie, error) { return h.verifierCookie.Encode(verifier, maxAge) },
		func() (*http.Cookie, error) {
			return h.stateCookie.Encode(flowState{State: state, ReturnPath: ValidateReturnPath(p.Back), IssuedAt: now}, maxAge)
		},
		func() (*http.Cookie, error) { return h.nonceCookie.Encode(nonce, maxAge) },
	} {
		c, err := encode()
		if err != nil {
			return h.fail(ctx, fmt.Errorf("seal flow cookie: %w", err))
		}
		cookies = append(cookies, c)
	}
	for _, c := range cookies {
		http.SetCookie(w, c)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", DeriveChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oidc.Nonce(nonce),
	}
	if p.Interactive != "1" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "none"))
	}
	if h.cfg.Locale != "" {
		opts = append(opts, oauth2.SetAuthURLParam("locale", h.cfg.Locale))
	}
	return &endpoint.RedirectRenderer{URL: h.oauthConfig(disc).AuthCodeURL(state, opts...), Status: http.StatusFound}, nil
}

func (h *Handler) oauthConfig(disc DiscoveryResult) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.ClientID,
		ClientSecret: h.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   disc.AuthorizationEndpoint,
			TokenURL:  disc.TokenEndpoint,
			AuthStyle: h.cfg.ClientAuth.Style(),
		},
		RedirectURL: h.cfg.RedirectURI,
		Scopes:      h.cfg.Scopes,
	}
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, p CallbackParams) (endpoint.Renderer, error) {
	ctx := r.Context()

	// Flow cookies are single-use whatever the outcome.
	flow, flowErr := middleware.ReadCookie(r, h.stateCookie)
	verifier, verifierErr := middleware.ReadCookie(r, h.verifierCookie)
	nonce, _ := middleware.ReadCookie(r, h.nonceCookie)
	http.SetCookie(w, h.verifierCookie.Clear())
	http.SetCookie(w, h.stateCookie.Clear())
	http.SetCookie(w, h.nonceCookie.Clear())

	if p.Error != "" {
		return h.fail(ctx, &ProviderError{Code: p.Error, Description: p.ErrorDesc})
	}
	if p.Code == "" {
		return h.fail(ctx, ErrMissingCode)
	}

	if err := h.validateState(ctx, p.State, flow, flowErr, verifier, verifierErr); err != nil {
		return h.fail(ctx, err)
	}

	disc, err := h.disc.Discover(ctx, h.cfg.ShopDomain)
	if err != nil {
		return h.fail(ctx, err)
	}
	tok, err := h.exchange.Exchange(ctx, disc.TokenEndpoint, p.Code, verifier, h.cfg.RedirectURI)
	if err != nil {
		return h.fail(ctx, err)
	}
	if tok.IDToken != "" && disc.JWKSURI != "" {
		if _, err := h.ids.Verify(ctx, disc, tok.IDToken, nonce); err != nil {
			return h.fail(ctx, err)
		}
	}

	s := session.ProviderSession{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      tok.IDToken,
		ExpiresAt:    tok.ExpiresAt,
	}
	if err := h.sessions.Set(w, s); err != nil {
		return h.fail(ctx, fmt.Errorf("store session: %w", err))
	}

	zerolog.Ctx(ctx).Info().
		Str("access_token", Redact(tok.AccessToken)).
		Time("expires_at", tok.ExpiresAt).
		Bool("refresh", tok.RefreshToken != "").
		Msg("customer signed in")
	h.observer.FlowFinished("ok")

	next := flow.ReturnPath
	if next == "" || next == "/" {
		next = h.cfg.PostLoginPath
	}
	return &endpoint.RedirectRenderer{URL: ValidateReturnPath(next), Status: http.StatusFound}, nil
}

// validateState fails closed: anything other than an unexpired flow whose state
// equals the returned state, with a verifier, is a mismatch.
func (h *Handler) validateState(ctx context.Context, state string, flow flowState, flowErr error, verifier string, verifierErr error) error {
	log := zerolog.Ctx(ctx)
	reason := ""
	switch {
	case flowErr != nil:
		reason = "state cookie unreadable"
	case state == "" || flow.State == "":
		reason = "state missing"
	case subtle.ConstantTimeCompare([]byte(state), []byte(flow.State)) != 1:
		reason = "state differs"
	case !h.now().Before(flow.IssuedAt.Add(FlowTTL)):
		reason = "flow expired"
	case verifierErr != nil || verifier == "":
		reason = "verifier missing"
	}
	if reason != "" {
		log.Warn().Str("reason", reason).Msg("rejected sign-in callback")
		return ErrStateMismatch
	}

	first, err := h.guard.Claim(ctx, "state:"+state, FlowTTL)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if !first {
		log.Warn().Msg("rejected replayed sign-in callback")
		return ErrStateReplayed
	}
	return nil
}

// failureBody is the JSON body of a failed sign-in.
type failureBody struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}

// fail renders err. Provider errors send the browser back to the sign-in page;
// everything else is a JSON body with the classified status.
func (h *Handler) fail(ctx context.Context, err error) (endpoint.Renderer, error) {
	kind, code := Classify(err)
	h.observer.FlowFinished(code)

	ev := zerolog.Ctx(ctx).Info()
	if kind.Status() >= http.StatusInternalServerError {
		ev = zerolog.Ctx(ctx).Error()
	}
	ev.Err(err).Str("kind", kind.String()).Str("reason", code).Msg("sign-in failed")

	var pe *ProviderError
	if errors.As(err, &pe) {
		q := url.Values{"error": {code}}
		return &endpoint.RedirectRenderer{URL: h.cfg.SignInPath + "?" + q.Encode(), Status: http.StatusFound}, nil
	}

	body := failureBody{Reason: code}
	if h.cfg.Debug {
		body.Detail = detail(err)
	}
	return &endpoint.JSONRenderer{Status: kind.Status(), Value: body}, nil
}

func detail(err error) string {
	var te *TokenExchangeError
	if errors.As(err, &te) && te.Body != "" {
		return te.Body
	}
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Body != "" {
		return ue.Body
	}
	return err.Error()
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, p LogoutParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	next := ValidateReturnPath(p.Next)
	s, ok := h.sessions.Get(r)
	h.sessions.Clear(w)

	if !ok || s.IDToken == "" {
		return &endpoint.RedirectRenderer{URL: next, Status: http.StatusSeeOther}, nil
	}
	disc, err := h.disc.Discover(ctx, h.cfg.ShopDomain)
	if err != nil || disc.EndSessionEndpoint == "" {
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("end session endpoint unavailable")
		}
		return &endpoint.RedirectRenderer{URL: next, Status: http.StatusSeeOther}, nil
	}
	u, err := url.Parse(disc.EndSessionEndpoint)
	if err != nil {
		return &endpoint.RedirectRenderer{URL: next, Status: http.StatusSeeOther}, nil
	}
	q := u.Query()
	q.Set("id_token_hint", s.IDToken)
	if h.cfg.PublicURL != "" {
		q.Set("post_logout_redirect_uri", strings.TrimRight(h.cfg.PublicURL, "/")+next)
	}
	u.RawQuery = q.Encode()
	return &endpoint.RedirectRenderer{URL: u.String(), Status: http.StatusSeeOther}, nil
}
