// Package server assembles the storefront HTTP routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/bridge"
	"github.com/mnehpets/storefront/customer"
	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/metrics"
	"github.com/mnehpets/storefront/middleware"
	"github.com/mnehpets/storefront/session"
	"github.com/rs/zerolog"
)

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to a Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Deps are the collaborators of the server. Bridge and Health are optional;
// without a Bridge the /bridge route is not registered.
type Deps struct {
	PublicURL   string
	Debug       bool
	TokenPrefix string

	Logger    zerolog.Logger
	Auth      http.Handler
	Sessions  *session.Store
	Customers *customer.Client
	Bridge    *bridge.Bridge
	Metrics   *metrics.Metrics
	Headers   *middleware.HeadersProcessor
	Health    []Pinger
}

// Server serves every route of the service.
type Server struct {
	deps   Deps
	origin string
	mux    *http.ServeMux
}

// New validates deps and registers the routes.
func New(deps Deps) (*Server, error) {
	if deps.Auth == nil || deps.Sessions == nil || deps.Customers == nil {
		return nil, errors.New("server: auth handler, session store and customer client are required")
	}
	origin, err := originOf(deps.PublicURL)
	if err != nil {
		return nil, err
	}
	if deps.Headers == nil {
		deps.Headers = middleware.NewHeadersProcessor()
	}
	s := &Server{deps: deps, origin: origin, mux: http.NewServeMux()}

	withSession := []endpoint.Processor{deps.Headers, deps.Sessions.Processor()}

	s.mux.Handle("GET /login", deps.Auth)
	s.mux.Handle("GET /callback", deps.Auth)
	s.mux.Handle("POST /logout", deps.Auth)
	s.mux.Handle("GET /session", endpoint.Handler(s.getSession, withSession...))
	s.mux.Handle("GET /profile", endpoint.Handler(s.getProfile, withSession...))
	if deps.Bridge != nil {
		s.mux.Handle("POST /bridge", endpoint.Handler(s.postBridge, withSession...))
	}
	if deps.Debug {
		s.mux.Handle("GET /debug/token", endpoint.Handler(s.debugToken, withSession...))
	}
	s.mux.Handle("GET /healthz", endpoint.Handler(s.healthz))
	s.mux.Handle("GET /metrics", endpoint.Handler(s.serveMetrics))
	s.mux.Handle("OPTIONS /", endpoint.Handler(s.preflight, deps.Headers))
	// "OPTIONS /" matches every path, so unknown routes need an explicit 404.
	s.mux.Handle("/", endpoint.Handler(s.notFound, deps.Headers))
	return s, nil
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return middleware.RequestLogger(s.deps.Logger, s.deps.Metrics)(s.mux)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SessionParams are the parameters of GET /session.
type SessionParams struct {
	Include      string `query:"include" maxLength:"32"`
	Origin       string `header:"Origin" maxLength:"512"`
	SecFetchSite string `header:"Sec-Fetch-Site" maxLength:"32"`
}

// SessionResult is the body of GET /session.
type SessionResult struct {
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Token         string     `json:"token,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, p SessionParams) (endpoint.Renderer, error) {
	ps, ok := session.FromContext(r.Context())
	if !ok {
		return s.fail(r.Context(), w, auth.ErrSessionMissing)
	}
	res := SessionResult{Authenticated: true, ExpiresAt: &ps.ExpiresAt}
	if p.Include == "token" {
		if !s.sameOrigin(p.Origin, p.SecFetchSite) {
			zerolog.Ctx(r.Context()).Warn().Str("origin", p.Origin).Msg("token requested cross-origin")
			return &endpoint.JSONRenderer{
				Status: http.StatusForbidden,
				Value:  SessionResult{Authenticated: true, Reason: "cross_origin"},
			}, nil
		}
		res.Token = ps.AccessToken
	}
	return &endpoint.JSONRenderer{Value: res}, nil
}

// ProfileResult is the body of GET /profile.
type ProfileResult struct {
	Authenticated bool              `json:"authenticated"`
	Customer      customer.Customer `json:"customer"`
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ps, ok := session.FromContext(r.Context())
	if !ok {
		return s.fail(r.Context(), w, auth.ErrSessionMissing)
	}
	c, err := s.deps.Customers.FetchProfile(r.Context(), ps)
	if err != nil {
		return s.fail(r.Context(), w, err)
	}
	return &endpoint.JSONRenderer{Value: ProfileResult{Authenticated: true, Customer: c}}, nil
}

// BridgeResult is the body of POST /bridge.
type BridgeResult struct {
	Authenticated bool                   `json:"authenticated"`
	User          bridge.DirectoryUser   `json:"user"`
	Session       bridge.InternalSession `json:"session"`
}

func (s *Server) postBridge(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ctx := r.Context()
	ps, ok := session.FromContext(ctx)
	if !ok {
		return s.fail(ctx, w, auth.ErrSessionMissing)
	}
	c, err := s.deps.Customers.FetchProfile(ctx, ps)
	if err != nil {
		return s.fail(ctx, w, err)
	}
	res, err := s.deps.Bridge.LinkOrCreate(ctx, bridge.Profile{
		ExternalSubject: c.ID,
		Email:           c.Email,
		FirstName:       c.FirstName,
		LastName:        c.LastName,
	})
	if err != nil {
		return s.fail(ctx, w, err)
	}
	return &endpoint.JSONRenderer{Value: BridgeResult{Authenticated: true, User: res.User, Session: res.Session}}, nil
}

func (s *Server) debugToken(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ps, ok := session.FromContext(r.Context())
	if !ok {
		return s.fail(r.Context(), w, auth.ErrSessionMissing)
	}
	claims, err := auth.DecodeClaims(ps.AccessToken, s.deps.TokenPrefix)
	if err != nil {
		return s.fail(r.Context(), w, err)
	}
	return &endpoint.JSONRenderer{Value: claims}, nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("health check failed")
			return &endpoint.JSONRenderer{Status: http.StatusServiceUnavailable, Value: map[string]string{"status": "unavailable"}}, nil
		}
	}
	return &endpoint.JSONRenderer{Value: map[string]string{"status": "ok"}}, nil
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.HandlerRenderer{Handler: s.deps.Metrics.Handler()}, nil
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Status: http.StatusNotFound, Value: failureBody{Reason: "not_found"}}, nil
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.NoContentRenderer{}, nil
}

// failureBody is the JSON error shape of every route.
type failureBody struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}

// fail renders err with its classified status and authenticated=false. A token
// the provider rejects also ends the local session.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, err error) (endpoint.Renderer, error) {
	kind, code := auth.Classify(err)
	status := kind.Status()

	ev := zerolog.Ctx(ctx).Info()
	if status >= http.StatusInternalServerError {
		ev = zerolog.Ctx(ctx).Error()
	}
	ev.Err(err).Str("kind", kind.String()).Str("reason", code).Msg("request failed")

	if errors.Is(err, customer.ErrUnauthorized) {
		s.deps.Sessions.Clear(w)
	}
	body := failureBody{Reason: code}
	if s.deps.Debug && kind != auth.KindSessionMissing {
		body.Detail = err.Error()
	}
	return &endpoint.JSONRenderer{Status: status, Value: body}, nil
}

// sameOrigin accepts Sec-Fetch-Site: same-origin, or an Origin equal to the
// public URL's origin.
func (s *Server) sameOrigin(origin, fetchSite string) bool {
	if strings.EqualFold(fetchSite, "same-origin") {
		return true
	}
	return origin != "" && strings.EqualFold(strings.TrimRight(origin, "/"), s.origin)
}

func originOf(publicURL string) (string, error) {
	u, err := url.Parse(publicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("server: public URL must be absolute")
	}
	return u.Scheme + "://" + u.Host, nil
}
