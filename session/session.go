// Package session keeps the provider session in sealed cookies.
//
// The access token, ID token and expiry live in one cookie whose lifetime ends
// with the access token. The refresh token, when the provider issues one, lives
// in a second cookie with a longer lifetime. Both are HttpOnly; nothing here
// writes a script-readable copy of a token.
package session

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/middleware"
	"github.com/rs/zerolog"
)

const (
	// DefaultCookieName holds the access token, ID token and expiry.
	DefaultCookieName = "sf_session"
	// DefaultRefreshCookieName holds the refresh token.
	DefaultRefreshCookieName = "sf_refresh"
	// DefaultRefreshTTL is the refresh cookie lifetime.
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

var (
	ErrNoAccessToken = errors.New("session: access token is required")
	ErrExpired       = errors.New("session: already expired")
)

// ProviderSession is the signed-in customer's provider credential set.
type ProviderSession struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// record is the sealed payload of the session cookie.
type record struct {
	AccessToken string    `cbor:"1,keyasint"`
	IDToken     string    `cbor:"2,keyasint,omitempty"`
	ExpiresAt   time.Time `cbor:"3,keyasint"`
}

// Store reads and writes ProviderSessions.
type Store struct {
	session    middleware.SecureCookie[record]
	refresh    middleware.SecureCookie[string]
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	cookieOptions []middleware.SecureCookieOption
	name          string
	refreshName   string
	refreshTTL    time.Duration
	now           func() time.Time
}

// WithCookieOptions sets attributes shared by both cookies.
func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(c *storeConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithCookieNames overrides the cookie names.
func WithCookieNames(session, refresh string) Option {
	return func(c *storeConfig) {
		c.name = session
		c.refreshName = refresh
	}
}

// WithRefreshTTL sets the refresh cookie lifetime.
func WithRefreshTTL(d time.Duration) Option {
	return func(c *storeConfig) {
		if d > 0 {
			c.refreshTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) { c.now = now }
}

// NewStore returns a Store sealing with keys[keyID].
func NewStore(keyID string, keys map[string][]byte, opts ...Option) (*Store, error) {
	cfg := storeConfig{
		name:        DefaultCookieName,
		refreshName: DefaultRefreshCookieName,
		refreshTTL:  DefaultRefreshTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	sc, err := middleware.NewSecureCookie[record](cfg.name, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	rc, err := middleware.NewSecureCookie[string](cfg.refreshName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &Store{session: sc, refresh: rc, refreshTTL: cfg.refreshTTL, now: cfg.now}, nil
}

// Set writes s. The session cookie expires with the access token. Without a
// refresh token any previous refresh cookie is cleared.
func (st *Store) Set(w http.ResponseWriter, s ProviderSession) error {
	if s.AccessToken == "" {
		return ErrNoAccessToken
	}
	maxAge := int(math.Ceil(s.ExpiresAt.Sub(st.now()).Seconds()))
	if maxAge <= 0 {
		return ErrExpired
	}
	c, err := st.session.Encode(record{AccessToken: s.AccessToken, IDToken: s.IDToken, ExpiresAt: s.ExpiresAt}, maxAge)
	if err != nil {
		return err
	}
	http.SetCookie(w, c)

	if s.RefreshToken == "" {
		http.SetCookie(w, st.refresh.Clear())
		return nil
	}
	rc, err := st.refresh.Encode(s.RefreshToken, int(st.refreshTTL.Seconds()))
	if err != nil {
		return err
	}
	http.SetCookie(w, rc)
	return nil
}

// Get returns the session in r. It reports false when the cookie is missing,
// fails to open, or has expired.
func (st *Store) Get(r *http.Request) (ProviderSession, bool) {
	s, state := st.load(r)
	return s, state == loaded
}

// Clear expires both cookies.
func (st *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, st.session.Clear())
	http.SetCookie(w, st.refresh.Clear())
}

type loadState int

const (
	absent loadState = iota
	loaded
	stale
)

func (st *Store) load(r *http.Request) (ProviderSession, loadState) {
	c, err := r.Cookie(st.session.Name())
	if err != nil {
		return ProviderSession{}, absent
	}
	rec, err := st.session.Decode(c)
	if err != nil || rec.AccessToken == "" || !st.now().Before(rec.ExpiresAt) {
		return ProviderSession{}, stale
	}
	s := ProviderSession{AccessToken: rec.AccessToken, IDToken: rec.IDToken, ExpiresAt: rec.ExpiresAt}
	if refresh, err := middleware.ReadCookie(r, st.refresh); err == nil {
		s.RefreshToken = refresh
	}
	return s, loaded
}

type contextKey struct{}

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s ProviderSession) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session loaded by Processor.
func FromContext(ctx context.Context) (ProviderSession, bool) {
	s, ok := ctx.Value(contextKey{}).(ProviderSession)
	return s, ok
}

// Processor loads the session into the request context. A stale or tampered
// session cookie is cleared when the response is committed.
func (st *Store) Processor() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		s, state := st.load(r)
		switch state {
		case loaded:
			r = r.WithContext(NewContext(r.Context(), s))
		case stale:
			zerolog.Ctx(r.Context()).Debug().Msg("clearing stale session cookie")
			endpoint.Defer(r.Context(), st.Clear)
		}
		return next(w, r)
	})
}
