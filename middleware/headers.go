package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/storefront/endpoint"
)

// HeadersProcessor sets the security headers of the JSON and redirect routes and
// answers credentialed CORS for the storefront origins.
//
// Defaults:
//   - Referrer-Policy: no-referrer
//   - X-Frame-Options: DENY
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'; base-uri 'none'
//   - Cross-Origin-Resource-Policy: same-site
//   - Strict-Transport-Security on HTTPS requests only
type HeadersProcessor struct {
	// HSTSMaxAge in seconds. Zero disables the header.
	HSTSMaxAge int
	// AllowedOrigins receive Access-Control-Allow-Origin with credentials.
	AllowedOrigins []string
	// PreflightMaxAge in seconds.
	PreflightMaxAge int
}

// HeadersOption configures a HeadersProcessor.
type HeadersOption func(*HeadersProcessor)

// NewHeadersProcessor returns a HeadersProcessor with the defaults above.
func NewHeadersProcessor(opts ...HeadersOption) *HeadersProcessor {
	p := &HeadersProcessor{
		HSTSMaxAge:      15552000,
		PreflightMaxAge: 600,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTSMaxAge sets the HSTS max-age. Zero disables HSTS.
func WithHSTSMaxAge(seconds int) HeadersOption {
	return func(p *HeadersProcessor) { p.HSTSMaxAge = seconds }
}

// WithAllowedOrigins sets the origins allowed to call with credentials.
// A trailing slash is ignored and "*" is never honoured.
func WithAllowedOrigins(origins ...string) HeadersOption {
	return func(p *HeadersProcessor) {
		p.AllowedOrigins = p.AllowedOrigins[:0]
		for _, o := range origins {
			o = strings.TrimRight(strings.TrimSpace(o), "/")
			if o != "" && o != "*" {
				p.AllowedOrigins = append(p.AllowedOrigins, o)
			}
		}
	}
}

// Process implements endpoint.Processor. A CORS preflight short-circuits with 204.
func (p *HeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
	h.Set("Cross-Origin-Resource-Policy", "same-site")
	if p.HSTSMaxAge > 0 && isHTTPS(r) {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}

	origin := r.Header.Get("Origin")
	if origin == "" || len(p.AllowedOrigins) == 0 {
		return next(w, r)
	}
	h.Add("Vary", "Origin")
	if !p.allowed(origin) {
		return next(w, r)
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		h.Set("Access-Control-Allow-Methods", "GET, POST")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if p.PreflightMaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(p.PreflightMaxAge))
		}
		return endpoint.Error(http.StatusNoContent, "", nil)
	}
	return next(w, r)
}

func (p *HeadersProcessor) allowed(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, a := range p.AllowedOrigins {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// isHTTPS reports whether the request arrived over TLS, directly or through a
// proxy that sets X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

var _ endpoint.Processor = (*HeadersProcessor)(nil)
