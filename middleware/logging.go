package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// RequestObserver records inbound request latency by route pattern.
type RequestObserver interface {
	ObserveRequest(route string, status int, d time.Duration)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// RequestLogger assigns a request id, attaches a child of log to the request
// context, recovers panics, and writes one access log line per request.
// obs may be nil.
func RequestLogger(log zerolog.Logger, obs RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if rid == "" || len(rid) > 64 {
				rid = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, rid)

			l := log.With().Str("request_id", rid).Logger()
			r = r.WithContext(l.WithContext(r.Context()))
			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				if rec := recover(); rec != nil {
					l.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("panic recovered")
					if sw.status == 0 {
						http.Error(sw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}
				status := sw.status
				if status == 0 {
					status = http.StatusOK
				}
				route := r.Pattern
				if route == "" {
					route = "unmatched"
				}
				d := time.Since(start)
				if obs != nil {
					obs.ObserveRequest(route, status, d)
				}
				ev := l.Info()
				if status >= http.StatusInternalServerError {
					ev = l.Warn()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("route", route).
					Int("status", status).
					Dur("duration", d).
					Msg("request")
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
