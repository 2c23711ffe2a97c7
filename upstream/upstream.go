// Package upstream is the outbound HTTP helper shared by every component that
// talks to Shopify or the identity directory. It applies one timeout policy,
// bounds response bodies, and reports failures as *Error.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every outbound call that has no tighter deadline.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// maxErrorBody caps how much of a failed response is kept in an Error.
const maxErrorBody = 2048

// Error describes a failed outbound call.
//
// StatusCode is zero when no response was received (transport failure or
// timeout).
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: upstream returned %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": upstream failure"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Unavailable reports whether the failure is on the upstream side: no response,
// a timeout, or a 5xx status.
func (e *Error) Unavailable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// Timeout reports whether the call ran out of time.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// Observer receives one observation per outbound call. status is 0 when no
// response was received.
type Observer interface {
	ObserveUpstream(op string, status int, d time.Duration)
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client performs outbound calls.
type Client struct {
	hc       *http.Client
	timeout  time.Duration
	observer Observer
	agent    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithUserAgent sets the User-Agent header on every call.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.agent = ua }
}

// New returns a Client.
func New(opts ...Option) *Client {
	c := &Client{
		hc:      &http.Client{},
		timeout: DefaultTimeout,
		agent:   "storefront",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the underlying http.Client, for libraries that take one.
func (c *Client) HTTPClient() *http.Client { return c.hc }

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Do sends req and reads the body. Any non-2xx status is returned as *Error with
// the start of the body attached.
func (c *Client) Do(ctx context.Context, op string, req *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" && c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		zerolog.Ctx(ctx).Warn().Str("op", op).Err(err).Msg("upstream call failed")
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.observe(op, resp.StatusCode, start)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		zerolog.Ctx(ctx).Debug().Str("op", op).Int("status", resp.StatusCode).Msg("upstream returned error status")
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(body)}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// GetJSON issues a GET and decodes the JSON body into dst.
func (c *Client) GetJSON(ctx context.Context, op, rawURL string, dst any) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(ctx, op, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode json: %w", err)}
	}
	return nil
}

// PostForm issues a form-encoded POST. header may be nil.
func (c *Client) PostForm(ctx context.Context, op, rawURL string, form url.Values, header http.Header) (*Response, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	copyHeader(req.Header, header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.Do(ctx, op, req)
}

// SendJSON issues a request with a JSON body. body may be nil.
func (c *Client) SendJSON(ctx context.Context, op, method, rawURL string, header http.Header, body any) (*Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Op: op, Err: fmt.Errorf("encode json: %w", err)}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, rawURL, rd)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	copyHeader(req.Header, header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.Do(ctx, op, req)
}

func (c *Client) observe(op string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveUpstream(op, status, time.Since(start))
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
