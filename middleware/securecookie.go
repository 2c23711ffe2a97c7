package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid secure cookie format")
	ErrCookieInvalid = errors.New("invalid secure cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds how much attacker-controlled input Decode will process.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size for the default AEAD (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecureCookie seals values of type T into cookies and opens them again.
type SecureCookie[T any] interface {
	Name() string
	Encode(v T, maxAge int) (*http.Cookie, error)
	Decode(c *http.Cookie) (T, error)
	// Clear returns a cookie that expires this cookie in the client.
	Clear() *http.Cookie
}

// Codec seals and opens byte strings with a rotating set of AEAD keys.
//
// Sealed format: keyID "." base64url(nonce || ciphertext).
type Codec struct {
	keyID   string
	keys    map[string][]byte
	newAEAD func(key []byte) (cipher.AEAD, error)
}

// NewCodec validates keys and returns a Codec that seals with keys[keyID].
func NewCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Codec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		return nil, fmt.Errorf("%w: nil AEAD factory", ErrCookieConfig)
	}
	for id, k := range keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: key id %q contains '.'", ErrCookieConfig, id)
		}
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrCookieConfig, id, err)
		}
	}
	return &Codec{keyID: keyID, keys: keys, newAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (c *Codec) Seal(plain, aad []byte) (string, error) {
	aead, err := c.newAEAD(c.keys[c.keyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return c.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with any known key.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := c.keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SecureCookieOption configures a sealed cookie.
type SecureCookieOption func(*cookieConfig)

type cookieConfig struct {
	path      string
	domain    string
	secure    bool
	sameSite  http.SameSite
	newAEAD   func([]byte) (cipher.AEAD, error)
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

// WithPath sets the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(c *cookieConfig) { c.path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(c *cookieConfig) { c.domain = domain }
}

// WithSecure sets the Secure attribute.
func WithSecure(secure bool) SecureCookieOption {
	return func(c *cookieConfig) { c.secure = secure }
}

// WithSameSite sets the SameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(c *cookieConfig) { c.sameSite = sameSite }
}

// WithAEAD swaps the AEAD construction (for example AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(c *cookieConfig) { c.newAEAD = f }
}

// WithMarshalUnmarshal swaps the payload encoding (CBOR by default).
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) SecureCookieOption {
	return func(c *cookieConfig) {
		c.marshal = marshal
		c.unmarshal = unmarshal
	}
}

// aeadCookie is the SecureCookie implementation. Cookies are always HttpOnly.
type aeadCookie[T any] struct {
	name  string
	cfg   cookieConfig
	codec *Codec
}

// NewSecureCookie returns a SecureCookie for payloads of type T.
//
// Defaults: Path "/", no Domain, Secure, HttpOnly, SameSite=Lax,
// XChaCha20-Poly1305, CBOR.
func NewSecureCookie[T any](name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (SecureCookie[T], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	cfg := cookieConfig{
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
		newAEAD:   chacha20poly1305.NewX,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.path == "" {
		cfg.path = "/"
	}
	if cfg.sameSite == http.SameSiteNoneMode && !cfg.secure {
		return nil, fmt.Errorf("%w: SameSite=None requires Secure", ErrCookieConfig)
	}
	codec, err := NewCodec(keyID, keys, cfg.newAEAD)
	if err != nil {
		return nil, err
	}
	return &aeadCookie[T]{name: name, cfg: cfg, codec: codec}, nil
}

func (sc *aeadCookie[T]) Name() string { return sc.name }

// aad binds the sealed value to the cookie's name and scope, so a value cannot
// be replayed under another cookie.
func (sc *aeadCookie[T]) aad() []byte {
	secure := "f"
	if sc.cfg.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.cfg.domain + ":" + sc.cfg.path + ":" + secure)
}

func (sc *aeadCookie[T]) Encode(v T, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: maxAge must be positive", ErrCookieConfig)
	}
	plain, err := sc.cfg.marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.codec.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.cfg.path,
		Domain:   sc.cfg.domain,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.cfg.secure,
		HttpOnly: true,
		SameSite: sc.cfg.sameSite,
	}, nil
}

func (sc *aeadCookie[T]) Decode(c *http.Cookie) (T, error) {
	var v T
	if c == nil {
		return v, ErrCookieFormat
	}
	plain, err := sc.codec.Open(c.Value, sc.aad())
	if err != nil {
		return v, err
	}
	if err := sc.cfg.unmarshal(plain, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrCookieInvalid, err)
	}
	return v, nil
}

// Clear returns a cookie with Max-Age=0 and the same scope attributes.
func (sc *aeadCookie[T]) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Value:    "",
		Path:     sc.cfg.path,
		Domain:   sc.cfg.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.cfg.secure,
		HttpOnly: true,
		SameSite: sc.cfg.sameSite,
	}
}

// ReadCookie decodes the named cookie from r with sc.
func ReadCookie[T any](r *http.Request, sc SecureCookie[T]) (T, error) {
	c, err := r.Cookie(sc.Name())
	if err != nil {
		var zero T
		return zero, err
	}
	return sc.Decode(c)
}
