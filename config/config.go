// Package config loads the storefront service configuration from the
// environment, after reading an optional .env file.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/middleware"
)

// Config is the parsed configuration.
type Config struct {
	ListenAddr      string        `env:"STOREFRONT_LISTEN_ADDR"      envDefault:":8080"`
	PublicURL       string        `env:"STOREFRONT_PUBLIC_URL,required"`
	Debug           bool          `env:"STOREFRONT_DEBUG"`
	LogLevel        string        `env:"STOREFRONT_LOG_LEVEL"        envDefault:"info"`
	AllowedOrigins  []string      `env:"STOREFRONT_ALLOWED_ORIGINS"  envSeparator:","`
	CookieKeyID     string        `env:"STOREFRONT_COOKIE_KEY_ID"`
	CookieKeysRaw   string        `env:"STOREFRONT_COOKIE_KEYS"`
	CookieDomain    string        `env:"STOREFRONT_COOKIE_DOMAIN"`
	CookieSecure    bool          `env:"STOREFRONT_COOKIE_SECURE"    envDefault:"true"`
	CookieSameSite  string        `env:"STOREFRONT_COOKIE_SAMESITE"  envDefault:"lax"`
	SignInPath      string        `env:"STOREFRONT_SIGNIN_PATH"      envDefault:"/signin"`
	PostLoginPath   string        `env:"STOREFRONT_POST_LOGIN_PATH"  envDefault:"/"`
	UpstreamTimeout time.Duration `env:"STOREFRONT_UPSTREAM_TIMEOUT" envDefault:"10s"`
	RefreshTTL      time.Duration `env:"STOREFRONT_REFRESH_TTL"      envDefault:"720h"`
	DBPath          string        `env:"STOREFRONT_DB_PATH"          envDefault:"storefront.db"`
	RedisURL        string        `env:"STOREFRONT_REDIS_URL"`

	ShopDomain        string   `env:"SHOPIFY_SHOP_DOMAIN,required"`
	CustomerAPIDomain string   `env:"SHOPIFY_CUSTOMER_API_DOMAIN"`
	ClientID          string   `env:"SHOPIFY_CLIENT_ID,required"`
	ClientSecret      string   `env:"SHOPIFY_CLIENT_SECRET"`
	ClientAuthRaw     string   `env:"SHOPIFY_CLIENT_AUTH"          envDefault:"public"`
	RedirectURI       string   `env:"SHOPIFY_REDIRECT_URI"`
	Scopes            []string `env:"SHOPIFY_SCOPES"               envSeparator:"," envDefault:"openid,email,customer-account-api:full"`
	Locale            string   `env:"SHOPIFY_LOCALE"`
	TokenPrefix       string   `env:"SHOPIFY_TOKEN_PREFIX"`
	AccessTokenField  string   `env:"SHOPIFY_ACCESS_TOKEN_FIELD"   envDefault:"customer_access_token"`

	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	BridgeSecret       string `env:"BRIDGE_SECRET"`
	BridgePageSize     int    `env:"BRIDGE_PAGE_SIZE"             envDefault:"100"`
	CustomersTable     string `env:"BRIDGE_CUSTOMERS_TABLE"`

	// Derived by Load.
	CookieKeys    map[string][]byte `env:"-"`
	EphemeralKeys bool              `env:"-"`
	SameSite      http.SameSite     `env:"-"`
	ClientAuth    auth.ClientAuth   `env:"-"`
}

// Load reads .env files when present and parses the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return Parse(env.Options{})
}

// Parse parses the environment described by opts and derives the computed fields.
func Parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("STOREFRONT_PUBLIC_URL must be an absolute URL, got %q", c.PublicURL)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")

	if c.RedirectURI == "" {
		c.RedirectURI = c.PublicURL + "/callback"
	}
	if c.CustomerAPIDomain == "" {
		c.CustomerAPIDomain = c.ShopDomain
	}
	c.Scopes = trimCSV(c.Scopes)
	c.AllowedOrigins = trimCSV(c.AllowedOrigins)

	if c.ClientAuth, err = auth.ParseClientAuth(c.ClientAuthRaw); err != nil {
		return err
	}
	if c.ClientAuth != auth.ClientAuthPublic && c.ClientSecret == "" {
		return fmt.Errorf("SHOPIFY_CLIENT_SECRET is required for client auth %q", c.ClientAuthRaw)
	}
	if c.SameSite, err = ParseSameSite(c.CookieSameSite); err != nil {
		return err
	}
	if c.SameSite == http.SameSiteNoneMode && !c.CookieSecure {
		return errors.New("STOREFRONT_COOKIE_SAMESITE=none requires secure cookies")
	}

	if c.CookieKeysRaw == "" {
		if !c.Debug {
			return errors.New("STOREFRONT_COOKIE_KEYS is required unless STOREFRONT_DEBUG is set")
		}
		key := make([]byte, middleware.DefaultAEADKeysize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate cookie key: %w", err)
		}
		c.CookieKeyID = "ephemeral"
		c.CookieKeys = map[string][]byte{"ephemeral": key}
		c.EphemeralKeys = true
	} else {
		if c.CookieKeys, err = ParseCookieKeys(c.CookieKeysRaw); err != nil {
			return err
		}
		if c.CookieKeyID == "" {
			// The first listed key signs new cookies.
			c.CookieKeyID, _, _ = strings.Cut(strings.TrimSpace(strings.Split(c.CookieKeysRaw, ",")[0]), ":")
		}
		if _, ok := c.CookieKeys[c.CookieKeyID]; !ok {
			return fmt.Errorf("STOREFRONT_COOKIE_KEY_ID %q is not in STOREFRONT_COOKIE_KEYS", c.CookieKeyID)
		}
	}

	if c.BridgePageSize <= 0 {
		return errors.New("BRIDGE_PAGE_SIZE must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return errors.New("STOREFRONT_UPSTREAM_TIMEOUT must be positive")
	}
	return nil
}

// BridgeEnabled reports whether the identity directory is configured.
func (c Config) BridgeEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != "" && c.BridgeSecret != ""
}

// CookieOptions returns the attributes shared by every cookie.
func (c Config) CookieOptions() []middleware.SecureCookieOption {
	opts := []middleware.SecureCookieOption{
		middleware.WithSecure(c.CookieSecure),
		middleware.WithSameSite(c.SameSite),
	}
	if c.CookieDomain != "" {
		opts = append(opts, middleware.WithDomain(c.CookieDomain))
	}
	return opts
}

// ParseCookieKeys parses "id:base64key,id:base64key". Keys are standard or URL
// base64, padded or not, and must decode to DefaultAEADKeysize bytes.
func ParseCookieKeys(raw string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range trimCSV(strings.Split(raw, ",")) {
		id, enc, ok := strings.Cut(entry, ":")
		id, enc = strings.TrimSpace(id), strings.TrimSpace(enc)
		if !ok || id == "" || enc == "" {
			return nil, fmt.Errorf("cookie key %q: want id:base64", entry)
		}
		key, err := decodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("cookie key %q: %w", id, err)
		}
		if len(key) != middleware.DefaultAEADKeysize {
			return nil, fmt.Errorf("cookie key %q: got %d bytes, want %d", id, len(key), middleware.DefaultAEADKeysize)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("cookie key %q listed twice", id)
		}
		keys[id] = key
	}
	if len(keys) == 0 {
		return nil, errors.New("no cookie keys")
	}
	return keys, nil
}

func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

// ParseSameSite maps lax, strict and none to http.SameSite.
func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, fmt.Errorf("unknown SameSite mode %q", s)
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
