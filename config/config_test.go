package config

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mnehpets/storefront/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	key1 = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 32)))
	key2 = base64.RawURLEncoding.EncodeToString([]byte(strings.Repeat("b", 32)))
)

func minimal() map[string]string {
	return map[string]string{
		"STOREFRONT_PUBLIC_URL":  "https://auth.example.com/",
		"SHOPIFY_SHOP_DOMAIN":    "shop.example.com",
		"SHOPIFY_CLIENT_ID":      "client-id",
		"STOREFRONT_COOKIE_KEYS": "k1:" + key1,
	}
}

func parse(t *testing.T, vars map[string]string) (Config, error) {
	t.Helper()
	return Parse(env.Options{Environment: vars})
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(t, minimal())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "https://auth.example.com", cfg.PublicURL)
	assert.Equal(t, "https://auth.example.com/callback", cfg.RedirectURI)
	assert.Equal(t, "shop.example.com", cfg.CustomerAPIDomain)
	assert.Equal(t, []string{"openid", "email", "customer-account-api:full"}, cfg.Scopes)
	assert.Equal(t, auth.ClientAuthPublic, cfg.ClientAuth)
	assert.Equal(t, http.SameSiteLaxMode, cfg.SameSite)
	assert.True(t, cfg.CookieSecure)
	assert.Equal(t, "k1", cfg.CookieKeyID)
	assert.Len(t, cfg.CookieKeys["k1"], 32)
	assert.False(t, cfg.EphemeralKeys)
	assert.Equal(t, "/signin", cfg.SignInPath)
	assert.Equal(t, "/", cfg.PostLoginPath)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 720*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "customer_access_token", cfg.AccessTokenField)
	assert.Equal(t, 100, cfg.BridgePageSize)
	assert.Equal(t, "storefront.db", cfg.DBPath)
	assert.False(t, cfg.BridgeEnabled())
	assert.Len(t, cfg.CookieOptions(), 2)
}

func TestParseOverrides(t *testing.T) {
	vars := minimal()
	vars["STOREFRONT_COOKIE_KEYS"] = "k1:" + key1 + ", k2:" + key2
	vars["STOREFRONT_COOKIE_KEY_ID"] = "k2"
	vars["STOREFRONT_COOKIE_SAMESITE"] = "None"
	vars["STOREFRONT_COOKIE_DOMAIN"] = ".example.com"
	vars["STOREFRONT_ALLOWED_ORIGINS"] = "https://shop.example.com, ,https://www.example.com"
	vars["SHOPIFY_CUSTOMER_API_DOMAIN"] = "account.example.com"
	vars["SHOPIFY_CLIENT_AUTH"] = "basic"
	vars["SHOPIFY_CLIENT_SECRET"] = "s3cret"
	vars["SHOPIFY_SCOPES"] = "openid, email"
	vars["SUPABASE_URL"] = "https://proj.supabase.co"
	vars["SUPABASE_SERVICE_ROLE_KEY"] = "service"
	vars["BRIDGE_SECRET"] = "bridge"

	cfg, err := parse(t, vars)
	require.NoError(t, err)
	assert.Equal(t, "k2", cfg.CookieKeyID)
	assert.Len(t, cfg.CookieKeys, 2)
	assert.Equal(t, http.SameSiteNoneMode, cfg.SameSite)
	assert.Equal(t, []string{"https://shop.example.com", "https://www.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "account.example.com", cfg.CustomerAPIDomain)
	assert.Equal(t, auth.ClientAuthBasic, cfg.ClientAuth)
	assert.Equal(t, []string{"openid", "email"}, cfg.Scopes)
	assert.True(t, cfg.BridgeEnabled())
	assert.Len(t, cfg.CookieOptions(), 3)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]func(map[string]string){
		"missing public url":  func(v map[string]string) { delete(v, "STOREFRONT_PUBLIC_URL") },
		"relative public url": func(v map[string]string) { v["STOREFRONT_PUBLIC_URL"] = "/auth" },
		"missing shop":        func(v map[string]string) { delete(v, "SHOPIFY_SHOP_DOMAIN") },
		"missing client id":   func(v map[string]string) { delete(v, "SHOPIFY_CLIENT_ID") },
		"missing keys":        func(v map[string]string) { delete(v, "STOREFRONT_COOKIE_KEYS") },
		"short key":           func(v map[string]string) { v["STOREFRONT_COOKIE_KEYS"] = "k1:YWJj" },
		"bad key format":      func(v map[string]string) { v["STOREFRONT_COOKIE_KEYS"] = key1 },
		"unknown key id":      func(v map[string]string) { v["STOREFRONT_COOKIE_KEY_ID"] = "k9" },
		"bad samesite":        func(v map[string]string) { v["STOREFRONT_COOKIE_SAMESITE"] = "loose" },
		"insecure none": func(v map[string]string) {
			v["STOREFRONT_COOKIE_SAMESITE"] = "none"
			v["STOREFRONT_COOKIE_SECURE"] = "false"
		},
		"bad client auth":      func(v map[string]string) { v["SHOPIFY_CLIENT_AUTH"] = "jwt" },
		"basic without secret": func(v map[string]string) { v["SHOPIFY_CLIENT_AUTH"] = "basic" },
		"bad timeout":          func(v map[string]string) { v["STOREFRONT_UPSTREAM_TIMEOUT"] = "soon" },
		"zero page size":       func(v map[string]string) { v["BRIDGE_PAGE_SIZE"] = "0" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			vars := minimal()
			mutate(vars)
			_, err := parse(t, vars)
			assert.Error(t, err)
		})
	}
}

func TestParseDebugEphemeralKey(t *testing.T) {
	vars := minimal()
	delete(vars, "STOREFRONT_COOKIE_KEYS")
	vars["STOREFRONT_DEBUG"] = "true"
	cfg, err := parse(t, vars)
	require.NoError(t, err)
	assert.True(t, cfg.EphemeralKeys)
	assert.Len(t, cfg.CookieKeys[cfg.CookieKeyID], 32)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	var b strings.Builder
	for k, v := range minimal() {
		b.WriteString(k + "=" + v + "\n")
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "client-id", cfg.ClientID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
