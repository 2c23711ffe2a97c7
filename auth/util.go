package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ValidateReturnPath returns p when it is a same-site relative path and "/"
// otherwise. Protocol-relative paths ("//host") and backslashes, which some
// browsers treat as slashes, are rejected.
func ValidateReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.ContainsRune(p, '\\') {
		return "/"
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "/"
		}
	}
	return p
}

// redactKeep is how many leading characters of a token survive Redact.
const redactKeep = 8

// Redact returns a log-safe form of a token.
func Redact(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= redactKeep {
		return "[redacted]"
	}
	return token[:redactKeep] + "..."
}

// TokenClaims are the access token claims reported by the token debug route.
type TokenClaims struct {
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	Email     string   `json:"email,omitempty"`
	ShopID    any      `json:"shop_id,omitempty"`
}

// ErrNotJWT is returned by DecodeClaims for opaque tokens.
var ErrNotJWT = NewError(KindInput, "not_jwt", "auth: token is not a JWT")

// DecodeClaims decodes the claims of a JWT access token without verifying it.
// prefix (for example "shcat_") is stripped first. The result is for
// diagnostics only.
func DecodeClaims(token, prefix string) (TokenClaims, error) {
	if prefix != "" {
		token = strings.TrimPrefix(token, prefix)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, errors.Join(ErrNotJWT, err)
	}

	var out TokenClaims
	out.Issuer, _ = claims.GetIssuer()
	out.Subject, _ = claims.GetSubject()
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Unix()
	}
	out.Email, _ = claims["email"].(string)
	out.ShopID = claims["shop_id"]
	return out, nil
}
