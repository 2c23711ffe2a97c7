package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// verifierBytes is the number of random bytes behind a PKCE verifier. 32 bytes
// encode to 43 characters, the RFC 7636 minimum.
const verifierBytes = 32

// stateBytes is the number of random bytes behind a state or nonce value.
const stateBytes = 32

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() (string, error) {
	return randomString(verifierBytes)
}

// DeriveChallenge returns the S256 code challenge for verifier.
func DeriveChallenge(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// GenerateState returns a random, URL-safe value for the state parameter or
// the OIDC nonce.
func GenerateState() (string, error) {
	return randomString(stateBytes)
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
