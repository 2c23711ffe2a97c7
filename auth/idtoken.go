package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IDTokenVerifier checks ID tokens against the key set the provider advertises
// in its discovery document.
type IDTokenVerifier struct {
	hc       *http.Client
	clientID string
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	keySets map[string]*oidc.RemoteKeySet
}

// NewIDTokenVerifier returns a verifier that expects tokens issued to clientID.
func NewIDTokenVerifier(hc *http.Client, clientID string, timeout time.Duration) *IDTokenVerifier {
	return &IDTokenVerifier{
		hc:       hc,
		clientID: clientID,
		timeout:  timeout,
		now:      time.Now,
		keySets:  make(map[string]*oidc.RemoteKeySet),
	}
}

// keySet returns the cached remote key set for jwksURI. RemoteKeySet refreshes
// itself when it sees an unknown key id.
func (v *IDTokenVerifier) keySet(ctx context.Context, jwksURI string) *oidc.RemoteKeySet {
	v.mu.Lock()
	defer v.mu.Unlock()
	ks, ok := v.keySets[jwksURI]
	if !ok {
		ks = oidc.NewRemoteKeySet(oidc.ClientContext(ctx, v.hc), jwksURI)
		v.keySets[jwksURI] = ks
	}
	return ks
}

// Verify checks the signature, issuer, audience and expiry of rawIDToken. When
// both nonce and the token's nonce claim are non-empty they must match.
func (v *IDTokenVerifier) Verify(ctx context.Context, disc DiscoveryResult, rawIDToken, nonce string) (*oidc.IDToken, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	verifier := oidc.NewVerifier(disc.Issuer, v.keySet(ctx, disc.JWKSURI), &oidc.Config{
		ClientID:        v.clientID,
		SkipIssuerCheck: disc.Issuer == "",
		Now:             v.now,
	})
	tok, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIDTokenInvalid, err)
	}
	if nonce != "" && tok.Nonce != "" && subtle.ConstantTimeCompare([]byte(tok.Nonce), []byte(nonce)) != 1 {
		return nil, ErrNonceMismatch
	}
	return tok, nil
}
