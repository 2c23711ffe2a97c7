package auth

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var unpaddedBase64URL = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGenerateVerifier(t *testing.T) {
	v, err := GenerateVerifier()
	require.NoError(t, err)
	assert.Len(t, v, 43)
	assert.Regexp(t, unpaddedBase64URL, v)

	v2, err := GenerateVerifier()
	require.NoError(t, err)
	assert.NotEqual(t, v, v2)
}

func TestDeriveChallenge(t *testing.T) {
	// RFC 7636 appendix B.
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		DeriveChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))

	v, err := GenerateVerifier()
	require.NoError(t, err)
	c := DeriveChallenge(v)
	assert.Len(t, c, 43)
	assert.Regexp(t, unpaddedBase64URL, c)
	assert.Equal(t, c, DeriveChallenge(v))
}

func TestGenerateState(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := GenerateState()
		require.NoError(t, err)
		assert.Regexp(t, unpaddedBase64URL, s)
		assert.False(t, seen[s])
		seen[s] = true
	}
}

func TestRandomnessUnavailable(t *testing.T) {
	orig := randReader
	randReader = failingReader{}
	defer func() { randReader = orig }()

	_, err := GenerateVerifier()
	assert.ErrorIs(t, err, ErrRandomnessUnavailable)
	_, err = GenerateState()
	assert.ErrorIs(t, err, ErrRandomnessUnavailable)

	kind, code := Classify(err)
	assert.Equal(t, KindInternal, kind)
	assert.Equal(t, "randomness_unavailable", code)
}
