package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type testPayload struct {
	Msg string
	Num int
}

func randomKeys(t *testing.T, ids ...string) map[string][]byte {
	t.Helper()
	keys := make(map[string][]byte, len(ids))
	for _, id := range ids {
		k := make([]byte, DefaultAEADKeysize)
		_, err := rand.Read(k)
		require.NoError(t, err)
		keys[id] = k
	}
	return keys
}

func TestSecureCookie_RoundTrip(t *testing.T) {
	sc, err := NewSecureCookie[testPayload]("sc", "a", randomKeys(t, "a"),
		WithDomain("example.com"), WithSecure(true), WithSameSite(http.SameSiteNoneMode))
	require.NoError(t, err)

	want := testPayload{Msg: "hello world", Num: 1}
	ck, err := sc.Encode(want, 3600)
	require.NoError(t, err)

	assert.Equal(t, "sc", ck.Name)
	assert.Equal(t, "example.com", ck.Domain)
	assert.Equal(t, "/", ck.Path)
	assert.Equal(t, 3600, ck.MaxAge)
	assert.True(t, ck.HttpOnly)
	assert.True(t, ck.Secure)
	assert.Equal(t, http.SameSiteNoneMode, ck.SameSite)
	assert.NotContains(t, ck.Value, "hello")

	got, err := sc.Decode(ck)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSecureCookie_SameSiteNoneRequiresSecure(t *testing.T) {
	_, err := NewSecureCookie[testPayload]("sc", "a", randomKeys(t, "a"),
		WithSecure(false), WithSameSite(http.SameSiteNoneMode))
	assert.ErrorIs(t, err, ErrCookieConfig)
}

func TestSecureCookie_KeyRotation(t *testing.T) {
	keys := randomKeys(t, "old", "new")
	oldCookie, err := NewSecureCookie[testPayload]("sc", "old", keys)
	require.NoError(t, err)
	newCookie, err := NewSecureCookie[testPayload]("sc", "new", keys)
	require.NoError(t, err)

	ck, err := oldCookie.Encode(testPayload{Msg: "k"}, 60)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ck.Value, "old."))

	got, err := newCookie.Decode(ck)
	require.NoError(t, err, "values sealed with a retired key stay readable")
	assert.Equal(t, "k", got.Msg)

	ck2, err := newCookie.Encode(got, 60)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ck2.Value, "new."))
}

func TestSecureCookie_RejectsTamperingAndCrossCookieReplay(t *testing.T) {
	keys := randomKeys(t, "a")
	sc, err := NewSecureCookie[testPayload]("one", "a", keys)
	require.NoError(t, err)
	other, err := NewSecureCookie[testPayload]("two", "a", keys)
	require.NoError(t, err)

	ck, err := sc.Encode(testPayload{Msg: "x"}, 60)
	require.NoError(t, err)

	_, err = other.Decode(&http.Cookie{Name: "two", Value: ck.Value})
	assert.ErrorIs(t, err, ErrCookieInvalid)

	tampered := *ck
	tampered.Value = ck.Value[:len(ck.Value)-2] + "AA"
	_, err = sc.Decode(&tampered)
	assert.Error(t, err)

	_, err = sc.Decode(&http.Cookie{Name: "one", Value: "no-dot"})
	assert.ErrorIs(t, err, ErrCookieFormat)

	_, err = sc.Decode(&http.Cookie{Name: "one", Value: "zz.AAAA"})
	assert.ErrorIs(t, err, ErrCookieInvalid)

	_, err = sc.Decode(&http.Cookie{Name: "one", Value: "a." + strings.Repeat("A", maxCookieLen)})
	assert.ErrorIs(t, err, ErrCookieFormat)
}

func TestSecureCookie_Clear(t *testing.T) {
	sc, err := NewSecureCookie[testPayload]("sc", "a", randomKeys(t, "a"), WithPath("/auth"), WithDomain("example.com"))
	require.NoError(t, err)

	c := sc.Clear()
	assert.Equal(t, "sc", c.Name)
	assert.Equal(t, "/auth", c.Path)
	assert.Equal(t, "example.com", c.Domain)
	assert.Less(t, c.MaxAge, 0)
	assert.Empty(t, c.Value)
	assert.True(t, c.HttpOnly)

	w := httptest.NewRecorder()
	http.SetCookie(w, c)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "Max-Age=0")
}

func TestSecureCookie_RejectsNonPositiveMaxAge(t *testing.T) {
	sc, err := NewSecureCookie[testPayload]("sc", "a", randomKeys(t, "a"))
	require.NoError(t, err)
	_, err = sc.Encode(testPayload{}, 0)
	assert.ErrorIs(t, err, ErrCookieConfig)
}

func TestSecureCookie_CustomAEADAndCodec(t *testing.T) {
	keys := map[string][]byte{"g": make([]byte, 16)}
	sc, err := NewSecureCookie[testPayload]("sc", "g", keys,
		WithAEAD(newAESGCMAEAD),
		WithMarshalUnmarshal(json.Marshal, json.Unmarshal))
	require.NoError(t, err)

	ck, err := sc.Encode(testPayload{Msg: "gcm", Num: 7}, 60)
	require.NoError(t, err)
	got, err := sc.Decode(ck)
	require.NoError(t, err)
	assert.Equal(t, testPayload{Msg: "gcm", Num: 7}, got)
}

func TestNewCodec_Validation(t *testing.T) {
	_, err := NewCodec("a", nil, newAESGCMAEAD)
	assert.ErrorIs(t, err, ErrCookieConfig)

	_, err = NewCodec("missing", map[string][]byte{"a": make([]byte, 16)}, newAESGCMAEAD)
	assert.ErrorIs(t, err, ErrCookieConfig)

	_, err = NewCodec("a", map[string][]byte{"a": make([]byte, 3)}, newAESGCMAEAD)
	assert.ErrorIs(t, err, ErrCookieConfig)

	_, err = NewCodec("a.b", map[string][]byte{"a.b": make([]byte, 16)}, newAESGCMAEAD)
	assert.ErrorIs(t, err, ErrCookieConfig)
}

func TestReadCookie(t *testing.T) {
	sc, err := NewSecureCookie[testPayload]("sc", "a", randomKeys(t, "a"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = ReadCookie(r, sc)
	assert.ErrorIs(t, err, http.ErrNoCookie)

	ck, err := sc.Encode(testPayload{Msg: "m"}, 60)
	require.NoError(t, err)
	r.AddCookie(ck)
	got, err := ReadCookie(r, sc)
	require.NoError(t, err)
	assert.Equal(t, "m", got.Msg)
}
