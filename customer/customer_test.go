package customer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/session"
	"github.com/mnehpets/storefront/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	srv *httptest.Server

	mu        sync.Mutex
	status    int
	body      string
	lastAuthz string
	lastQuery string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/customer-account-api", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"graphql_api": f.srv.URL + "/account/customer/api/unstable/graphql"})
	})
	mux.HandleFunc("POST /account/customer/api/unstable/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.lastAuthz = r.Header.Get("Authorization")
		f.lastQuery = req.Query
		status, body := f.status, f.body
		f.mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeAPI) last() (authz, query string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuthz, f.lastQuery
}

func newTestClient(f *fakeAPI, prefix string) *Client {
	up := upstream.New()
	return NewClient(up, auth.NewDiscoverer(up), f.srv.URL, prefix)
}

var liveSession = session.ProviderSession{AccessToken: "abc123token", ExpiresAt: time.Now().Add(time.Hour)}

func TestFetchProfile(t *testing.T) {
	f := newFakeAPI(t)
	f.respond(http.StatusOK, `{"data":{"customer":{
		"id":"gid://shopify/Customer/1",
		"firstName":"Ada","lastName":"Lovelace","displayName":"Ada Lovelace",
		"emailAddress":{"emailAddress":"ada@example.com"}}}}`)

	c, err := newTestClient(f, "shcat_").FetchProfile(context.Background(), liveSession)
	require.NoError(t, err)
	assert.Equal(t, Customer{
		ID:          "gid://shopify/Customer/1",
		Email:       "ada@example.com",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		DisplayName: "Ada Lovelace",
	}, c)
	authz, query := f.last()
	assert.Equal(t, "Bearer shcat_abc123token", authz)
	assert.Contains(t, query, "emailAddress")
}

func TestFetchProfile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     error
		wantKind auth.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, ErrUnauthorized, auth.KindProviderRejected},
		{"no customer", http.StatusOK, `{"data":{"customer":null}}`, ErrNoCustomer, auth.KindNotFound},
		{"graphql errors", http.StatusOK, `{"errors":[{"message":"throttled"}]}`, errProviderAPI, auth.KindProviderUnavailable},
		{"server error", http.StatusInternalServerError, `oops`, errProviderAPI, auth.KindProviderUnavailable},
		{"forbidden", http.StatusForbidden, `{}`, errProviderAPI, auth.KindProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeAPI(t)
			f.respond(tt.status, tt.body)
			_, err := newTestClient(f, "").FetchProfile(context.Background(), liveSession)
			assert.ErrorIs(t, err, tt.want)
			kind, _ := auth.Classify(err)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestFetchProfile_GraphQLErrorMessages(t *testing.T) {
	f := newFakeAPI(t)
	f.respond(http.StatusOK, `{"errors":[{"message":"a"},{"message":"b"}]}`)
	_, err := newTestClient(f, "").FetchProfile(context.Background(), liveSession)
	var pe *ProviderAPIError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"a", "b"}, pe.Messages)
}

func TestFetchProfile_NoSession(t *testing.T) {
	f := newFakeAPI(t)
	_, err := newTestClient(f, "").FetchProfile(context.Background(), session.ProviderSession{})
	assert.ErrorIs(t, err, auth.ErrSessionMissing)
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "shcat_abc", NormalizeToken("abc", "shcat_"))
	assert.Equal(t, "shcat_abc", NormalizeToken("shcat_abc", "shcat_"))
	assert.Equal(t, "abc", NormalizeToken("abc", ""))
	assert.Equal(t, NormalizeToken("abc", "p_"), NormalizeToken(NormalizeToken("abc", "p_"), "p_"))
}
