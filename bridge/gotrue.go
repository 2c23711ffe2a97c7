package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mnehpets/storefront/upstream"
)

// GoTrue is a Directory backed by the Supabase auth admin API.
type GoTrue struct {
	up         *upstream.Client
	baseURL    string
	serviceKey string
}

// NewGoTrue returns a GoTrue directory for the project at baseURL, using the
// service role key for admin calls.
func NewGoTrue(up *upstream.Client, baseURL, serviceKey string) *GoTrue {
	return &GoTrue{up: up, baseURL: strings.TrimRight(baseURL, "/"), serviceKey: serviceKey}
}

func (g *GoTrue) header() http.Header {
	return serviceHeader(g.serviceKey)
}

func serviceHeader(key string) http.Header {
	h := http.Header{}
	h.Set("apikey", key)
	h.Set("Authorization", "Bearer "+key)
	return h
}

func (g *GoTrue) CreateUser(ctx context.Context, attrs UserAttributes) (DirectoryUser, error) {
	resp, err := g.up.SendJSON(ctx, "directory_create_user", http.MethodPost, g.baseURL+"/auth/v1/admin/users", g.header(), attrs)
	if err != nil {
		if isDuplicate(err) {
			return DirectoryUser{}, fmt.Errorf("%w: %w", ErrUserExists, err)
		}
		return DirectoryUser{}, err
	}
	return decodeUser(resp.Body)
}

func (g *GoTrue) UpdateUser(ctx context.Context, id string, attrs UserAttributes) (DirectoryUser, error) {
	resp, err := g.up.SendJSON(ctx, "directory_update_user", http.MethodPut, g.baseURL+"/auth/v1/admin/users/"+url.PathEscape(id), g.header(), attrs)
	if err != nil {
		if upstream.StatusCode(err) == http.StatusNotFound {
			return DirectoryUser{}, fmt.Errorf("%w: %w", ErrUserNotFound, err)
		}
		return DirectoryUser{}, err
	}
	return decodeUser(resp.Body)
}

func (g *GoTrue) ListUsers(ctx context.Context, page, perPage int) ([]DirectoryUser, error) {
	q := url.Values{"page": {strconv.Itoa(page)}, "per_page": {strconv.Itoa(perPage)}}
	req, err := http.NewRequest(http.MethodGet, g.baseURL+"/auth/v1/admin/users?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = g.header()
	req.Header.Set("Accept", "application/json")
	resp, err := g.up.Do(ctx, "directory_list_users", req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Users []DirectoryUser `json:"users"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode user list: %w", err)
	}
	return out.Users, nil
}

func (g *GoTrue) SignInWithPassword(ctx context.Context, email, password string) (InternalSession, error) {
	h := http.Header{}
	h.Set("apikey", g.serviceKey)
	body := map[string]string{"email": email, "password": password}
	resp, err := g.up.SendJSON(ctx, "directory_sign_in", http.MethodPost, g.baseURL+"/auth/v1/token?grant_type=password", h, body)
	if err != nil {
		return InternalSession{}, err
	}
	var s InternalSession
	if err := json.Unmarshal(resp.Body, &s); err != nil {
		return InternalSession{}, fmt.Errorf("decode session: %w", err)
	}
	if s.AccessToken == "" {
		return InternalSession{}, errors.New("directory session has no access token")
	}
	return s, nil
}

func decodeUser(body []byte) (DirectoryUser, error) {
	var u DirectoryUser
	if err := json.Unmarshal(body, &u); err != nil {
		return DirectoryUser{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

// isDuplicate recognises GoTrue's "email already registered" answers: 409, or
// 422 with an email_exists code or message.
func isDuplicate(err error) bool {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.StatusCode {
	case http.StatusConflict:
		return true
	case http.StatusUnprocessableEntity:
		body := strings.ToLower(ue.Body)
		return strings.Contains(body, "email_exists") ||
			strings.Contains(body, "already been registered") ||
			strings.Contains(body, "already exists")
	}
	return false
}
