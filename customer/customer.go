// Package customer calls the Shopify Customer Account GraphQL API on behalf of
// the signed-in customer.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/session"
	"github.com/mnehpets/storefront/upstream"
	"github.com/rs/zerolog"
)

const profileQuery = `query CustomerProfile {
  customer {
    id
    firstName
    lastName
    displayName
    emailAddress { emailAddress }
  }
}`

var (
	// ErrUnauthorized means the API rejected the access token.
	ErrUnauthorized = auth.NewError(auth.KindProviderRejected, "customer_unauthorized", "customer: access token rejected")
	// ErrNoCustomer means the API answered without a customer.
	ErrNoCustomer = auth.NewError(auth.KindNotFound, "no_customer", "customer: no customer for this token")

	errProviderAPI = auth.NewError(auth.KindProviderUnavailable, "provider_api_error", "customer: provider api error")
)

// ProviderAPIError is a non-2xx response other than 401, or a GraphQL error.
type ProviderAPIError struct {
	Status   int
	Body     string
	Messages []string
}

func (e *ProviderAPIError) Error() string {
	if len(e.Messages) > 0 {
		return "customer: graphql errors: " + strings.Join(e.Messages, "; ")
	}
	return fmt.Sprintf("customer: api returned %d", e.Status)
}

func (e *ProviderAPIError) Unwrap() error { return errProviderAPI }

// Customer is the profile of the signed-in customer.
type Customer struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// NormalizeToken adds prefix to token unless it is already there.
func NormalizeToken(token, prefix string) string {
	if prefix == "" || strings.HasPrefix(token, prefix) {
		return token
	}
	return prefix + token
}

// Client fetches customer data.
type Client struct {
	up     *upstream.Client
	disc   *auth.Discoverer
	domain string
	prefix string
}

// NewClient returns a Client that discovers the API on domain and sends tokens
// with prefix.
func NewClient(up *upstream.Client, disc *auth.Discoverer, domain, prefix string) *Client {
	return &Client{up: up, disc: disc, domain: domain, prefix: prefix}
}

type graphQLResponse struct {
	Data *struct {
		Customer *struct {
			ID           string `json:"id"`
			FirstName    string `json:"firstName"`
			LastName     string `json:"lastName"`
			DisplayName  string `json:"displayName"`
			EmailAddress *struct {
				EmailAddress string `json:"emailAddress"`
			} `json:"emailAddress"`
		} `json:"customer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchProfile returns the customer behind s.
func (c *Client) FetchProfile(ctx context.Context, s session.ProviderSession) (Customer, error) {
	if s.AccessToken == "" {
		return Customer{}, auth.ErrSessionMissing
	}
	api, err := c.disc.DiscoverResourceAPI(ctx, c.domain)
	if err != nil {
		return Customer{}, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+NormalizeToken(s.AccessToken, c.prefix))
	resp, err := c.up.SendJSON(ctx, "customer_graphql", http.MethodPost, api.GraphQLEndpoint, header, map[string]string{"query": profileQuery})
	if err != nil {
		var ue *upstream.Error
		if errors.As(err, &ue) && ue.StatusCode == http.StatusUnauthorized {
			return Customer{}, ErrUnauthorized
		}
		if errors.As(err, &ue) && ue.StatusCode != 0 {
			return Customer{}, &ProviderAPIError{Status: ue.StatusCode, Body: ue.Body}
		}
		return Customer{}, err
	}

	var out graphQLResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Customer{}, &ProviderAPIError{Status: resp.StatusCode, Messages: []string{"undecodable response"}}
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return Customer{}, &ProviderAPIError{Status: resp.StatusCode, Messages: msgs}
	}
	if out.Data == nil || out.Data.Customer == nil || out.Data.Customer.ID == "" {
		return Customer{}, ErrNoCustomer
	}

	gc := out.Data.Customer
	cust := Customer{
		ID:          gc.ID,
		FirstName:   gc.FirstName,
		LastName:    gc.LastName,
		DisplayName: gc.DisplayName,
	}
	if gc.EmailAddress != nil {
		cust.Email = gc.EmailAddress.EmailAddress
	}
	zerolog.Ctx(ctx).Debug().Str("customer", cust.ID).Msg("fetched customer profile")
	return cust, nil
}
