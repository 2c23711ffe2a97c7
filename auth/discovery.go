package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mnehpets/storefront/upstream"
)

// DiscoveryResult is the part of the provider's OpenID configuration the
// sign-in flow uses.
type DiscoveryResult struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// ResourceAPIResult locates the customer GraphQL API.
type ResourceAPIResult struct {
	GraphQLEndpoint string
}

// Discoverer reads the provider's well-known documents. Results are not cached,
// so every call reflects the provider's current configuration.
type Discoverer struct {
	client *upstream.Client
}

// NewDiscoverer returns a Discoverer that fetches through client.
func NewDiscoverer(client *upstream.Client) *Discoverer {
	return &Discoverer{client: client}
}

// Discover fetches https://{domain}/.well-known/openid-configuration.
func (d *Discoverer) Discover(ctx context.Context, domain string) (DiscoveryResult, error) {
	var res DiscoveryResult
	if err := d.client.GetJSON(ctx, "discovery", wellKnownURL(domain, "openid-configuration"), &res); err != nil {
		return DiscoveryResult{}, fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, err)
	}
	if res.AuthorizationEndpoint == "" || res.TokenEndpoint == "" {
		return DiscoveryResult{}, fmt.Errorf("%w: authorization_endpoint and token_endpoint are required", ErrDiscoveryMalformed)
	}
	return res, nil
}

// DiscoverResourceAPI fetches https://{domain}/.well-known/customer-account-api
// and extracts the GraphQL endpoint.
func (d *Discoverer) DiscoverResourceAPI(ctx context.Context, domain string) (ResourceAPIResult, error) {
	var doc map[string]json.RawMessage
	if err := d.client.GetJSON(ctx, "resource_discovery", wellKnownURL(domain, "customer-account-api"), &doc); err != nil {
		return ResourceAPIResult{}, fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, err)
	}
	endpoint := graphQLEndpoint(doc)
	if endpoint == "" {
		return ResourceAPIResult{}, fmt.Errorf("%w: no graphql endpoint", ErrDiscoveryMalformed)
	}
	return ResourceAPIResult{GraphQLEndpoint: endpoint}, nil
}

// graphQLEndpoint checks, in order: graphql_api, graphql.endpoint, graphql.url,
// graphql_url, graphqlEndpoint.
func graphQLEndpoint(doc map[string]json.RawMessage) string {
	if s := stringField(doc, "graphql_api"); s != "" {
		return s
	}
	if raw, ok := doc["graphql"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(raw, &nested) == nil {
			if s := stringField(nested, "endpoint"); s != "" {
				return s
			}
			if s := stringField(nested, "url"); s != "" {
				return s
			}
		}
	}
	if s := stringField(doc, "graphql_url"); s != "" {
		return s
	}
	return stringField(doc, "graphqlEndpoint")
}

func stringField(doc map[string]json.RawMessage, key string) string {
	raw, ok := doc[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// wellKnownURL builds the document URL. A domain that already carries a scheme
// is used as given.
func wellKnownURL(domain, doc string) string {
	base := strings.TrimRight(domain, "/")
	if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		base = "https://" + base
	}
	return base + "/.well-known/" + doc
}
