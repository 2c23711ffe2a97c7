package bridge

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/mnehpets/storefront/upstream"
)

// PostgREST is a Mirror writing to a table through the Supabase REST API. The
// table needs a unique shopify_id column.
type PostgREST struct {
	up         *upstream.Client
	baseURL    string
	serviceKey string
	table      string
}

// NewPostgREST returns a Mirror for table in the project at baseURL.
func NewPostgREST(up *upstream.Client, baseURL, serviceKey, table string) *PostgREST {
	return &PostgREST{up: up, baseURL: strings.TrimRight(baseURL, "/"), serviceKey: serviceKey, table: table}
}

func (p *PostgREST) UpsertCustomer(ctx context.Context, rec CustomerRecord) error {
	h := serviceHeader(p.serviceKey)
	h.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	target := p.baseURL + "/rest/v1/" + url.PathEscape(p.table) + "?on_conflict=shopify_id"
	_, err := p.up.SendJSON(ctx, "directory_upsert_customer", http.MethodPost, target, h, rec)
	return err
}
