// Package bridge links a Shopify customer to a user in the internal identity
// directory and signs that user in.
//
// The directory password is derived from the customer's external subject with
// an HMAC, so the bridge can always sign the user in again without storing a
// secret per user.
package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mnehpets/storefront/auth"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the directory listing page size used to resolve duplicates.
const DefaultPageSize = 100

// maxPages bounds the duplicate-resolution scan.
const maxPages = 1000

var (
	// ErrProvisioningFailed wraps every LinkOrCreate failure.
	ErrProvisioningFailed = auth.NewError(auth.KindBridgeProvisioning, "bridge_provisioning_failed", "bridge: provisioning failed")

	// ErrLinkNotFound is returned by Links.Get for an unknown subject.
	ErrLinkNotFound = errors.New("bridge: link not found")
	// ErrUserNotFound is returned by a Directory for an unknown user id.
	ErrUserNotFound = errors.New("bridge: directory user not found")
	// ErrUserExists is returned by a Directory when the email is taken.
	ErrUserExists = errors.New("bridge: directory user already exists")
)

// Identity links an external subject to an internal user.
type Identity struct {
	ExternalSubject string
	Email           string
	InternalUserID  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Links persists identities. At most one identity exists per external subject.
type Links interface {
	Get(ctx context.Context, externalSubject string) (Identity, error)
	Upsert(ctx context.Context, id Identity) error
}

// DirectoryUser is a user of the internal identity directory.
type DirectoryUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// UserAttributes are written on create and update.
type UserAttributes struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	EmailConfirm bool           `json:"email_confirm"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// InternalSession is the directory session issued to the bridged user.
type InternalSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Directory is the internal identity directory.
type Directory interface {
	CreateUser(ctx context.Context, attrs UserAttributes) (DirectoryUser, error)
	UpdateUser(ctx context.Context, id string, attrs UserAttributes) (DirectoryUser, error)
	ListUsers(ctx context.Context, page, perPage int) ([]DirectoryUser, error)
	SignInWithPassword(ctx context.Context, email, password string) (InternalSession, error)
}

// Profile is the external identity to bridge.
type Profile struct {
	ExternalSubject string
	Email           string
	FirstName       string
	LastName        string
}

// Outcome says how the directory user was resolved.
type Outcome string

const (
	OutcomeLinked  Outcome = "linked"
	OutcomeCreated Outcome = "created"
	OutcomeMatched Outcome = "matched"
)

// Result is a successful bridge.
type Result struct {
	User    DirectoryUser
	Session InternalSession
	Outcome Outcome
}

// CustomerRecord is the customer row mirrored next to the directory user.
type CustomerRecord struct {
	ShopifyID string    `json:"shopify_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mirror keeps a copy of the customer profile in the directory's database.
type Mirror interface {
	UpsertCustomer(ctx context.Context, rec CustomerRecord) error
}

// Observer receives one outcome per LinkOrCreate call, "failed" on error.
type Observer interface {
	BridgeFinished(outcome string)
}

// Bridge runs the link-or-create algorithm.
type Bridge struct {
	dir      Directory
	links    Links
	secret   []byte
	pageSize int
	observer Observer
	mirror   Mirror
	now      func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPageSize sets the directory listing page size.
func WithPageSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observer = o }
}

// WithMirror upserts a customer row after every successful link. Mirror
// failures are logged and do not fail the bridge.
func WithMirror(m Mirror) Option {
	return func(b *Bridge) { b.mirror = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New returns a Bridge. secret keys the derived credentials and must not be empty.
func New(dir Directory, links Links, secret []byte, opts ...Option) (*Bridge, error) {
	if dir == nil || links == nil {
		return nil, errors.New("bridge: directory and link store are required")
	}
	if len(secret) == 0 {
		return nil, errors.New("bridge: secret is required")
	}
	b := &Bridge{
		dir:      dir,
		links:    links,
		secret:   secret,
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// DeriveCredential returns base64url(HMAC-SHA256(secret, "shopify:"+subject)).
func DeriveCredential(secret []byte, externalSubject string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("shopify:" + externalSubject))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// LinkOrCreate resolves the directory user for p, records the link, and signs
// the user in. Concurrent calls for the same customer converge on one user
// through the duplicate path.
func (b *Bridge) LinkOrCreate(ctx context.Context, p Profile) (Result, error) {
	res, err := b.linkOrCreate(ctx, p)
	if err != nil {
		b.observe("failed")
		zerolog.Ctx(ctx).Error().Err(err).Str("subject", p.ExternalSubject).Msg("identity bridge failed")
		return Result{}, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}
	b.observe(string(res.Outcome))
	zerolog.Ctx(ctx).Info().
		Str("subject", p.ExternalSubject).
		Str("user", res.User.ID).
		Str("outcome", string(res.Outcome)).
		Msg("identity bridged")
	return res, nil
}

func (b *Bridge) linkOrCreate(ctx context.Context, p Profile) (Result, error) {
	p.Email = strings.TrimSpace(p.Email)
	if p.ExternalSubject == "" || p.Email == "" {
		return Result{}, errors.New("external subject and email are required")
	}
	cred := DeriveCredential(b.secret, p.ExternalSubject)
	attrs := UserAttributes{
		Email:        p.Email,
		Password:     cred,
		EmailConfirm: true,
		UserMetadata: map[string]any{
			"provider":            "shopify",
			"shopify_customer_id": p.ExternalSubject,
			"first_name":          p.FirstName,
			"last_name":           p.LastName,
		},
	}

	var (
		user    DirectoryUser
		outcome Outcome
		created time.Time
	)
	link, err := b.links.Get(ctx, p.ExternalSubject)
	switch {
	case err == nil:
		created = link.CreatedAt
		user, err = b.dir.UpdateUser(ctx, link.InternalUserID, attrs)
		switch {
		case err == nil:
			outcome = OutcomeLinked
		case errors.Is(err, ErrUserNotFound):
			zerolog.Ctx(ctx).Warn().Str("user", link.InternalUserID).Msg("linked directory user is gone, recreating")
			user = DirectoryUser{}
		default:
			return Result{}, fmt.Errorf("update linked user: %w", err)
		}
	case errors.Is(err, ErrLinkNotFound):
	default:
		return Result{}, fmt.Errorf("read link: %w", err)
	}

	if user.ID == "" {
		user, err = b.dir.CreateUser(ctx, attrs)
		switch {
		case err == nil:
			outcome = OutcomeCreated
		case errors.Is(err, ErrUserExists):
			existing, err := b.findByEmail(ctx, p.Email)
			if err != nil {
				return Result{}, err
			}
			if user, err = b.dir.UpdateUser(ctx, existing.ID, attrs); err != nil {
				return Result{}, fmt.Errorf("update matched user: %w", err)
			}
			outcome = OutcomeMatched
		default:
			return Result{}, fmt.Errorf("create user: %w", err)
		}
	}
	if user.ID == "" {
		return Result{}, errors.New("directory returned a user without id")
	}

	now := b.now().UTC()
	if created.IsZero() {
		created = now
	}
	if err := b.links.Upsert(ctx, Identity{
		ExternalSubject: p.ExternalSubject,
		Email:           p.Email,
		InternalUserID:  user.ID,
		CreatedAt:       created,
		UpdatedAt:       now,
	}); err != nil {
		return Result{}, fmt.Errorf("store link: %w", err)
	}
	if b.mirror != nil {
		rec := CustomerRecord{
			ShopifyID: p.ExternalSubject,
			Email:     p.Email,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			UpdatedAt: now,
		}
		if err := b.mirror.UpsertCustomer(ctx, rec); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("subject", p.ExternalSubject).Msg("customer mirror failed")
		}
	}

	sess, err := b.dir.SignInWithPassword(ctx, p.Email, cred)
	if err != nil {
		return Result{}, fmt.Errorf("sign in: %w", err)
	}
	if user.Email == "" {
		user.Email = p.Email
	}
	return Result{User: user, Session: sess, Outcome: outcome}, nil
}

// findByEmail pages through the directory until a case-insensitive match.
func (b *Bridge) findByEmail(ctx context.Context, email string) (DirectoryUser, error) {
	for page := 1; page <= maxPages; page++ {
		users, err := b.dir.ListUsers(ctx, page, b.pageSize)
		if err != nil {
			return DirectoryUser{}, fmt.Errorf("list users page %d: %w", page, err)
		}
		for _, u := range users {
			if strings.EqualFold(u.Email, email) {
				return u, nil
			}
		}
		if len(users) < b.pageSize {
			break
		}
	}
	return DirectoryUser{}, errors.New("directory reported a duplicate but no user matched the email")
}

func (b *Bridge) observe(outcome string) {
	if b.observer != nil {
		b.observer.BridgeFinished(outcome)
	}
}
