package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/bridge"
	"github.com/mnehpets/storefront/config"
	"github.com/mnehpets/storefront/customer"
	"github.com/mnehpets/storefront/metrics"
	"github.com/mnehpets/storefront/middleware"
	"github.com/mnehpets/storefront/replay"
	"github.com/mnehpets/storefront/session"
	"github.com/mnehpets/storefront/store/sqlite"
	"github.com/mnehpets/storefront/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Wire builds Deps from cfg. The returned close function releases the link
// store and the Redis client.
func Wire(ctx context.Context, cfg config.Config, log zerolog.Logger, reg *prometheus.Registry) (Deps, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	m := metrics.New(reg)
	up := upstream.New(upstream.WithTimeout(cfg.UpstreamTimeout), upstream.WithObserver(m))
	headers := middleware.NewHeadersProcessor(middleware.WithAllowedOrigins(cfg.AllowedOrigins...))

	sessions, err := session.NewStore(cfg.CookieKeyID, cfg.CookieKeys,
		session.WithCookieOptions(cfg.CookieOptions()...),
		session.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		return Deps{}, nil, fmt.Errorf("session store: %w", err)
	}

	var health []Pinger
	var guard replay.Guard = replay.NewMemory(auth.FlowTTL)
	if cfg.RedisURL != "" {
		client, err := replay.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return Deps{}, nil, fmt.Errorf("replay guard: %w", err)
		}
		closers = append(closers, client.Close)
		guard = replay.NewRedis(client, "storefront:replay:")
		health = append(health, PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	authHandler, err := auth.NewHandler(auth.Config{
		ShopDomain:       cfg.ShopDomain,
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		ClientAuth:       cfg.ClientAuth,
		RedirectURI:      cfg.RedirectURI,
		Scopes:           cfg.Scopes,
		Locale:           cfg.Locale,
		AccessTokenField: cfg.AccessTokenField,
		SignInPath:       cfg.SignInPath,
		PostLoginPath:    cfg.PostLoginPath,
		PublicURL:        cfg.PublicURL,
		Debug:            cfg.Debug,
	}, up, sessions, cfg.CookieKeyID, cfg.CookieKeys,
		auth.WithProcessors(headers),
		auth.WithCookieOptions(cfg.CookieOptions()...),
		auth.WithReplayGuard(guard),
		auth.WithObserver(m),
	)
	if err != nil {
		closeAll()
		return Deps{}, nil, fmt.Errorf("auth handler: %w", err)
	}

	deps := Deps{
		PublicURL:   cfg.PublicURL,
		Debug:       cfg.Debug,
		TokenPrefix: cfg.TokenPrefix,
		Logger:      log,
		Auth:        authHandler,
		Sessions:    sessions,
		Customers:   customer.NewClient(up, authHandler.Discoverer(), cfg.CustomerAPIDomain, cfg.TokenPrefix),
		Metrics:     m,
		Headers:     headers,
		Health:      health,
	}

	if cfg.BridgeEnabled() {
		links, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			closeAll()
			return Deps{}, nil, fmt.Errorf("link store: %w", err)
		}
		closers = append(closers, links.Close)
		deps.Health = append(deps.Health, links)

		opts := []bridge.Option{bridge.WithPageSize(cfg.BridgePageSize), bridge.WithObserver(m)}
		if cfg.CustomersTable != "" {
			opts = append(opts, bridge.WithMirror(bridge.NewPostgREST(up, cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.CustomersTable)))
		}
		deps.Bridge, err = bridge.New(
			bridge.NewGoTrue(up, cfg.SupabaseURL, cfg.SupabaseServiceKey),
			links,
			[]byte(cfg.BridgeSecret),
			opts...,
		)
		if err != nil {
			closeAll()
			return Deps{}, nil, fmt.Errorf("identity bridge: %w", err)
		}
	} else {
		log.Warn().Msg("identity bridge disabled: SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY and BRIDGE_SECRET are required")
	}
	return deps, closeAll, nil
}
