// Command storefront runs the customer sign-in service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/config"
	"github.com/mnehpets/storefront/middleware"
	"github.com/mnehpets/storefront/server"
	"github.com/mnehpets/storefront/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "storefront",
		Short:         "Shopify customer sign-in service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment")

	root.AddCommand(
		newServeCmd(&envFiles),
		newDiscoverCmd(&envFiles),
		newPKCECmd(),
		newKeygenCmd(),
	)
	return root
}

func newServeCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sign-in, session, profile and bridge routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFiles...)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.EphemeralKeys {
		log.Warn().Msg("STOREFRONT_COOKIE_KEYS not set; using an ephemeral key, sessions end on restart")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps, closeDeps, err := server.Wire(log.WithContext(ctx), cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDeps(); err != nil {
			log.Error().Err(err).Msg("closing dependencies")
		}
	}()
	srv, err := server.New(deps)
	if err != nil {
		return err
	}

	hs := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("public_url", cfg.PublicURL).
			Bool("bridge", cfg.BridgeEnabled()).Bool("debug", cfg.Debug).Msg("listening")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg config.Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("STOREFRONT_LOG_LEVEL: %w", err)
	}
	if cfg.Debug {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "storefront").Logger(), nil
}

func newDiscoverCmd(envFiles *[]string) *cobra.Command {
	var shop string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the shop's OpenID configuration and customer API endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if shop == "" {
				cfg, err := config.Load(*envFiles...)
				if err != nil {
					return fmt.Errorf("--shop not given: %w", err)
				}
				shop = cfg.ShopDomain
			}
			disc := auth.NewDiscoverer(upstream.New())
			res, err := disc.Discover(cmd.Context(), shop)
			if err != nil {
				return err
			}
			out := struct {
				auth.DiscoveryResult
				GraphQLEndpoint string `json:"graphql_api,omitempty"`
			}{DiscoveryResult: res}
			if api, err := disc.DiscoverResourceAPI(cmd.Context(), shop); err == nil {
				out.GraphQLEndpoint = api.GraphQLEndpoint
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), "customer api:", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "shop domain (defaults to SHOPIFY_SHOP_DOMAIN)")
	return cmd
}

func newPKCECmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pkce [verifier]",
		Short: "Print a PKCE verifier and its S256 challenge",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var verifier string
			if len(args) == 1 {
				verifier = args[0]
			} else {
				var err error
				if verifier, err = auth.GenerateVerifier(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verifier:  %s\nchallenge: %s\n", verifier, auth.DeriveChallenge(verifier))
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new STOREFRONT_COOKIE_KEYS entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, middleware.DefaultAEADKeysize)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", id, base64.RawURLEncoding.EncodeToString(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", time.Now().UTC().Format("20060102"), "key id")
	return cmd
}
