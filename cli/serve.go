package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkantrust/donation-settlement/config"
	"github.com/arkantrust/donation-settlement/donation"
	"github.com/arkantrust/donation-settlement/eligibility"
	"github.com/arkantrust/donation-settlement/handlers"
	"github.com/arkantrust/donation-settlement/identity"
	"github.com/arkantrust/donation-settlement/ledger"
	"github.com/arkantrust/donation-settlement/models"
	"github.com/arkantrust/donation-settlement/payload"
	"github.com/arkantrust/donation-settlement/pricing"
	"github.com/arkantrust/donation-settlement/signer"
	"github.com/arkantrust/donation-settlement/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the settlement HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(os.Stderr)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// app is the wired service.
type app struct {
	store       store.Store
	ledger      *ledger.Client
	coordinator *payload.Coordinator
	handler     http.Handler
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "store", cfg.Store.Driver, "ledger", cfg.Ledger.Endpoint)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
	// Push listeners are bound to ctx and exit once it is done.
	a.coordinator.Wait()
	return nil
}

// build wires every component. Push listeners live until ctx ends.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	l := ledger.NewClient(cfg.Ledger.Endpoint, ledger.WithTimeout(cfg.Ledger.Timeout), ledger.WithLogger(logger))
	provider := signer.NewClient(cfg.Signer.BaseURL, cfg.Signer.APIKey, cfg.Signer.APISecret,
		signer.WithTimeout(cfg.Signer.Timeout), signer.WithLogger(logger))

	coordOpts := []payload.Option{payload.WithLogger(logger), payload.WithLinkTTL(cfg.Link.RequestTTL)}
	if cfg.Signer.Push {
		coordOpts = append(coordOpts, payload.WithSubscriber(ctx, signer.NewListener(time.Minute, logger)))
	}
	coord := payload.New(s, provider, coordOpts...)

	prices, err := newPricingEngine(cfg, l, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	maxAmount, err := cfg.Donation.MaxAmountXRP()
	if err != nil {
		s.Close()
		return nil, err
	}
	engine, err := donation.NewEngine(s, coord, prices, eligibility.NewGate(l, logger), l, donation.Config{
		MaxAmount:     maxAmount,
		RequestTTL:    cfg.Donation.RequestTTL,
		QuoteOnCreate: cfg.Donation.QuoteOnCreate,
	}, donation.WithLogger(logger))
	if err != nil {
		s.Close()
		return nil, err
	}
	coord.Register(models.KindDonation, engine)

	h := handlers.New(handlers.Deps{
		Payloads:      coord,
		Donations:     engine,
		Identity:      identity.NewGitHubVerifier(cfg.Identity.GitHubAPI, cfg.Identity.Timeout, logger),
		WebhookSecret: cfg.Signer.WebhookKey(),
		CORSOrigin:    cfg.Server.CORSOrigin,
		Health:        l.Ping,
		Logger:        logger,
	})
	return &app{store: s, ledger: l, coordinator: coord, handler: h.Routes()}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "dynamodb":
		return store.NewDynamoFromConfig(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint, cfg.DynamoTable)
	default:
		s, err := store.NewBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", cfg.BoltPath, err)
		}
		return s, nil
	}
}

// newPricingEngine prices against the XRP/quote order book through a rate
// cache.
func newPricingEngine(cfg *config.Config, books pricing.OrderBookReader, logger *slog.Logger) (*pricing.Engine, error) {
	src := pricing.OrderBookSource{Books: books, Base: ledger.XRP, Quote: cfg.Pricing.QuoteCurrency()}
	cache := pricing.NewRateCache(src, cfg.Pricing.CacheTTL, pricing.WithCacheLogger(logger))
	return pricing.NewEngine(cfg.Pricing.Parameters, cache)
}
