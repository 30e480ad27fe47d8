// Package server runs the billing HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaymesh/billingd/internal/billing"
	"github.com/relaymesh/billingd/internal/config"
	"github.com/relaymesh/billingd/internal/directory"
	"github.com/relaymesh/billingd/internal/logging"
	"github.com/relaymesh/billingd/internal/pricing"
	"github.com/relaymesh/billingd/internal/store"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billingd",
	})

	log.Info().Str("version", version).Msg("Starting billing service")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	st, err := store.New(cfg.StoreDir())
	if err != nil {
		return fmt.Errorf("open billing store: %w", err)
	}
	defer st.Close()

	var dir directory.Directory
	if cfg.DirectoryBaseURL != "" {
		dir = directory.NewClient(cfg.DirectoryBaseURL, cfg.DirectoryToken)
	} else {
		// No directory configured; organizations must be pre-bound.
		// Useful for local development against the Stripe test mode.
		log.Warn().Msg("DIRECTORY_BASE_URL not set, using in-memory organization directory")
		dir = directory.NewMemory()
	}

	catalog := pricing.NewCatalog(pricing.CatalogConfig{
		ProMonth:        cfg.PriceProMonth,
		ProYear:         cfg.PriceProYear,
		EnterpriseMonth: cfg.PriceEnterpriseMonth,
		EnterpriseYear:  cfg.PriceEnterpriseYear,
	})

	svc := billing.NewService(billing.Options{
		Store:            st,
		Directory:        dir,
		Catalog:          catalog,
		Client:           billing.NewClient(cfg.StripeAPIKey),
		TrialDays:        cfg.TrialDays,
		RefundWindowDays: cfg.RefundWindowDays,
		BaseURL:          cfg.BaseURL,
	})

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:  cfg,
		Store:   st,
		Service: svc,
		Version: version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing service stopped")
	return nil
}
