package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelpay/keysource/internal/gateway/dispatch"
	"github.com/modelpay/keysource/internal/gateway/handlers"
	"github.com/modelpay/keysource/internal/gateway/keystore"
	"github.com/modelpay/keysource/internal/gateway/ledger"
	"github.com/modelpay/keysource/internal/gateway/policy"
	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/usage"
	"github.com/modelpay/keysource/internal/shared/config"
	"github.com/modelpay/keysource/internal/shared/database"
	"github.com/modelpay/keysource/internal/shared/logging"
	"github.com/modelpay/keysource/internal/shared/metrics"
	"github.com/modelpay/keysource/internal/shared/redisclient"
	"github.com/modelpay/keysource/internal/shared/secrets"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the key-source routing gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.New(cfg.LogLevel, cfg.LogPretty)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Str("driver", cfg.DatabaseDriver).Msg("database ready")

			var limiter handlers.Redis
			if cfg.RedisURL != "" {
				rc, err := redisclient.New(ctx, cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				defer rc.Close()
				limiter = rc
				logger.Info().Msg("redis connected")
			} else {
				logger.Warn().Msg("redis not configured, rate limiting disabled")
			}

			enc, err := secrets.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				return fmt.Errorf("init encryptor: %w", err)
			}

			registry := providers.NewRegistry(cfg)
			keys := keystore.New(db, enc, registry, cfg.AuthFailureThreshold)
			credits := ledger.New(db)
			m := metrics.New()
			policyDB := policy.NewStore(db)
			resolver := policy.NewResolver(ctx, policyDB, cfg.PolicyCacheTTL, logger)
			recorder := usage.NewRecorder(db, credits, keys, m, logger)

			dispatcher := dispatch.New(registry, keys, credits, resolver, recorder, m, logger, dispatch.Options{
				RetryMaxAttempts:    cfg.RetryMaxAttempts,
				RetryBackoffInitial: cfg.RetryBackoffInitial,
				RetryBackoffMax:     cfg.RetryBackoffMax,
				ProviderTimeout:     cfg.ProviderTimeout,
			})

			h := handlers.New(handlers.Deps{
				Config:      cfg,
				DB:          db,
				Redis:       limiter,
				Keys:        keys,
				Credits:     credits,
				PolicyStore: policyDB,
				Policies:    resolver,
				Dispatcher:  dispatcher,
				Recorder:    recorder,
				Metrics:     m,
				Logger:      logger,
			})

			// WriteTimeout stays zero: SSE responses outlive any fixed
			// limit the unary endpoints would tolerate.
			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           h.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().
					Str("addr", srv.Addr).
					Str("env", cfg.Env).
					Strs("platformProviders", registry.PlatformProviders()).
					Msg("gateway listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info().Msg("gateway stopped")
			return nil
		},
	}
}
