package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/storyboard-ai/backend/internal/auth"
	"github.com/storyboard-ai/backend/internal/config"
	"github.com/storyboard-ai/backend/internal/database"
	"github.com/storyboard-ai/backend/internal/handlers"
	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/logging"
	"github.com/storyboard-ai/backend/internal/metrics"
	"github.com/storyboard-ai/backend/internal/pricing"
	"github.com/storyboard-ai/backend/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	prices, err := pricing.WithOverrides(cfg.Pricing.TextRates, cfg.Pricing.ImageModel, cfg.Pricing.ImageRate)
	if err != nil {
		return fmt.Errorf("build pricing table: %w", err)
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	ledgerSvc := ledger.NewService(store, prices, ledger.Config{
		Seed:           ledger.Seed{TextCredits: cfg.Credits.InitialText, ImageCredits: cfg.Credits.InitialImage},
		MaxImageCount:  cfg.Credits.MaxImageCount,
		MaxRetries:     cfg.Ledger.MaxRetries,
		RetryBaseDelay: cfg.Ledger.RetryBaseDelay,
	}, logger, m)

	handler := buildHandler(ledgerSvc, verifier, handlers.Health(ping), m, cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server",
			zap.String("addr", srv.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("auth", cfg.Auth.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore returns the configured AccountStore, a health probe and a closer.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.AccountStore, handlers.Pinger, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		pool, db, err := database.Open(connectCtx, database.Options{
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		if cfg.Database.MigrateOnStart {
			if err := database.Migrate(ctx, db); err != nil {
				_ = db.Close()
				pool.Close()
				return nil, nil, nil, err
			}
			logger.Info("migrations applied")
		}
		closer := func() {
			_ = db.Close()
			pool.Close()
		}
		return repository.NewAccountRepo(pool), pool.Ping, closer, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return repository.NewRedisAccountRepo(client, cfg.Redis.KeyPrefix), ping, func() { _ = client.Close() }, nil

	default:
		logger.Warn("using in-memory credit store; balances are lost on restart")
		return repository.NewMemoryAccountRepo(), nil, func() {}, nil
	}
}

func newVerifier(cfg *config.Config) (auth.Verifier, error) {
	if cfg.Auth.Mode == config.AuthModeRemote {
		v, err := auth.NewRemoteVerifier(cfg.Auth.ProviderURL, cfg.Auth.ProviderAPIKey, &http.Client{Timeout: cfg.Auth.Timeout})
		if err != nil {
			return nil, fmt.Errorf("remote verifier: %w", err)
		}
		return v, nil
	}
	v, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	if err != nil {
		return nil, fmt.Errorf("jwt verifier: %w", err)
	}
	return v, nil
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
}
