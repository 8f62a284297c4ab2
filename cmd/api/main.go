package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"loops/api/internal/app"
	"loops/api/internal/billing"
	"loops/api/internal/blob"
	"loops/api/internal/cache"
	"loops/api/internal/capture"
	"loops/api/internal/config"
	"loops/api/internal/live"
	"loops/api/internal/logging"
	"loops/api/internal/notify"
	"loops/api/internal/retry"
	"loops/api/internal/search"
	"loops/api/internal/store"
	"loops/api/internal/validation"
)

// Run wires every component from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	var ds store.Store
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		pg := store.NewPostgresStore(db, cfg.DatabaseURL, log)
		defer pg.Close()
		ds = pg
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		ds = store.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	newRetry, err := reconnectRetryer(cfg)
	if err != nil {
		return err
	}
	liveOpts := []live.Option{live.WithRetryer(newRetry)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.SnapshotCacheTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisCache.Close()
		log.Info("using redis snapshot cache")
		liveOpts = append(liveOpts, live.WithCache(redisCache))
	}
	manager := live.NewManager(ds, log, liveOpts...)
	defer manager.Close()

	var opts []app.Option
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		storage, err := blob.NewMinioStorage(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("blob storage failed: %w", err)
		}
		opts = append(opts, app.WithBlobs(blob.NewUploader(storage, log)))
	} else {
		log.Warn("MINIO_ENDPOINT not set, uploads are discarded")
	}

	if cfg.CaptureEnabled {
		opts = append(opts, app.WithScreenshotter(capture.NewScreenshotter(capture.NewChrome(), log, capture.WithTimeout(cfg.CaptureTimeout))))
	}

	mailer := notify.NewSMTPMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		dispatcher := notify.NewDispatcher(mailer, app.NewUserDirectory(ds), cfg.AppBaseURL, log)
		defer dispatcher.Close()
		opts = append(opts, app.WithNotifier(dispatcher))
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		searchService := search.NewService(meili, log)
		defer searchService.Wait()
		opts = append(opts, app.WithSearch(searchService))
	}

	service := app.New(ds, log, opts...)
	defer service.Wait()

	var billingHandler http.Handler
	if cfg.BillingWebhookSecret != "" {
		billingHandler = billing.NewHandler(billing.NewApplier(ds, log), cfg.BillingWebhookSecret, log, validation.New())
	}

	httpServer := app.NewHTTPServer(service, manager, app.HTTPConfig{
		CORSOrigin:  cfg.CORSOrigin,
		TokenSecret: []byte(cfg.TokenSecret),
		Billing:     billingHandler,
	}, log)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("loops api listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func reconnectRetryer(cfg config.Config) (func() retry.Retryer, error) {
	switch cfg.ReconnectStrategy {
	case "fixed":
		return func() retry.Retryer {
			return retry.NewFixed(cfg.ReconnectDelay, cfg.ReconnectMaxAttempts)
		}, nil
	case "exponential":
		return func() retry.Retryer {
			r := retry.NewExponential()
			r.InitialDelay = cfg.ReconnectDelay
			r.MaxRetries = cfg.ReconnectMaxAttempts
			return r
		}, nil
	default:
		return nil, fmt.Errorf("unknown reconnect strategy %q", cfg.ReconnectStrategy)
	}
}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := Run(ctx, cfg, log); err != nil {
		log.Error("loops api stopped", zap.Error(err))
		os.Exit(1)
	}
}
