// Package main implements a service that watches a classifieds site for car
// listings and notifies users whose saved filters match new inventory.
package main

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

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"carwatch/extract"
	"carwatch/notify"
	"carwatch/pipeline"
	"carwatch/pkg/carwatch"
	"carwatch/scraper"
	"carwatch/server"
	objectstore "carwatch/storage"
	"carwatch/storage/postgres"
	"carwatch/storage/redisledger"
)

// backend is the combined listing store, filter source and ledger.
type backend interface {
	UpsertListing(ctx context.Context, c *carwatch.Candidate) (*carwatch.Listing, bool, error)
	ActiveFilters(ctx context.Context) ([]*carwatch.FilterSpec, error)
	WasNotified(ctx context.Context, user, listingID, filterID string) (bool, error)
	RecordNotified(ctx context.Context, rec *carwatch.NotificationRecord) error
	server.FilterStore
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	store, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var ledger pipeline.Ledger = store
	if cfg.RedisURL != "" {
		rdb, err := redisledger.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}()
		ledger = redisledger.New(rdb)
		logger.Info("Using redis notification ledger")
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	extractor, err := extract.New(cfg.SourceName, cfg.SourceURL)
	if err != nil {
		return err
	}
	pageURLs, err := scraper.PageURLs(cfg.SourceURL, cfg.MaxPages)
	if err != nil {
		return err
	}

	p := pipeline.New(&pipeline.Config{
		Fetcher:   scraper.New(&http.Client{Timeout: cfg.PageTimeout}, cfg.PageTimeout, logger),
		Extractor: extractor,
		Listings:  store,
		Filters:   store,
		Ledger:    ledger,
		Notifier:  notify.New(provider, logger),
		Logger:    logger,
		PageURLs:  pageURLs,
		Workers:   cfg.FetchWorkers,
	})

	if cfg.RunOnce {
		_, err := p.RunCycle(ctx)
		return err
	}

	srv := server.New(&server.Config{Store: store, Poller: p, Logger: logger})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Port) })
	g.Go(func() error { return p.Run(gctx, cfg.CycleInterval) })
	return g.Wait()
}

// openBackend selects PostgreSQL, then Cloud Storage, then a local directory.
func openBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (backend, func(), error) {
	switch {
	case cfg.PGDSN != "":
		pool, err := postgres.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool, logger)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("Using postgres storage", "max_conns", cfg.PGMaxConns)
		return st, pool.Close, nil

	case cfg.Bucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using cloud storage", "bucket", cfg.Bucket)
		return objectstore.New(client, cfg.Bucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running with local storage", "storage_path", cfg.LocalStorage)
		return objectstore.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}
}

func newProvider(ctx context.Context, cfg *Config, logger *slog.Logger) (notify.Provider, error) {
	switch cfg.NotifyProvider {
	case "telegram":
		return notify.NewTelegramProvider(cfg.TelegramToken, logger), nil
	case "brevo":
		return notify.NewBrevoProvider(cfg.BrevoAPIKey, cfg.BrevoFrom, "carwatch", logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, cfg.GoogleCredsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		return notify.NewGmailProvider(svc, logger), nil
	default:
		logger.Info("Mock notification mode enabled")
		return notify.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// On Cloud Run the service account's default credentials are used.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}
