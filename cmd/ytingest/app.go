package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"ytingest/cache"
	"ytingest/config"
	"ytingest/credentials"
	"ytingest/ingest"
	"ytingest/internal/transport"
	"ytingest/quota"
	"ytingest/storage"
	"ytingest/youtube"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *storage.JSONStore
	db      *bbolt.DB
	tracker *quota.Tracker
	cache   *cache.Cache
	engine  *ingest.Engine
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	for _, p := range []string{cfg.StorePath, cfg.StatePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	store, err := storage.NewJSONStore(ctx, cfg.StorePath, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening content store: %w", err)
	}
	a.store = store

	// Quota state (bolt backend) and the response cache share one database.
	db, err := bbolt.Open(cfg.StatePath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening state database %s: %w", cfg.StatePath, err)
	}
	a.db = db

	qs, err := newQuotaStore(cfg, a.db)
	if err != nil {
		return nil, err
	}
	a.tracker = quota.NewTracker(qs, quota.WithLogger(logger))

	cs, err := cache.NewBoltStore(a.db)
	if err != nil {
		return nil, fmt.Errorf("opening response cache: %w", err)
	}
	a.cache = cache.New(cs, cache.WithLogger(logger))

	apiOpts := []youtube.APIOption{
		youtube.WithBaseTransport(transport.NewBaseTransport(transport.DefaultPoolConfig())),
		youtube.WithRateLimiter(transport.NewRateLimiter(transport.RateLimiterConfig{
			DataAPIRPS:           cfg.APIRPS,
			EnableDynamicBackoff: true,
		})),
		youtube.WithCircuitBreaker(transport.NewCircuitBreaker(transport.DefaultCircuitBreakerConfig())),
		youtube.WithRequestTimeout(cfg.RequestTimeout.Std()),
		youtube.WithUserAgent("ytingest/" + version),
	}
	if cfg.APIEndpoint != "" {
		apiOpts = append(apiOpts, youtube.WithEndpoint(cfg.APIEndpoint))
	}

	a.engine = ingest.New(youtube.NewAPI(apiOpts...), a.tracker, a.store, a.store, newCredentialProvider(cfg, logger),
		ingest.WithLogger(logger),
		ingest.WithCache(a.cache),
		ingest.WithCredentialScope(cfg.CredentialScope),
		ingest.WithMaxItems(cfg.MaxItems),
	)
	return a, nil
}

func newQuotaStore(cfg *config.Config, db *bbolt.DB) (quota.Store, error) {
	switch cfg.QuotaBackend {
	case config.QuotaBackendMemory:
		return quota.NewMemoryStore(), nil
	case config.QuotaBackendPostgres:
		s, err := quota.NewPostgresStore(cfg.PostgresDSN, quota.WithConnectRetry(cfg.RetryConfig()))
		if err != nil {
			return nil, fmt.Errorf("configuring postgres quota store: %w", err)
		}
		return s, nil
	default:
		s, err := quota.NewBoltStore(db)
		if err != nil {
			return nil, fmt.Errorf("opening quota store: %w", err)
		}
		return s, nil
	}
}

func newCredentialProvider(cfg *config.Config, logger *slog.Logger) ingest.CredentialProvider {
	if cfg.CredentialsFile != "" {
		return credentials.NewFileProvider(cfg.CredentialsFile, credentials.WithLogger(logger))
	}
	return credentials.NewEnvProvider()
}

// Close releases every component in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// recordSourceSync stores the resolved channel ID and last sync status on src.
func (a *app) recordSourceSync(ctx context.Context, src *storage.Source, out *ingest.Outcome) {
	if out == nil {
		return
	}
	if out.ChannelID != "" {
		src.ChannelID = out.ChannelID
	}
	src.LastSyncAt = time.Now().UTC()
	src.LastSyncStatus = out.Status
	if err := a.store.UpdateSource(context.WithoutCancel(ctx), src); err != nil {
		a.logger.Warn("updating source after sync", "source", src.ID, "error", err)
	}
}
