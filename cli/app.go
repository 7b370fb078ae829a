// ABOUTME: Wires configuration, storage, providers and the sync engine for commands
// ABOUTME: Every CLI command and server mode runs against one App
package cli

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/harperreed/contactsync/batch"
	"github.com/harperreed/contactsync/charm"
	"github.com/harperreed/contactsync/config"
	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/provider/google"
	contactsync "github.com/harperreed/contactsync/sync"
	"github.com/harperreed/contactsync/tags"
	"github.com/harperreed/contactsync/webhook"
)

// settingsBackend covers both provider settings and app-wide values.
type settingsBackend interface {
	Get(ctx context.Context, slug string) (*models.ProviderConfig, error)
	Set(ctx context.Context, slug string, cfg *models.ProviderConfig) error
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
}

// App bundles the long-lived components.
type App struct {
	Config      *config.Config
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Store       *db.Store
	Settings    settingsBackend
	Registry    *provider.Registry
	Connections *provider.ConnectionRegistry
	Tags        *tags.Synchronizer
	Syncer      *contactsync.Syncer
	Batch       *batch.Processor
	Webhooks    *webhook.Handler

	closers []func() error
}

// NewApp opens the database and settings backend and builds the engine.
func NewApp(cfg *config.Config) (*App, error) {
	log := logger.New(cfg.Logger())
	m := metrics.New()

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	app := &App{Config: cfg, Log: log, Metrics: m, Store: store}
	app.closers = append(app.closers, store.Close)

	switch cfg.SettingsBackend {
	case "charm":
		kv, err := charm.Open(nil)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("failed to open charm settings: %w", err)
		}
		app.closers = append(app.closers, kv.Close)
		app.Settings = charm.NewSettingsStore(kv)
	default:
		app.Settings = store.Settings
	}

	reg, err := provider.NewDefaultRegistry(cfg.DefinitionsDir)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to load provider definitions: %w", err)
	}
	if err := google.Register(reg, ""); err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Registry = reg

	app.Connections = provider.NewConnectionRegistry(provider.ConnectionOptions{
		Registry:    reg,
		Settings:    app.Settings,
		Credentials: store.Credentials,
		Mappings:    store.Mappings,
		App:         app.Settings,
		Slug:        cfg.Provider,
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:      log,
		Metrics:     m,
		LeaseTTL:    cfg.RefreshLockTTL,
		RefreshWait: cfg.RefreshWait,
	})

	app.Tags = tags.New(store.Catalog, tags.WithLogger(log), tags.WithMetrics(m))
	app.Syncer = contactsync.NewSyncer(contactsync.Options{
		Users:  store.Users,
		Links:  store.Links,
		Tags:   app.Tags,
		DB:     store.DB,
		Logger: log,
	})
	app.Batch = batch.NewProcessor(batch.Options{
		Jobs:     store.Jobs,
		Users:    store.Users,
		Links:    store.Links,
		Syncer:   app.Syncer,
		Tags:     app.Tags,
		LeaseTTL: cfg.BatchLease,
		Logger:   log,
		Metrics:  m,
	})
	normalizer := webhook.NewNormalizer(webhook.WithLogger(log), webhook.WithMetrics(m))
	app.Webhooks = webhook.NewHandler(normalizer, app.Connections, app.Syncer, log)
	return app, nil
}

// Close releases everything NewApp opened, newest first.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	_ = a.Log.Sync()
	return first
}

// Active resolves the connected adapter.
func (a *App) Active(ctx context.Context) (provider.Adapter, error) {
	return a.Connections.Active(ctx)
}
