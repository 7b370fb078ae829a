// ABOUTME: Connection registry resolving the single active provider adapter
// ABOUTME: Credentials are persisted only after a successful connection test
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/token"
)

// SettingsStore is the per-provider settings boundary.
type SettingsStore interface {
	Get(ctx context.Context, slug string) (*models.ProviderConfig, error)
	Set(ctx context.Context, slug string, cfg *models.ProviderConfig) error
}

// CredentialVault persists credentials and their refresh lease.
type CredentialVault interface {
	token.CredentialStore
	Save(ctx context.Context, c *models.Credential) error
	Delete(ctx context.Context, slug string) error
}

// MappingStore lists user-defined field mappings for a provider.
type MappingStore interface {
	List(ctx context.Context, slug string) ([]models.FieldMapping, error)
}

// AppSettings stores application-wide values such as the active provider.
type AppSettings interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
}

// Paced is implemented by adapters that declare a pause between batch chunks.
type Paced interface {
	SleepSeconds() float64
}

// ConnectionOptions wires a ConnectionRegistry.
type ConnectionOptions struct {
	Registry    *Registry
	Settings    SettingsStore
	Credentials CredentialVault
	Mappings    MappingStore
	App         AppSettings
	// Slug pins the provider, overriding the stored active provider.
	Slug        string
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	LeaseTTL    time.Duration
	RefreshWait time.Duration
}

// ConnectionRegistry resolves and caches the configured adapter.
type ConnectionRegistry struct {
	opts ConnectionOptions
	log  *zap.Logger

	mu     sync.Mutex
	active Adapter
}

func NewConnectionRegistry(opts ConnectionOptions) *ConnectionRegistry {
	return &ConnectionRegistry{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("connection"),
	}
}

// Providers lists the registered provider slugs.
func (c *ConnectionRegistry) Providers() []string {
	return c.opts.Registry.Slugs()
}

// ActiveSlug returns the configured provider slug, or "" when none.
func (c *ConnectionRegistry) ActiveSlug(ctx context.Context) (string, error) {
	if c.opts.Slug != "" {
		return c.opts.Slug, nil
	}
	if c.opts.App == nil {
		return "", nil
	}
	slug, err := c.opts.App.GetValue(ctx, db.KeyActiveProvider)
	if err != nil {
		return "", fmt.Errorf("failed to read active provider: %w", err)
	}
	return slug, nil
}

// Active returns the adapter for the configured provider, building it on
// first use. It returns syncerr.ErrNotConnected when nothing is configured.
func (c *ConnectionRegistry) Active(ctx context.Context) (Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active, nil
	}

	slug, err := c.ActiveSlug(ctx)
	if err != nil {
		return nil, err
	}
	if slug == "" {
		return nil, syncerr.ErrNotConnected
	}
	cred, err := c.opts.Credentials.Get(ctx, slug)
	if errors.Is(err, db.ErrCredentialNotFound) {
		return nil, fmt.Errorf("%w: %s has no stored credential", syncerr.ErrNotConnected, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	adapter, err := c.Build(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx, *cred, false); err != nil {
		return nil, err
	}
	c.active = adapter
	return adapter, nil
}

// Build constructs an unconnected adapter for slug with its stored settings
// and mappings.
func (c *ConnectionRegistry) Build(ctx context.Context, slug string) (Adapter, error) {
	cfg, err := c.Settings(ctx, slug)
	if err != nil {
		return nil, err
	}
	return c.build(ctx, slug, cfg)
}

func (c *ConnectionRegistry) build(ctx context.Context, slug string, cfg *models.ProviderConfig) (Adapter, error) {
	var mappings []models.FieldMapping
	if c.opts.Mappings != nil {
		var err error
		mappings, err = c.opts.Mappings.List(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("failed to load field mappings: %w", err)
		}
	}
	return c.opts.Registry.New(slug, Deps{
		Config:      cfg,
		Mappings:    mappings,
		Credentials: c.opts.Credentials,
		HTTPClient:  c.opts.HTTPClient,
		Logger:      c.opts.Logger,
		Metrics:     c.opts.Metrics,
		LeaseTTL:    c.opts.LeaseTTL,
		RefreshWait: c.opts.RefreshWait,
	})
}

// Settings returns the stored settings for slug, or empty settings.
func (c *ConnectionRegistry) Settings(ctx context.Context, slug string) (*models.ProviderConfig, error) {
	if c.opts.Settings == nil {
		return &models.ProviderConfig{Slug: slug}, nil
	}
	cfg, err := c.opts.Settings.Get(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider settings: %w", err)
	}
	if cfg == nil {
		cfg = &models.ProviderConfig{Slug: slug}
	}
	return cfg, nil
}

// Connect tests cred against slug and, only when the provider accepts it,
// persists the settings and credential and makes slug the active provider.
// A nil cfg uses the stored settings.
func (c *ConnectionRegistry) Connect(ctx context.Context, slug string, cred models.Credential, cfg *models.ProviderConfig) (Adapter, error) {
	save := cfg != nil
	if cfg == nil {
		var err error
		if cfg, err = c.Settings(ctx, slug); err != nil {
			return nil, err
		}
	}
	cfg.Slug = slug
	adapter, err := c.build(ctx, slug, cfg)
	if err != nil {
		return nil, err
	}
	cred.ProviderSlug = slug
	if err := adapter.Connect(ctx, cred, true); err != nil {
		c.log.Info("connection test failed", zap.String("provider", slug), zap.Error(err))
		return nil, err
	}

	if save && c.opts.Settings != nil {
		if err := c.opts.Settings.Set(ctx, slug, cfg); err != nil {
			return nil, fmt.Errorf("failed to save provider settings: %w", err)
		}
	}
	if err := c.opts.Credentials.Save(ctx, &cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	if c.opts.App != nil {
		if err := c.opts.App.SetValue(ctx, db.KeyActiveProvider, slug); err != nil {
			return nil, fmt.Errorf("failed to save active provider: %w", err)
		}
	}

	c.mu.Lock()
	c.active = adapter
	c.mu.Unlock()
	c.log.Info("provider connected", zap.String("provider", slug))
	return adapter, nil
}

// Disconnect forgets the active provider's credential.
func (c *ConnectionRegistry) Disconnect(ctx context.Context) error {
	slug, err := c.ActiveSlug(ctx)
	if err != nil {
		return err
	}
	if slug == "" {
		return syncerr.ErrNotConnected
	}
	if err := c.opts.Credentials.Delete(ctx, slug); err != nil {
		return err
	}
	if c.opts.App != nil && c.opts.Slug == "" {
		if err := c.opts.App.SetValue(ctx, db.KeyActiveProvider, ""); err != nil {
			return fmt.Errorf("failed to clear active provider: %w", err)
		}
	}
	c.Reset()
	return nil
}

// Reset drops the cached adapter so the next Active call rebuilds it.
func (c *ConnectionRegistry) Reset() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}
