// ABOUTME: Provider registry mapping slugs to statically typed adapter factories
// ABOUTME: Data-driven definitions register through the same factory interface
package provider

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/token"
)

// Deps carries everything a factory may need to build an adapter.
type Deps struct {
	Config      *models.ProviderConfig
	Mappings    []models.FieldMapping
	Credentials token.CredentialStore
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	LeaseTTL    time.Duration
	RefreshWait time.Duration
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Factory builds an adapter for one provider.
type Factory func(deps Deps) (Adapter, error)

// OAuthConfigFunc builds the authorization-code configuration for a provider.
type OAuthConfigFunc func(cfg *models.ProviderConfig, redirectURL string) *oauth2.Config

// Registry is a concurrency-safe slug -> factory map.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	definitions map[string]*Definition
	oauth       map[string]OAuthConfigFunc
}

func NewRegistry() *Registry {
	return &Registry{
		factories:   make(map[string]Factory),
		definitions: make(map[string]*Definition),
		oauth:       make(map[string]OAuthConfigFunc),
	}
}

// Register adds a factory. Slugs are unique.
func (r *Registry) Register(slug string, f Factory) error {
	if slug == "" || f == nil {
		return fmt.Errorf("provider slug and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[slug]; exists {
		return fmt.Errorf("provider %q already registered", slug)
	}
	r.factories[slug] = f
	return nil
}

// RegisterDefinition registers a data-driven provider.
func (r *Registry) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := r.Register(def.Slug, def.Factory()); err != nil {
		return err
	}
	r.mu.Lock()
	r.definitions[def.Slug] = def
	if def.Auth.Flavor == AuthOAuth2 {
		r.oauth[def.Slug] = def.OAuthConfig
	}
	r.mu.Unlock()
	return nil
}

// RegisterOAuth records how to start an authorization-code flow for slug.
func (r *Registry) RegisterOAuth(slug string, fn OAuthConfigFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oauth[slug] = fn
}

// OAuthConfig returns the oauth2 configuration for slug, if it uses OAuth.
func (r *Registry) OAuthConfig(slug string, cfg *models.ProviderConfig, redirectURL string) (*oauth2.Config, bool) {
	r.mu.RLock()
	fn, ok := r.oauth[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return fn(cfg, redirectURL), true
}

// New builds the adapter registered under slug.
func (r *Registry) New(slug string, deps Deps) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrUnknownProvider, slug)
	}
	return f(deps)
}

// Definition returns the data definition for slug, if it is data-driven.
func (r *Registry) Definition(slug string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[slug]
	return def, ok
}

// Slugs lists registered providers.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for slug := range r.factories {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
