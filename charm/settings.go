// ABOUTME: Provider settings and app settings stored in Charm KV
// ABOUTME: Lets several devices share provider configuration through charm sync

package charm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/harperreed/contactsync/models"
)

const (
	providerPrefix = "provider/"
	appPrefix      = "app/"
)

// SettingsStore keeps per-provider configuration blobs and app settings in KV.
type SettingsStore struct {
	client *Client
}

func NewSettingsStore(c *Client) *SettingsStore {
	return &SettingsStore{client: c}
}

// Get returns the configuration for slug, or an empty one when none is stored.
func (s *SettingsStore) Get(ctx context.Context, slug string) (*models.ProviderConfig, error) {
	raw, err := s.client.Get([]byte(providerPrefix + slug))
	if errors.Is(err, ErrKeyNotFound) {
		return &models.ProviderConfig{Slug: slug}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider settings: %w", err)
	}
	var cfg models.ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode provider settings for %s: %w", slug, err)
	}
	cfg.Slug = slug
	return &cfg, nil
}

// Set replaces the configuration for slug.
func (s *SettingsStore) Set(ctx context.Context, slug string, cfg *models.ProviderConfig) error {
	cfg.Slug = slug
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode provider settings: %w", err)
	}
	if err := s.client.Set([]byte(providerPrefix+slug), data); err != nil {
		return fmt.Errorf("failed to save provider settings: %w", err)
	}
	return nil
}

// Providers lists slugs that have stored settings.
func (s *SettingsStore) Providers() ([]string, error) {
	keys, err := s.client.KeysWithPrefix([]byte(providerPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(string(k), providerPrefix))
	}
	sort.Strings(out)
	return out, nil
}

// GetValue returns an application setting, or "" when unset.
func (s *SettingsStore) GetValue(ctx context.Context, key string) (string, error) {
	raw, err := s.client.Get([]byte(appPrefix + key))
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return string(raw), nil
}

// SetValue stores an application setting. An empty value deletes it.
func (s *SettingsStore) SetValue(ctx context.Context, key, value string) error {
	var err error
	if value == "" {
		err = s.client.Delete([]byte(appPrefix + key))
	} else {
		err = s.client.Set([]byte(appPrefix+key), []byte(value))
	}
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}
