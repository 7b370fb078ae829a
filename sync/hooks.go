// ABOUTME: Named extension points around mapping, loading and tag application
// ABOUTME: Hosts implement Hooks to adjust payloads before they reach a provider
package sync

import (
	"context"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/tags"
)

// Hooks are invoked at fixed points of a sync. Implementations may mutate
// the maps and requests they receive; returning an error aborts the operation.
type Hooks interface {
	// PreMap runs on the canonical local fields before they are mapped to
	// remote keys.
	PreMap(ctx context.Context, slug string, user *models.LocalUser, fields map[string]any) error
	// PostLoad runs on local-keyed fields loaded from a remote contact.
	PostLoad(ctx context.Context, slug, contactID string, fields map[string]any) error
	tags.Hook
}

// NopHooks does nothing.
type NopHooks struct{}

func (NopHooks) PreMap(context.Context, string, *models.LocalUser, map[string]any) error {
	return nil
}

func (NopHooks) PostLoad(context.Context, string, string, map[string]any) error {
	return nil
}

func (NopHooks) PreTagApply(context.Context, string, *tags.Request) error {
	return nil
}
