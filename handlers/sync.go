// ABOUTME: Contact sync MCP tool handlers
// ABOUTME: Implements sync_user, pull_contact, apply_tags and refresh_catalog tools
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	contactsync "github.com/harperreed/contactsync/sync"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/tags"
)

// Connections yields the active adapter.
type Connections interface {
	Active(ctx context.Context) (provider.Adapter, error)
}

// UserLookup finds local users and their links.
type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*models.LocalUser, error)
}

// LinkLookup resolves a user's remote contact id.
type LinkLookup interface {
	Get(ctx context.Context, userID int64, slug string) (string, bool, error)
}

type SyncHandlers struct {
	connections Connections
	syncer      *contactsync.Syncer
	tags        *tags.Synchronizer
	users       UserLookup
	links       LinkLookup
}

func NewSyncHandlers(connections Connections, syncer *contactsync.Syncer, tagger *tags.Synchronizer, users UserLookup, links LinkLookup) *SyncHandlers {
	return &SyncHandlers{connections: connections, syncer: syncer, tags: tagger, users: users, links: links}
}

// toolError renders provider failures the way an operator should read them.
func toolError(err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return errors.New(syncerr.UserMessage(err))
	}
	return err
}

func (h *SyncHandlers) userID(ctx context.Context, id int64, email string) (int64, error) {
	if id > 0 {
		return id, nil
	}
	if email == "" {
		return 0, fmt.Errorf("user_id or email is required")
	}
	user, err := h.users.GetByEmail(ctx, email)
	if err != nil {
		return 0, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return 0, fmt.Errorf("no local user with email %s", email)
	}
	return user.ID, nil
}

type SyncUserInput struct {
	UserID int64  `json:"user_id,omitempty" jsonschema:"Local user ID"`
	Email  string `json:"email,omitempty" jsonschema:"Local user email (used when user_id is not given)"`
}

type SyncUserOutput struct {
	UserID    int64    `json:"user_id"`
	ContactID string   `json:"contact_id"`
	Created   bool     `json:"created"`
	Outcome   string   `json:"outcome"`
	TagsAdded []string `json:"tags_added,omitempty"`
}

func (h *SyncHandlers) SyncUser(ctx context.Context, request *mcp.CallToolRequest, input SyncUserInput) (*mcp.CallToolResult, SyncUserOutput, error) {
	userID, err := h.userID(ctx, input.UserID, input.Email)
	if err != nil {
		return nil, SyncUserOutput{}, err
	}
	adapter, err := h.connections.Active(ctx)
	if err != nil {
		return nil, SyncUserOutput{}, toolError(err)
	}

	res, err := h.syncer.SyncUser(ctx, adapter, userID)
	if err != nil {
		return nil, SyncUserOutput{}, toolError(err)
	}

	out := SyncUserOutput{
		UserID:    res.UserID,
		ContactID: res.ContactID,
		Created:   res.Created,
		Outcome:   res.Outcome.String(),
	}
	if res.Tags != nil {
		out.TagsAdded = res.Tags.Added.Sorted()
	}
	return nil, out, nil
}

type PullContactInput struct {
	ContactID string `json:"contact_id" jsonschema:"Remote contact ID (required)"`
}

func (h *SyncHandlers) PullContact(ctx context.Context, request *mcp.CallToolRequest, input PullContactInput) (*mcp.CallToolResult, contactsync.PullResult, error) {
	if input.ContactID == "" {
		return nil, contactsync.PullResult{}, fmt.Errorf("contact_id is required")
	}
	adapter, err := h.connections.Active(ctx)
	if err != nil {
		return nil, contactsync.PullResult{}, toolError(err)
	}
	res, err := h.syncer.PullContact(ctx, adapter, input.ContactID)
	if err != nil {
		return nil, contactsync.PullResult{}, toolError(err)
	}
	return nil, *res, nil
}

type ApplyTagsInput struct {
	ContactID string   `json:"contact_id,omitempty" jsonschema:"Remote contact ID"`
	Email     string   `json:"email,omitempty" jsonschema:"Local user email whose linked contact is tagged"`
	Add       []string `json:"add,omitempty" jsonschema:"Tag IDs that must be present"`
	Remove    []string `json:"remove,omitempty" jsonschema:"Tag IDs that must be absent"`
}

type ApplyTagsOutput struct {
	ContactID      string   `json:"contact_id"`
	Added          []string `json:"added"`
	Removed        []string `json:"removed"`
	CatalogUpdated bool     `json:"catalog_updated"`
}

func (h *SyncHandlers) ApplyTags(ctx context.Context, request *mcp.CallToolRequest, input ApplyTagsInput) (*mcp.CallToolResult, ApplyTagsOutput, error) {
	adapter, err := h.connections.Active(ctx)
	if err != nil {
		return nil, ApplyTagsOutput{}, toolError(err)
	}

	contactID := input.ContactID
	if contactID == "" {
		userID, err := h.userID(ctx, 0, input.Email)
		if err != nil {
			return nil, ApplyTagsOutput{}, err
		}
		id, ok, err := h.links.Get(ctx, userID, adapter.Slug())
		if err != nil {
			return nil, ApplyTagsOutput{}, err
		}
		if !ok {
			return nil, ApplyTagsOutput{}, fmt.Errorf("%s is not linked to a %s contact; run sync_user first", input.Email, adapter.Slug())
		}
		contactID = id
	}

	res, err := h.tags.Apply(ctx, adapter, tags.Request{
		ContactID: contactID,
		Add:       models.NewTagSet(input.Add...),
		Remove:    models.NewTagSet(input.Remove...),
	})
	if err != nil {
		return nil, ApplyTagsOutput{}, toolError(err)
	}
	return nil, ApplyTagsOutput{
		ContactID:      contactID,
		Added:          res.Added.Sorted(),
		Removed:        res.Removed.Sorted(),
		CatalogUpdated: res.CatalogUpdated,
	}, nil
}

type RefreshCatalogInput struct{}

type RefreshCatalogOutput struct {
	Provider string `json:"provider"`
	Tags     int    `json:"tags"`
}

func (h *SyncHandlers) RefreshCatalog(ctx context.Context, request *mcp.CallToolRequest, input RefreshCatalogInput) (*mcp.CallToolResult, RefreshCatalogOutput, error) {
	adapter, err := h.connections.Active(ctx)
	if err != nil {
		return nil, RefreshCatalogOutput{}, toolError(err)
	}
	n, err := h.tags.RefreshCatalog(ctx, adapter)
	if err != nil {
		return nil, RefreshCatalogOutput{}, toolError(err)
	}
	return nil, RefreshCatalogOutput{Provider: adapter.Slug(), Tags: n}, nil
}
