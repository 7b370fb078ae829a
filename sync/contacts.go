// ABOUTME: Pushes local users to the active provider and keeps contact links current
// ABOUTME: Resolves an existing remote contact by link, then by email, before creating one
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/tags"
)

// UserStore is the subset of the local user store the syncer needs.
type UserStore interface {
	Create(ctx context.Context, user *models.LocalUser) error
	Get(ctx context.Context, id int64) (*models.LocalUser, error)
	GetByEmail(ctx context.Context, email string) (*models.LocalUser, error)
	Update(ctx context.Context, user *models.LocalUser) error
}

// LinkStore persists user <-> remote contact links.
type LinkStore interface {
	Get(ctx context.Context, userID int64, slug string) (string, bool, error)
	Set(ctx context.Context, userID int64, slug, contactID string) error
	FindUser(ctx context.Context, slug, contactID string) (int64, bool, error)
	DeleteByContact(ctx context.Context, slug, contactID string) (int64, error)
}

// Options configures a Syncer.
type Options struct {
	Users UserStore
	Links LinkStore
	// Tags applies local tags after a push. When nil a synchronizer without
	// a catalogue is used. The syncer runs Hooks.PreTagApply itself, so Tags
	// does not need to carry the same hook.
	Tags  *tags.Synchronizer
	Hooks Hooks
	// DB records sync status and the import log when set.
	DB     *sql.DB
	Logger *zap.Logger
}

// Syncer moves contacts between the local user store and a provider.
type Syncer struct {
	users UserStore
	links LinkStore
	tags  *tags.Synchronizer
	hooks Hooks
	db    *sql.DB
	log   *zap.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(opts Options) *Syncer {
	s := &Syncer{
		users: opts.Users,
		links: opts.Links,
		tags:  opts.Tags,
		hooks: opts.Hooks,
		db:    opts.DB,
		log:   logger.OrNop(opts.Logger).Named("sync"),
	}
	if s.hooks == nil {
		s.hooks = NopHooks{}
	}
	if s.tags == nil {
		s.tags = tags.New(nil)
	}
	return s
}

// Result describes one pushed user.
type Result struct {
	UserID    int64               `json:"user_id"`
	ContactID string              `json:"contact_id"`
	Created   bool                `json:"created"`
	Outcome   models.WriteOutcome `json:"outcome"`
	Tags      *tags.Result        `json:"tags,omitempty"`
}

// SyncUser pushes one local user to adapter. A user with no link is matched
// by email before a new contact is created, and the resulting contact id is
// linked. A link whose contact has been deleted remotely is re-resolved.
func (s *Syncer) SyncUser(ctx context.Context, adapter provider.Adapter, userID int64) (*Result, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	slug := adapter.Slug()
	log := s.log.With(zap.String("provider", slug), zap.Int64("user_id", userID))

	fields := user.CanonicalFields()
	if err := s.hooks.PreMap(ctx, slug, user, fields); err != nil {
		return nil, fmt.Errorf("pre map hook: %w", err)
	}
	remote := adapter.Resolver().ToRemote(fields)

	res := &Result{UserID: userID}
	contactID, linked, err := s.links.Get(ctx, userID, slug)
	if err != nil {
		return nil, err
	}
	if linked {
		res.Outcome, err = adapter.UpdateContact(ctx, contactID, remote)
		if syncerr.KindOf(err) == syncerr.KindNotFound {
			log.Info("linked contact missing remotely, re-resolving", zap.String("contact_id", contactID))
			linked = false
		} else if err != nil {
			s.recordStatus(slug, err)
			return nil, err
		}
	}

	if !linked {
		contactID, err = s.resolve(ctx, adapter, user, remote, res)
		if err != nil {
			s.recordStatus(slug, err)
			return nil, err
		}
		if err := s.links.Set(ctx, userID, slug, contactID); err != nil {
			return nil, err
		}
	}
	res.ContactID = contactID

	if len(user.Tags) > 0 && adapter.Capabilities().Has(provider.CapAddTags) {
		req := tags.Request{
			ContactID: contactID,
			Add:       models.NewTagSet(user.Tags...),
			Remove:    models.NewTagSet(),
		}
		if err := s.hooks.PreTagApply(ctx, slug, &req); err != nil {
			return res, fmt.Errorf("pre tag apply hook: %w", err)
		}
		tagRes, err := s.tags.Apply(ctx, adapter, req)
		res.Tags = tagRes
		if err != nil {
			s.recordStatus(slug, err)
			return res, err
		}
	}

	s.recordStatus(slug, nil)
	log.Debug("user synced",
		zap.String("contact_id", contactID),
		zap.Bool("created", res.Created),
		zap.Stringer("outcome", res.Outcome))
	return res, nil
}

func (s *Syncer) resolve(ctx context.Context, adapter provider.Adapter, user *models.LocalUser, remote map[string]any, res *Result) (string, error) {
	email := NormalizeEmail(user.Email)
	if email != "" {
		id, found, err := adapter.GetContactID(ctx, email)
		if err != nil {
			return "", err
		}
		if found {
			res.Outcome, err = adapter.UpdateContact(ctx, id, remote)
			return id, err
		}
	}
	id, err := adapter.AddContact(ctx, remote)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", syncerr.Wrap(syncerr.KindValidation, adapter.Slug(), "add_contact", syncerr.ErrMissingContactID)
	}
	res.Created = true
	res.Outcome = models.OutcomePersisted
	return id, nil
}

func (s *Syncer) recordStatus(slug string, err error) {
	if s.db == nil {
		return
	}
	status, msg := models.SyncStatusIdle, ""
	if err != nil {
		status, msg = models.SyncStatusError, syncerr.UserMessage(err)
	}
	if uerr := db.UpdateSyncStatus(s.db, slug, status, msg); uerr != nil {
		s.log.Warn("failed to record sync status", zap.String("provider", slug), zap.Error(uerr))
	}
}

// isMissingUser reports whether err means the local user does not exist.
func isMissingUser(err error) bool {
	return errors.Is(err, db.ErrUserNotFound)
}
