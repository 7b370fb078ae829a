// ABOUTME: Pulls remote contacts into the local user store and applies webhook events
// ABOUTME: Update and tag events pull, unsubscribe and delete events unlink
package sync

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
)

// PullResult describes one contact pulled into the local store.
type PullResult struct {
	UserID    int64  `json:"user_id"`
	ContactID string `json:"contact_id"`
	Created   bool   `json:"created"`
	// Imported is false when the contact had already been imported before.
	Imported bool `json:"imported"`
}

// PullContact loads contactID from adapter and merges it into the linked
// local user, the user with the same email, or a new user.
func (s *Syncer) PullContact(ctx context.Context, adapter provider.Adapter, contactID string) (*PullResult, error) {
	slug := adapter.Slug()
	if contactID == "" {
		return nil, syncerr.Wrap(syncerr.KindValidation, slug, "load_contact", syncerr.ErrMissingContactID)
	}
	fields, err := adapter.LoadContact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if err := s.hooks.PostLoad(ctx, slug, contactID, fields); err != nil {
		return nil, fmt.Errorf("post load hook: %w", err)
	}

	var remoteTags models.TagSet
	if adapter.Capabilities().Has(provider.CapAddTags) {
		if remoteTags, err = adapter.GetTags(ctx, contactID); err != nil {
			return nil, err
		}
	}

	user, err := s.findUser(ctx, slug, contactID, emailOf(fields))
	if err != nil {
		return nil, err
	}
	res := &PullResult{ContactID: contactID}
	if user == nil {
		email := emailOf(fields)
		if !ValidEmail(email) {
			return nil, syncerr.New(syncerr.KindValidation, slug, "load_contact",
				"contact "+contactID+" has no usable email address")
		}
		user = &models.LocalUser{Email: email}
		res.Created = true
	}
	mergeFields(user, fields)
	if remoteTags != nil {
		user.Tags = remoteTags.Sorted()
	}

	if res.Created {
		err = s.users.Create(ctx, user)
	} else {
		err = s.users.Update(ctx, user)
	}
	if err != nil {
		return nil, err
	}
	res.UserID = user.ID
	if err := s.links.Set(ctx, user.ID, slug, contactID); err != nil {
		return nil, err
	}

	if s.db != nil {
		res.Imported, err = db.LogImport(s.db, slug, contactID, "user", strconv.FormatInt(user.ID, 10), "")
		if err != nil {
			s.log.Warn("failed to log import", zap.String("provider", slug), zap.Error(err))
		}
	}
	s.log.Debug("contact pulled",
		zap.String("provider", slug),
		zap.String("contact_id", contactID),
		zap.Int64("user_id", user.ID),
		zap.Bool("created", res.Created))
	return res, nil
}

func (s *Syncer) findUser(ctx context.Context, slug, contactID, email string) (*models.LocalUser, error) {
	userID, ok, err := s.links.FindUser(ctx, slug, contactID)
	if err != nil {
		return nil, err
	}
	if ok {
		user, err := s.users.Get(ctx, userID)
		if err == nil {
			return user, nil
		}
		if !isMissingUser(err) {
			return nil, err
		}
	}
	if email == "" {
		return nil, nil
	}
	return s.users.GetByEmail(ctx, email)
}

// mergeFields copies local-keyed remote values onto user. The email of an
// existing user is never changed by a pull.
func mergeFields(user *models.LocalUser, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case models.FieldEmail:
			continue
		case models.FieldName:
			if name, ok := v.(string); ok && name != "" {
				user.Name = name
			}
		default:
			if user.Fields == nil {
				user.Fields = make(map[string]any)
			}
			user.Fields[k] = v
		}
	}
}

// HandleEvent applies a normalized webhook event. A nil event or an unknown
// event type is ignored.
func (s *Syncer) HandleEvent(ctx context.Context, adapter provider.Adapter, ev *models.WebhookEvent) error {
	if ev == nil {
		return nil
	}
	log := s.log.With(zap.String("provider", ev.ProviderSlug), zap.String("contact_id", ev.ContactID))
	switch ev.EventType {
	case models.EventUpdate, models.EventTag:
		_, err := s.PullContact(ctx, adapter, ev.ContactID)
		return err
	case models.EventUnsubscribe, models.EventDelete:
		n, err := s.links.DeleteByContact(ctx, adapter.Slug(), ev.ContactID)
		if err != nil {
			return err
		}
		log.Info("contact unlinked", zap.String("event", ev.EventType), zap.Int64("links", n))
		return nil
	default:
		log.Debug("ignoring webhook event", zap.String("event", ev.EventType))
		return nil
	}
}
