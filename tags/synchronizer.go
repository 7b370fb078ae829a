// ABOUTME: Tag synchronizer computing remote tag deltas against live provider state
// ABOUTME: Also keeps the cached tag and field catalogues in step with the provider
package tags

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
)

// Catalog is the cached remote_id -> label store.
type Catalog interface {
	Get(ctx context.Context, slug, kind string) (map[string]string, error)
	Replace(ctx context.Context, slug, kind string, entries map[string]string) error
	Merge(ctx context.Context, slug, kind string, entries map[string]string) (int, error)
}

// Request asks for Add to be present on a contact and Remove to be absent.
type Request struct {
	ContactID string
	Add       models.TagSet
	Remove    models.TagSet
	// Labels optionally names tags that may be new to the catalogue.
	Labels map[string]string
}

// Hook may rewrite a request before it is diffed.
type Hook interface {
	PreTagApply(ctx context.Context, slug string, req *Request) error
}

// Result reports what was changed on the provider.
type Result struct {
	Added          models.TagSet
	Removed        models.TagSet
	CatalogUpdated bool
}

// TagError reports which half of a tag change failed. The other half is not
// rolled back.
type TagError struct {
	AddErr    error
	RemoveErr error
}

func (e *TagError) Error() string {
	parts := make([]string, 0, 2)
	if e.AddErr != nil {
		parts = append(parts, "add: "+e.AddErr.Error())
	}
	if e.RemoveErr != nil {
		parts = append(parts, "remove: "+e.RemoveErr.Error())
	}
	return "tag sync failed: " + strings.Join(parts, "; ")
}

func (e *TagError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.AddErr != nil {
		out = append(out, e.AddErr)
	}
	if e.RemoveErr != nil {
		out = append(out, e.RemoveErr)
	}
	return out
}

// Synchronizer applies tag requests.
type Synchronizer struct {
	catalog Catalog
	hook    Hook
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithHook(h Hook) Option { return func(s *Synchronizer) { s.hook = h } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) { s.log = logger.OrNop(l).Named("tags") }
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *Synchronizer) { s.metrics = m } }

// New creates a Synchronizer. catalog may be nil.
func New(catalog Catalog, opts ...Option) *Synchronizer {
	s := &Synchronizer{catalog: catalog, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply reconciles req against the contact's current remote tags. Only the
// delta is sent and empty sets are never sent.
func (s *Synchronizer) Apply(ctx context.Context, adapter provider.Adapter, req Request) (*Result, error) {
	slug := adapter.Slug()
	caps := adapter.Capabilities()
	if !caps.Has(provider.CapAddTags) {
		return nil, syncerr.New(syncerr.KindUnsupported, slug, "apply_tags", "provider does not support tags")
	}
	if req.ContactID == "" {
		return nil, syncerr.Wrap(syncerr.KindValidation, slug, "apply_tags", syncerr.ErrMissingContactID)
	}
	if req.Add == nil {
		req.Add = models.NewTagSet()
	}
	if req.Remove == nil {
		req.Remove = models.NewTagSet()
	}
	if s.hook != nil {
		if err := s.hook.PreTagApply(ctx, slug, &req); err != nil {
			return nil, fmt.Errorf("pre tag apply hook: %w", err)
		}
	}

	current, err := adapter.GetTags(ctx, req.ContactID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Added:   req.Add.Minus(current),
		Removed: req.Remove.Intersect(current),
	}
	log := s.log.With(zap.String("provider", slug), zap.String("contact_id", req.ContactID))

	var tagErr TagError
	if len(res.Added) > 0 {
		if err := adapter.ApplyTags(ctx, req.ContactID, res.Added); err != nil {
			tagErr.AddErr = err
			res.Added = models.NewTagSet()
		}
	}
	if len(res.Removed) > 0 {
		if !caps.Has(provider.CapRemoveTags) {
			tagErr.RemoveErr = syncerr.New(syncerr.KindUnsupported, slug, "remove_tags", "provider cannot remove tags")
			res.Removed = models.NewTagSet()
		} else if err := adapter.RemoveTags(ctx, req.ContactID, res.Removed); err != nil {
			tagErr.RemoveErr = err
			res.Removed = models.NewTagSet()
		}
	}
	s.metrics.TagChanges(slug, len(res.Added), len(res.Removed))
	log.Debug("tags reconciled", zap.Strings("added", res.Added.Sorted()), zap.Strings("removed", res.Removed.Sorted()))

	seen := models.NewTagSet()
	for id := range current {
		seen.Add(id)
	}
	for id := range res.Added {
		seen.Add(id)
	}
	updated, err := s.mergeCatalog(ctx, slug, seen, req.Labels)
	if err != nil {
		log.Warn("failed to merge tag catalogue", zap.Error(err))
	}
	res.CatalogUpdated = updated

	if tagErr.AddErr != nil || tagErr.RemoveErr != nil {
		return res, &tagErr
	}
	return res, nil
}

func (s *Synchronizer) mergeCatalog(ctx context.Context, slug string, seen models.TagSet, labels map[string]string) (bool, error) {
	if s.catalog == nil || len(seen) == 0 {
		return false, nil
	}
	known, err := s.catalog.Get(ctx, slug, db.CatalogTags)
	if err != nil {
		return false, err
	}
	fresh := make(map[string]string)
	for id := range seen {
		if _, ok := known[id]; ok {
			continue
		}
		label := labels[id]
		if label == "" {
			label = id
		}
		fresh[id] = label
	}
	if len(fresh) == 0 {
		return false, nil
	}
	n, err := s.catalog.Merge(ctx, slug, db.CatalogTags, fresh)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RefreshCatalog replaces the cached tag catalogue, and the field catalogue
// when the provider supports custom fields. It returns the number of tags.
func (s *Synchronizer) RefreshCatalog(ctx context.Context, adapter provider.Adapter) (int, error) {
	if s.catalog == nil {
		return 0, errors.New("tags: no catalogue configured")
	}
	slug := adapter.Slug()
	caps := adapter.Capabilities()
	count := 0
	if caps.Has(provider.CapAddTags) {
		tags, err := adapter.SyncTags(ctx)
		if err != nil {
			return 0, err
		}
		if err := s.catalog.Replace(ctx, slug, db.CatalogTags, tags); err != nil {
			return 0, err
		}
		count = len(tags)
	}
	if caps.Has(provider.CapAddFields) {
		fields, err := adapter.SyncCRMFields(ctx)
		if err != nil && !errors.Is(err, syncerr.ErrUnsupported) {
			return count, err
		}
		if err == nil {
			if err := s.catalog.Replace(ctx, slug, db.CatalogFields, fields); err != nil {
				return count, err
			}
		}
	}
	s.log.Info("catalogue refreshed", zap.String("provider", slug), zap.Int("tags", count))
	return count, nil
}
