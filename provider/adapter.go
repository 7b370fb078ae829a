// ABOUTME: Adapter contract every provider implements plus capability declarations
// ABOUTME: Also defines the lazy contact id stream used for bulk scans
package provider

import (
	"context"
	"sort"

	"github.com/harperreed/contactsync/mapping"
	"github.com/harperreed/contactsync/models"
)

// Capability names optional behavior a provider may support.
type Capability string

const (
	CapAddTags      Capability = "add_tags"
	CapAddFields    Capability = "add_fields"
	CapRemoveTags   Capability = "remove_tags"
	CapLoadContacts Capability = "load_contacts"
	CapWebhooks     Capability = "webhooks"
)

// CapabilitySet is the static set of capabilities a provider declares.
type CapabilitySet map[Capability]bool

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether c is declared.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// List returns the declared capabilities sorted by name.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c, ok := range s {
		if ok {
			out = append(out, string(c))
		}
	}
	sort.Strings(out)
	return out
}

// ContactStream is a lazy, finite, non-restartable sequence of contact ids.
// Once Next returns false it keeps returning false.
type ContactStream interface {
	Next(ctx context.Context) bool
	ContactID() string
	Err() error
}

// Adapter is the operation set every provider satisfies. Contact ids are
// opaque strings. Field maps passed to AddContact and UpdateContact are keyed
// by remote key; LoadContact returns local keys for active mappings only.
type Adapter interface {
	Slug() string
	Capabilities() CapabilitySet
	// Resolver translates between local and remote field keys.
	Resolver() *mapping.Resolver

	// Connect establishes client state. With test set it performs one
	// lightweight read and returns a KindConnection error when rejected.
	Connect(ctx context.Context, cred models.Credential, test bool) error

	// GetContactID returns found=false, err=nil when nothing matches.
	GetContactID(ctx context.Context, identifier string) (string, bool, error)
	AddContact(ctx context.Context, fields map[string]any) (string, error)
	// UpdateContact returns OutcomeNoop without any network call when fields is empty.
	UpdateContact(ctx context.Context, id string, fields map[string]any) (models.WriteOutcome, error)
	LoadContact(ctx context.Context, id string) (map[string]any, error)

	GetTags(ctx context.Context, id string) (models.TagSet, error)
	// ApplyTags and RemoveTags are idempotent and never call out for an empty set.
	ApplyTags(ctx context.Context, id string, tags models.TagSet) error
	RemoveTags(ctx context.Context, id string, tags models.TagSet) error

	SyncTags(ctx context.Context) (map[string]string, error)
	SyncCRMFields(ctx context.Context) (map[string]string, error)
	LoadContacts(ctx context.Context, tag string) (ContactStream, error)
}

// WebhookSource is implemented by adapters that describe their webhook payloads.
type WebhookSource interface {
	WebhookSpec() WebhookSpec
}

// SliceStream serves ids from memory. Useful for adapters whose API returns
// the full membership at once.
type SliceStream struct {
	ids []string
	pos int
	cur string
}

func NewSliceStream(ids []string) *SliceStream {
	return &SliceStream{ids: ids}
}

func (s *SliceStream) Next(ctx context.Context) bool {
	if s.pos >= len(s.ids) || ctx.Err() != nil {
		s.cur = ""
		return false
	}
	s.cur = s.ids[s.pos]
	s.pos++
	return true
}

func (s *SliceStream) ContactID() string { return s.cur }

func (s *SliceStream) Err() error { return nil }
