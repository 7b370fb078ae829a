// ABOUTME: In-memory provider adapter for tests of the sync core
// ABOUTME: Records every call and supports injected per-contact failures
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harperreed/contactsync/mapping"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
)

// Call is one recorded adapter invocation.
type Call struct {
	Op   string
	ID   string
	Tags []string
}

type failure struct {
	err       error
	remaining int // < 0 means forever
}

// Memory is a provider.Adapter backed by maps. Contacts are stored
// remote-keyed with an identity mapping for email and name unless Mappings
// is set.
type Memory struct {
	SlugName string
	Caps     provider.CapabilitySet
	Mappings []models.FieldMapping
	Pause    float64
	Spec     *provider.WebhookSpec

	mu       sync.Mutex
	nextID   int
	contacts map[string]map[string]any
	tags     map[string]models.TagSet
	catalog  map[string]string
	fails    map[string]*failure
	calls    []Call
}

// NewMemory returns an adapter declaring every capability.
func NewMemory(slug string) *Memory {
	return &Memory{
		SlugName: slug,
		Caps: provider.NewCapabilitySet(provider.CapAddTags, provider.CapAddFields, provider.CapRemoveTags,
			provider.CapLoadContacts, provider.CapWebhooks),
		Mappings: []models.FieldMapping{
			{LocalKey: models.FieldEmail, RemoteKey: "email", Active: true},
			{LocalKey: models.FieldName, RemoteKey: "name", Active: true},
		},
		contacts: make(map[string]map[string]any),
		tags:     make(map[string]models.TagSet),
		catalog:  make(map[string]string),
		fails:    make(map[string]*failure),
	}
}

// Seed stores a contact with remote-keyed fields and tags.
func (m *Memory) Seed(id string, fields map[string]any, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id] = copyFields(fields)
	m.tags[id] = models.NewTagSet(tags...)
}

// SetCatalog sets the tag catalogue returned by SyncTags.
func (m *Memory) SetCatalog(catalog map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = catalog
}

// Fail makes op on id return err for the next times calls; times < 0 fails
// forever. An empty id matches every contact.
func (m *Memory) Fail(op, id string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[op+"|"+id] = &failure{err: err, remaining: times}
}

// Calls returns the recorded calls, optionally filtered by op.
func (m *Memory) Calls(ops ...string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, 0, len(m.calls))
	for _, c := range m.calls {
		if len(ops) == 0 || contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// Contact returns a copy of the stored remote-keyed fields.
func (m *Memory) Contact(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	return copyFields(c), ok
}

// TagsOf returns the sorted tags on id.
func (m *Memory) TagsOf(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tags[id].Sorted()
}

func (m *Memory) record(op, id string, tags models.TagSet) error {
	m.calls = append(m.calls, Call{Op: op, ID: id, Tags: tags.Sorted()})
	for _, key := range []string{op + "|" + id, op + "|"} {
		f, ok := m.fails[key]
		if !ok || f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	return nil
}

// Resolver maps through Mappings.
func (m *Memory) Resolver() *mapping.Resolver {
	return mapping.NewResolver(m.Mappings)
}

func (m *Memory) Slug() string { return m.SlugName }

func (m *Memory) Capabilities() provider.CapabilitySet { return m.Caps }

func (m *Memory) SleepSeconds() float64 { return m.Pause }

func (m *Memory) WebhookSpec() provider.WebhookSpec {
	if m.Spec != nil {
		return *m.Spec
	}
	return provider.DefaultWebhookSpec()
}

func (m *Memory) Connect(ctx context.Context, cred models.Credential, test bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("connect", "", nil); err != nil {
		return err
	}
	if test && cred.AccessToken == "" {
		return syncerr.New(syncerr.KindConnection, m.SlugName, "connect", "missing credentials")
	}
	return nil
}

func (m *Memory) GetContactID(ctx context.Context, identifier string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get_contact_id", identifier, nil); err != nil {
		return "", false, err
	}
	ids := make([]string, 0, len(m.contacts))
	for id := range m.contacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if email, _ := m.contacts[id]["email"].(string); strings.EqualFold(email, identifier) {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (m *Memory) AddContact(ctx context.Context, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email, _ := fields["email"].(string)
	if err := m.record("add_contact", email, nil); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("m%d", m.nextID)
	m.contacts[id] = copyFields(fields)
	m.tags[id] = models.NewTagSet()
	return id, nil
}

func (m *Memory) UpdateContact(ctx context.Context, id string, fields map[string]any) (models.WriteOutcome, error) {
	if len(fields) == 0 {
		return models.OutcomeNoop, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("update_contact", id, nil); err != nil {
		return models.OutcomeNoop, err
	}
	c, ok := m.contacts[id]
	if !ok {
		return models.OutcomeNoop, syncerr.New(syncerr.KindNotFound, m.SlugName, "update_contact", "no contact "+id)
	}
	for k, v := range fields {
		c[k] = v
	}
	return models.OutcomePersisted, nil
}

func (m *Memory) LoadContact(ctx context.Context, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("load_contact", id, nil); err != nil {
		return nil, err
	}
	c, ok := m.contacts[id]
	if !ok {
		return nil, syncerr.New(syncerr.KindNotFound, m.SlugName, "load_contact", "no contact "+id)
	}
	return mapping.NewResolver(m.Mappings).ToLocal(c), nil
}

func (m *Memory) GetTags(ctx context.Context, id string) (models.TagSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get_tags", id, nil); err != nil {
		return nil, err
	}
	out := models.NewTagSet()
	for t := range m.tags[id] {
		out.Add(t)
	}
	return out, nil
}

func (m *Memory) ApplyTags(ctx context.Context, id string, tags models.TagSet) error {
	if len(tags) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("apply_tags", id, tags); err != nil {
		return err
	}
	if m.tags[id] == nil {
		m.tags[id] = models.NewTagSet()
	}
	for t := range tags {
		m.tags[id].Add(t)
	}
	return nil
}

func (m *Memory) RemoveTags(ctx context.Context, id string, tags models.TagSet) error {
	if len(tags) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("remove_tags", id, tags); err != nil {
		return err
	}
	for t := range tags {
		delete(m.tags[id], t)
	}
	return nil
}

func (m *Memory) SyncTags(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("sync_tags", "", nil); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m.catalog))
	for k, v := range m.catalog {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SyncCRMFields(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("sync_crm_fields", "", nil); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, fm := range m.Mappings {
		out[fm.RemoteKey] = fm.RemoteKey
	}
	return out, nil
}

func (m *Memory) LoadContacts(ctx context.Context, tag string) (provider.ContactStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("load_contacts", tag, nil); err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for id, set := range m.tags {
		if set.Has(tag) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return provider.NewSliceStream(ids), nil
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
