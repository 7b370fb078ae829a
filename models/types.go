// ABOUTME: Data models for the contact sync engine
// ABOUTME: Defines local users, contact links, mappings, tags, credentials, webhook events and batch jobs
package models

import (
	"sort"
	"time"
)

// LocalUser is a record in the local user store.
type LocalUser struct {
	ID        int64          `json:"id"`
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CanonicalFields returns the user's canonical local field map, including the
// built-in email and name keys.
func (u *LocalUser) CanonicalFields() map[string]any {
	out := make(map[string]any, len(u.Fields)+2)
	for k, v := range u.Fields {
		out[k] = v
	}
	if u.Email != "" {
		out[FieldEmail] = u.Email
	}
	if u.Name != "" {
		out[FieldName] = u.Name
	}
	return out
}

// Canonical local field keys that every user carries.
const (
	FieldEmail = "email"
	FieldName  = "name"
)

// ContactLink maps a local user to an opaque remote contact id for one provider.
type ContactLink struct {
	UserID       int64     `json:"user_id"`
	ProviderSlug string    `json:"provider_slug"`
	ContactID    string    `json:"contact_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SubtypeDelimiter separates a remote key from its provider-owned subtype.
const SubtypeDelimiter = "+"

// FieldMapping declares the correspondence between a local and a remote field.
type FieldMapping struct {
	LocalKey  string `json:"local_key" yaml:"local_key"`
	RemoteKey string `json:"remote_key" yaml:"remote_key"`
	Subtype   string `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	Active    bool   `json:"active" yaml:"active"`
}

// Participates reports whether the mapping takes part in translation.
func (m FieldMapping) Participates() bool {
	return m.Active && m.RemoteKey != ""
}

// Tag is a provider-defined label attachable to a contact.
type Tag struct {
	RemoteID string `json:"remote_id"`
	Label    string `json:"label"`
}

// TagSet is a set of remote tag ids.
type TagSet map[string]struct{}

// NewTagSet builds a set from ids, ignoring empty strings.
func NewTagSet(ids ...string) TagSet {
	s := make(TagSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Has reports membership.
func (s TagSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s TagSet) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

// Minus returns the ids in s that are not in other.
func (s TagSet) Minus(other TagSet) TagSet {
	out := make(TagSet)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersect returns the ids present in both sets.
func (s TagSet) Intersect(other TagSet) TagSet {
	out := make(TagSet)
	for id := range s {
		if other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the ids in lexical order.
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Credential is the single live credential for a connected provider.
type Credential struct {
	ProviderSlug string     `json:"provider_slug"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Username     string     `json:"username,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the access token is past its expiry, allowing for skew.
func (c *Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*c.ExpiresAt)
}

// ProviderConfig is the opaque per-provider settings blob.
type ProviderConfig struct {
	Slug         string            `json:"slug"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	DefaultTag   string            `json:"default_tag,omitempty"`
	Toggles      map[string]bool   `json:"toggles,omitempty"`
	SleepSeconds *float64          `json:"sleep_seconds,omitempty"`
}

// Enabled reports a feature toggle, defaulting to false.
func (c *ProviderConfig) Enabled(toggle string) bool {
	if c == nil || c.Toggles == nil {
		return false
	}
	return c.Toggles[toggle]
}

// Feature toggles read from ProviderConfig.
const (
	ToggleSyncTags     = "sync_tags"
	TogglePullOnUpdate = "pull_on_update"
)

// WriteOutcome distinguishes a skipped write from one that reached the provider.
type WriteOutcome int

const (
	OutcomeNoop WriteOutcome = iota
	OutcomePersisted
)

func (o WriteOutcome) String() string {
	if o == OutcomePersisted {
		return "persisted"
	}
	return "noop"
}

// WebhookEvent is a normalized inbound provider notification.
type WebhookEvent struct {
	ProviderSlug string `json:"provider_slug"`
	RawPayload   []byte `json:"-"`
	ContactID    string `json:"contact_id"`
	EventType    string `json:"event_type"`
}

// Webhook event types understood by the dispatcher.
const (
	EventUpdate      = "update"
	EventTag         = "tag"
	EventUnsubscribe = "unsubscribe"
	EventDelete      = "delete"
)

// Batch job types.
const (
	JobResyncUsers = "resync_users"
	JobApplyTag    = "apply_tag"
	JobImportTag   = "import_tag"
)

// Batch job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// RequeuedRecord is a record deferred to the end of its job after a retryable failure.
type RequeuedRecord struct {
	Key      string `json:"key"`
	Attempts int    `json:"attempts"`
}

// BatchJob is a resumable, chunked bulk operation. Cursor is the last
// processed user id for resync_users and apply_tag jobs, and the number of
// stream entries consumed for import_tag jobs. Scanned counts candidates taken
// from the sequence; a positive TotalEstimate stops scanning once reached.
type BatchJob struct {
	ID            string           `json:"id"`
	ProviderSlug  string           `json:"provider_slug"`
	JobType       string           `json:"job_type"`
	Tag           string           `json:"tag,omitempty"`
	Cursor        int              `json:"cursor"`
	Scanned       int              `json:"scanned"`
	TotalEstimate int              `json:"total_estimate"`
	ChunkSize     int              `json:"chunk_size"`
	SleepSeconds  float64          `json:"sleep_seconds"`
	Status        string           `json:"status"`
	Requeue       []RequeuedRecord `json:"requeue,omitempty"`
	Processed     int              `json:"processed"`
	Failed        int              `json:"failed"`
	LeaseOwner    string           `json:"lease_owner,omitempty"`
	LeaseUntil    *time.Time       `json:"lease_until,omitempty"`
	NextRunAt     *time.Time       `json:"next_run_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// Done reports whether the job reached a final status.
func (j *BatchJob) Done() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// SleepDuration converts SleepSeconds to a duration.
func (j *BatchJob) SleepDuration() time.Duration {
	return time.Duration(j.SleepSeconds * float64(time.Second))
}

// BatchFailure records a record that could not be processed.
type BatchFailure struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	RecordKey string    `json:"record_key"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Sync status constants.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

type SyncState struct {
	Service       string     `json:"service"`
	LastSyncTime  *time.Time `json:"last_sync_time,omitempty"`
	LastSyncToken string     `json:"last_sync_token,omitempty"`
	Status        string     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type SyncLog struct {
	ID            string    `json:"id"`
	SourceService string    `json:"source_service"`
	SourceID      string    `json:"source_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	ImportedAt    time.Time `json:"imported_at"`
	Metadata      string    `json:"metadata,omitempty"`
}
