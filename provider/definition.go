// ABOUTME: Provider definitions: endpoint templates, auth flavor, mappings and webhook shape
// ABOUTME: Loaded from embedded YAML files and an optional user directory
package provider

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/token"
)

//go:embed definitions/*.yaml
var builtinFS embed.FS

// AuthFlavor selects how requests are authenticated.
type AuthFlavor string

const (
	AuthAPIKey AuthFlavor = "api_key"
	AuthOAuth2 AuthFlavor = "oauth2"
	AuthBasic  AuthFlavor = "basic"
	AuthSOAP   AuthFlavor = "soap"
)

// Auth describes a provider's authentication scheme.
type Auth struct {
	Flavor    AuthFlavor         `yaml:"flavor"`
	Placement token.Placement    `yaml:"placement"`
	AuthURL   string             `yaml:"auth_url"`
	TokenURL  string             `yaml:"token_url"`
	Scopes    []string           `yaml:"scopes"`
	Expiry    token.ExpirySignal `yaml:"expiry"`
}

// Endpoint is one templated HTTP call. Path and query values may contain
// {id}, {email}, {tag} and {cursor} placeholders.
type Endpoint struct {
	Method     string            `yaml:"method"`
	Path       string            `yaml:"path"`
	Query      map[string]string `yaml:"query"`
	BodyRoot   string            `yaml:"body_root"`
	IDPath     string            `yaml:"id_path"`
	ResultPath string            `yaml:"result_path"`
	ListPath   string            `yaml:"list_path"`
	IDField    string            `yaml:"id_field"`
	LabelField string            `yaml:"label_field"`
	PerTag     bool              `yaml:"per_tag"`
}

// Endpoint names used by the generic engine.
const (
	EndpointTest          = "test"
	EndpointFindContact   = "find_contact"
	EndpointAddContact    = "add_contact"
	EndpointUpdateContact = "update_contact"
	EndpointLoadContact   = "load_contact"
	EndpointGetTags       = "get_tags"
	EndpointApplyTags     = "apply_tags"
	EndpointRemoveTags    = "remove_tags"
	EndpointListTags      = "list_tags"
	EndpointListFields    = "list_fields"
	EndpointListContacts  = "list_contacts"
)

// Pagination describes how list_contacts pages are followed.
type Pagination struct {
	NextPath  string `yaml:"next_path"`
	PageParam string `yaml:"page_param"`
	PageStart int    `yaml:"page_start"`
}

// RateLimit paces outbound requests.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// ErrorShape says where error details live in a failed response.
type ErrorShape struct {
	MessagePaths []string `yaml:"message_paths"`
	FieldPath    string   `yaml:"field_path"`
}

// WebhookSpec describes how to find a contact and event type in inbound payloads.
type WebhookSpec struct {
	ContactIDFields []string          `yaml:"contact_id_fields"`
	EmailFields     []string          `yaml:"email_fields"`
	EnvelopePaths   []string          `yaml:"envelope_paths"`
	EventFields     []string          `yaml:"event_fields"`
	EventMap        map[string]string `yaml:"event_map"`
}

// DefaultWebhookSpec is used when a definition declares none.
func DefaultWebhookSpec() WebhookSpec {
	return WebhookSpec{
		ContactIDFields: []string{"contact_id"},
		EmailFields:     []string{"email"},
		EventFields:     []string{"event_type", "event", "type"},
	}
}

// Definition is the data that turns the generic engine into a provider.
type Definition struct {
	Slug               string                `yaml:"slug"`
	Name               string                `yaml:"name"`
	BaseURL            string                `yaml:"base_url"`
	Auth               Auth                  `yaml:"auth"`
	Capabilities       []Capability          `yaml:"capabilities"`
	SleepSeconds       float64               `yaml:"sleep_seconds"`
	RateLimit          RateLimit             `yaml:"rate_limit"`
	IdempotentStatuses []int                 `yaml:"idempotent_statuses"`
	Errors             ErrorShape            `yaml:"errors"`
	Pagination         Pagination            `yaml:"pagination"`
	Endpoints          map[string]Endpoint   `yaml:"endpoints"`
	Mappings           []models.FieldMapping `yaml:"mappings"`
	Webhook            *WebhookSpec          `yaml:"webhook"`
}

// Validate checks the definition is usable.
func (d *Definition) Validate() error {
	if d.Slug == "" {
		return errors.New("provider definition: slug is required")
	}
	if d.BaseURL == "" {
		return fmt.Errorf("provider definition %s: base_url is required", d.Slug)
	}
	switch d.Auth.Flavor {
	case AuthAPIKey, AuthOAuth2, AuthBasic, AuthSOAP:
	default:
		return fmt.Errorf("provider definition %s: unknown auth flavor %q", d.Slug, d.Auth.Flavor)
	}
	if d.Auth.Flavor == AuthOAuth2 && d.Auth.TokenURL == "" {
		return fmt.Errorf("provider definition %s: oauth2 requires token_url", d.Slug)
	}
	for _, name := range []string{EndpointTest, EndpointFindContact, EndpointAddContact, EndpointUpdateContact, EndpointLoadContact} {
		if _, ok := d.Endpoints[name]; !ok {
			return fmt.Errorf("provider definition %s: endpoint %s is required", d.Slug, name)
		}
	}
	caps := d.CapabilitySet()
	required := map[Capability][]string{
		CapAddTags:      {EndpointGetTags, EndpointApplyTags},
		CapRemoveTags:   {EndpointRemoveTags},
		CapLoadContacts: {EndpointListContacts},
	}
	for c, names := range required {
		if !caps.Has(c) {
			continue
		}
		for _, name := range names {
			if _, ok := d.Endpoints[name]; !ok {
				return fmt.Errorf("provider definition %s: capability %s needs endpoint %s", d.Slug, c, name)
			}
		}
	}
	return nil
}

// CapabilitySet returns the declared capabilities.
func (d *Definition) CapabilitySet() CapabilitySet {
	return NewCapabilitySet(d.Capabilities...)
}

// WebhookSpec returns the declared webhook shape or the defaults.
func (d *Definition) WebhookSpec() WebhookSpec {
	if d.Webhook == nil {
		return DefaultWebhookSpec()
	}
	spec := *d.Webhook
	def := DefaultWebhookSpec()
	if len(spec.EventFields) == 0 {
		spec.EventFields = def.EventFields
	}
	return spec
}

// Factory returns a factory building a RESTAdapter from d.
func (d *Definition) Factory() Factory {
	return func(deps Deps) (Adapter, error) {
		return NewRESTAdapter(d, deps)
	}
}

// ParseDefinition decodes one YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse provider definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitions reads every *.yaml file in dir of fsys, sorted by name.
func LoadDefinitions(fsys fs.FS, dir string) ([]*Definition, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && (strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// BuiltinDefinitions returns the definitions shipped with the binary.
func BuiltinDefinitions() ([]*Definition, error) {
	return LoadDefinitions(builtinFS, "definitions")
}

// LoadDefinitionsDir reads user definitions from a directory; a missing
// directory yields none.
func LoadDefinitionsDir(dir string) ([]*Definition, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return LoadDefinitions(os.DirFS(dir), ".")
}

// NewDefaultRegistry registers the builtin definitions, then any user
// definitions from dir. User files may not shadow builtins.
func NewDefaultRegistry(dir string) (*Registry, error) {
	reg := NewRegistry()
	builtin, err := BuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	user, err := LoadDefinitionsDir(dir)
	if err != nil {
		return nil, err
	}
	for _, def := range append(builtin, user...) {
		if err := reg.RegisterDefinition(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
