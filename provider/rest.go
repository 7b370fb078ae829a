// ABOUTME: Generic data-driven adapter implementing the contract from a Definition
// ABOUTME: Request bodies are built with sjson and responses read with gjson
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/mapping"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/token"
)

// RESTAdapter serves any JSON-over-HTTP provider described by a Definition.
type RESTAdapter struct {
	def      *Definition
	caps     CapabilitySet
	resolver *mapping.Resolver
	plain    *http.Client
	client   *http.Client
	limiter  *rate.Limiter
	log      *zap.Logger
	metrics  *metrics.Metrics
	cred     models.Credential
}

// NewRESTAdapter builds the generic engine for def. SOAP providers are not
// served by the generic engine.
func NewRESTAdapter(def *Definition, deps Deps) (*RESTAdapter, error) {
	if def.Auth.Flavor == AuthSOAP {
		return nil, syncerr.New(syncerr.KindUnsupported, def.Slug, "connect", "soap providers need a dedicated adapter")
	}

	a := &RESTAdapter{
		def:      def,
		caps:     def.CapabilitySet(),
		resolver: mapping.NewResolver(def.Mappings, deps.Mappings),
		plain:    deps.httpClient(),
		log:      logger.OrNop(deps.Logger).Named("provider").With(zap.String("provider", def.Slug)),
		metrics:  deps.Metrics,
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	if def.RateLimit.PerSecond > 0 {
		burst := def.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(def.RateLimit.PerSecond), burst)
	}

	a.client = a.plain
	if def.Auth.Flavor == AuthOAuth2 {
		if deps.Credentials == nil {
			return nil, fmt.Errorf("provider %s: oauth2 requires a credential store", def.Slug)
		}
		mgr := token.NewManager(token.Options{
			Slug:        def.Slug,
			Store:       deps.Credentials,
			Refresher:   &token.OAuthRefresher{Config: def.OAuthConfig(deps.Config, ""), HTTPClient: a.plain},
			LeaseTTL:    deps.LeaseTTL,
			WaitTimeout: deps.RefreshWait,
			Logger:      deps.Logger,
			Metrics:     deps.Metrics,
		})
		a.client = &http.Client{
			Timeout: a.plain.Timeout,
			Transport: &token.Transport{
				Manager:   mgr,
				Base:      a.plain.Transport,
				Placement: a.placement(),
				Expiry:    def.Auth.Expiry,
			},
		}
	}
	return a, nil
}

// OAuthConfig builds the oauth2 configuration for an oauth2 definition.
func (d *Definition) OAuthConfig(cfg *models.ProviderConfig, redirectURL string) *oauth2.Config {
	oc := &oauth2.Config{
		RedirectURL: redirectURL,
		Scopes:      d.Auth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  d.Auth.AuthURL,
			TokenURL: d.Auth.TokenURL,
		},
	}
	if cfg != nil {
		oc.ClientID = cfg.ClientID
		oc.ClientSecret = cfg.ClientSecret
	}
	return oc
}

func (a *RESTAdapter) Slug() string { return a.def.Slug }

func (a *RESTAdapter) Capabilities() CapabilitySet { return a.caps }

// WebhookSpec describes this provider's webhook payloads.
func (a *RESTAdapter) WebhookSpec() WebhookSpec { return a.def.WebhookSpec() }

// SleepSeconds is the pause batch jobs take between chunks.
func (a *RESTAdapter) SleepSeconds() float64 { return a.def.SleepSeconds }

// Resolver exposes the active field mappings.
func (a *RESTAdapter) Resolver() *mapping.Resolver { return a.resolver }

func (a *RESTAdapter) placement() token.Placement {
	p := a.def.Auth.Placement
	if p.In == "" && p.Name == "" {
		return token.BearerPlacement
	}
	return p
}

// Connect stores cred and, when test is set, validates it with one read.
func (a *RESTAdapter) Connect(ctx context.Context, cred models.Credential, test bool) error {
	if cred.AccessToken == "" {
		return syncerr.New(syncerr.KindConnection, a.def.Slug, "connect", "no credentials supplied")
	}
	if test {
		if err := a.testConnection(ctx, cred); err != nil {
			return err
		}
	}
	a.cred = cred
	return nil
}

func (a *RESTAdapter) testConnection(ctx context.Context, cred models.Credential) error {
	ep := a.def.Endpoints[EndpointTest]
	req, err := a.newRequest(ctx, ep, nil, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.KindConnection, a.def.Slug, "connect", err)
	}
	a.authorize(req, cred, true)

	started := time.Now()
	resp, err := a.plain.Do(req)
	if err != nil {
		e := syncerr.Wrap(syncerr.KindConnection, a.def.Slug, "connect", err)
		e.Message = fmt.Sprintf("could not reach %s: %v", a.name(), err)
		a.metrics.ObserveProviderCall(a.def.Slug, "connect", started, e)
		return e
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := readBody(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.metrics.ObserveProviderCall(a.def.Slug, "connect", started, nil)
		return nil
	}
	e := syncerr.New(syncerr.KindConnection, a.def.Slug, "connect",
		fmt.Sprintf("%s rejected the credentials (HTTP %d): %s", a.name(), resp.StatusCode, a.errorMessage(data, resp.StatusCode)))
	e.Status = resp.StatusCode
	a.metrics.ObserveProviderCall(a.def.Slug, "connect", started, e)
	return e
}

func (a *RESTAdapter) name() string {
	if a.def.Name != "" {
		return a.def.Name
	}
	return a.def.Slug
}

// GetContactID looks a contact up by email or another stable identifier.
func (a *RESTAdapter) GetContactID(ctx context.Context, identifier string) (string, bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", false, nil
	}
	ep := a.def.Endpoints[EndpointFindContact]
	data, status, err := a.do(ctx, "get_contact_id", ep, map[string]string{"email": identifier, "id": identifier}, nil, http.StatusNotFound)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	id := gjson.GetBytes(data, ep.IDPath)
	if !id.Exists() || id.String() == "" {
		return "", false, nil
	}
	return id.String(), true, nil
}

// AddContact creates a contact from remote-keyed fields.
func (a *RESTAdapter) AddContact(ctx context.Context, fields map[string]any) (string, error) {
	ep := a.def.Endpoints[EndpointAddContact]
	body, err := encodeFields(ep.BodyRoot, fields)
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindValidation, a.def.Slug, "add_contact", err)
	}
	data, _, err := a.do(ctx, "add_contact", ep, nil, body)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, ep.IDPath)
	if !id.Exists() || id.String() == "" {
		return "", syncerr.New(syncerr.KindTransient, a.def.Slug, "add_contact", "response did not include a contact id")
	}
	return id.String(), nil
}

// UpdateContact writes remote-keyed fields to an existing contact.
func (a *RESTAdapter) UpdateContact(ctx context.Context, id string, fields map[string]any) (models.WriteOutcome, error) {
	if id == "" {
		return models.OutcomeNoop, syncerr.Wrap(syncerr.KindValidation, a.def.Slug, "update_contact", syncerr.ErrMissingContactID)
	}
	if len(fields) == 0 {
		return models.OutcomeNoop, nil
	}
	ep := a.def.Endpoints[EndpointUpdateContact]
	body, err := encodeFields(ep.BodyRoot, fields)
	if err != nil {
		return models.OutcomeNoop, syncerr.Wrap(syncerr.KindValidation, a.def.Slug, "update_contact", err)
	}
	if _, _, err := a.do(ctx, "update_contact", ep, map[string]string{"id": id}, body); err != nil {
		return models.OutcomeNoop, err
	}
	return models.OutcomePersisted, nil
}

// LoadContact reads a contact back as local-keyed fields.
func (a *RESTAdapter) LoadContact(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, syncerr.Wrap(syncerr.KindValidation, a.def.Slug, "load_contact", syncerr.ErrMissingContactID)
	}
	ep := a.def.Endpoints[EndpointLoadContact]
	data, _, err := a.do(ctx, "load_contact", ep, map[string]string{"id": id}, nil)
	if err != nil {
		return nil, err
	}
	record := gjson.ParseBytes(data)
	if ep.ResultPath != "" {
		record = record.Get(ep.ResultPath)
	}

	remote := make(map[string]any)
	for _, key := range a.resolver.RemoteKeys() {
		if v := record.Get(fieldPath("", key)); v.Exists() {
			remote[key] = v.Value()
		}
	}
	return a.resolver.ToLocal(remote), nil
}

// GetTags returns the tags currently on the contact.
func (a *RESTAdapter) GetTags(ctx context.Context, id string) (models.TagSet, error) {
	ep, err := a.endpoint(EndpointGetTags, "get_tags")
	if err != nil {
		return nil, err
	}
	data, _, err := a.do(ctx, "get_tags", ep, map[string]string{"id": id}, nil)
	if err != nil {
		return nil, err
	}
	tags := models.NewTagSet()
	for _, item := range listItems(data, ep.ListPath) {
		tags.Add(itemField(item, ep.IDField))
	}
	return tags, nil
}

// ApplyTags adds tags to a contact.
func (a *RESTAdapter) ApplyTags(ctx context.Context, id string, tags models.TagSet) error {
	if len(tags) == 0 {
		return nil
	}
	if !a.caps.Has(CapAddTags) {
		return syncerr.New(syncerr.KindUnsupported, a.def.Slug, "apply_tags", "provider cannot apply tags")
	}
	return a.tagCall(ctx, EndpointApplyTags, "apply_tags", id, tags)
}

// RemoveTags removes tags from a contact.
func (a *RESTAdapter) RemoveTags(ctx context.Context, id string, tags models.TagSet) error {
	if len(tags) == 0 {
		return nil
	}
	if !a.caps.Has(CapRemoveTags) {
		return syncerr.New(syncerr.KindUnsupported, a.def.Slug, "remove_tags", "provider cannot remove tags")
	}
	return a.tagCall(ctx, EndpointRemoveTags, "remove_tags", id, tags)
}

func (a *RESTAdapter) tagCall(ctx context.Context, name, op, id string, tags models.TagSet) error {
	ep, err := a.endpoint(name, op)
	if err != nil {
		return err
	}
	ids := tags.Sorted()

	if !ep.PerTag {
		body, err := encodeList(ep.BodyRoot, ids)
		if err != nil {
			return syncerr.Wrap(syncerr.KindValidation, a.def.Slug, op, err)
		}
		_, _, err = a.do(ctx, op, ep, map[string]string{"id": id}, body, a.def.IdempotentStatuses...)
		return err
	}

	for _, tag := range ids {
		var body []byte
		if ep.BodyRoot != "" {
			b, err := sjson.SetBytes([]byte(`{}`), ep.BodyRoot, tag)
			if err != nil {
				return syncerr.Wrap(syncerr.KindValidation, a.def.Slug, op, err)
			}
			body = b
		}
		if _, _, err := a.do(ctx, op, ep, map[string]string{"id": id, "tag": tag}, body, a.def.IdempotentStatuses...); err != nil {
			return err
		}
	}
	return nil
}

// SyncTags fetches the full tag catalogue.
func (a *RESTAdapter) SyncTags(ctx context.Context) (map[string]string, error) {
	return a.catalogue(ctx, EndpointListTags, "sync_tags")
}

// SyncCRMFields fetches the full custom field catalogue.
func (a *RESTAdapter) SyncCRMFields(ctx context.Context) (map[string]string, error) {
	return a.catalogue(ctx, EndpointListFields, "sync_crm_fields")
}

func (a *RESTAdapter) catalogue(ctx context.Context, name, op string) (map[string]string, error) {
	ep, err := a.endpoint(name, op)
	if err != nil {
		return nil, err
	}
	data, _, err := a.do(ctx, op, ep, nil, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, item := range listItems(data, ep.ListPath) {
		id := itemField(item, ep.IDField)
		if id == "" {
			continue
		}
		label := itemField(item, ep.LabelField)
		if label == "" {
			label = id
		}
		out[id] = label
	}
	return out, nil
}

// LoadContacts streams ids of contacts carrying tag.
func (a *RESTAdapter) LoadContacts(ctx context.Context, tag string) (ContactStream, error) {
	if !a.caps.Has(CapLoadContacts) {
		return nil, syncerr.New(syncerr.KindUnsupported, a.def.Slug, "load_contacts", "provider cannot list contacts by tag")
	}
	ep, err := a.endpoint(EndpointListContacts, "load_contacts")
	if err != nil {
		return nil, err
	}
	return &restStream{adapter: a, ep: ep, tag: tag, page: a.def.Pagination.PageStart}, nil
}

func (a *RESTAdapter) endpoint(name, op string) (Endpoint, error) {
	ep, ok := a.def.Endpoints[name]
	if !ok {
		return Endpoint{}, syncerr.New(syncerr.KindUnsupported, a.def.Slug, op, "provider definition has no "+name+" endpoint")
	}
	return ep, nil
}

// encodeFields places remote-keyed values into a JSON document. A compound
// key "group+subtype" becomes the nested object {"group":{"subtype":v}}.
func encodeFields(root string, fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := []byte(`{}`)
	for _, k := range keys {
		var err error
		doc, err = sjson.SetBytes(doc, fieldPath(root, k), fields[k])
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", k, err)
		}
	}
	return doc, nil
}

func encodeList(root string, ids []string) ([]byte, error) {
	if root == "" {
		return json.Marshal(ids)
	}
	return sjson.SetBytes([]byte(`{}`), root, ids)
}

func fieldPath(root, key string) string {
	parts := strings.Split(key, models.SubtypeDelimiter)
	for i, p := range parts {
		parts[i] = escapePath(p)
	}
	path := strings.Join(parts, ".")
	if root != "" {
		return root + "." + path
	}
	return path
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

func escapePath(s string) string {
	return pathEscaper.Replace(s)
}

func listItems(data []byte, path string) []gjson.Result {
	list := gjson.ParseBytes(data)
	if path != "" {
		list = list.Get(path)
	}
	if !list.IsArray() {
		return nil
	}
	return list.Array()
}

func itemField(item gjson.Result, field string) string {
	if field == "" {
		return item.String()
	}
	return item.Get(field).String()
}
