// ABOUTME: Google Contacts adapter built on the People API
// ABOUTME: Contact groups act as tags; requests are authorized through the token transport
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"

	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/mapping"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/token"
)

// Slug identifies the Google Contacts provider.
const Slug = "google"

// Remote keys understood by the adapter. Phone numbers carry their type as
// subtype, e.g. "phone+mobile".
const (
	KeyEmail        = "email"
	KeyName         = "name"
	KeyPhone        = "phone"
	KeyOrganization = "organization"
	KeyTitle        = "title"
	KeyBiography    = "biography"
)

const (
	personFields       = "names,emailAddresses,phoneNumbers,organizations,biographies,memberships"
	maxMembers         = 10000
	groupPageSize      = 1000
	connectionPageSize = 1000
	sleepSeconds       = 1.0
)

var scopes = []string{"https://www.googleapis.com/auth/contacts"}

// DefaultMappings maps canonical local keys to People API fields.
var DefaultMappings = []models.FieldMapping{
	{LocalKey: models.FieldEmail, RemoteKey: KeyEmail, Active: true},
	{LocalKey: models.FieldName, RemoteKey: KeyName, Active: true},
	{LocalKey: "phone", RemoteKey: KeyPhone, Subtype: "mobile", Active: true},
	{LocalKey: "company", RemoteKey: KeyOrganization, Active: true},
	{LocalKey: "title", RemoteKey: KeyTitle, Active: true},
	{LocalKey: "notes", RemoteKey: KeyBiography, Active: true},
}

// OAuthConfig builds the authorization-code configuration.
func OAuthConfig(cfg *models.ProviderConfig, redirectURL string) *oauth2.Config {
	oc := &oauth2.Config{
		RedirectURL: redirectURL,
		Scopes:      scopes,
		Endpoint:    googleoauth.Endpoint,
	}
	if cfg != nil {
		oc.ClientID = cfg.ClientID
		oc.ClientSecret = cfg.ClientSecret
	}
	return oc
}

// Register adds the Google factory and its OAuth configuration to reg. An
// empty endpoint uses the public API.
func Register(reg *provider.Registry, endpoint string) error {
	if err := reg.Register(Slug, Factory(endpoint)); err != nil {
		return err
	}
	reg.RegisterOAuth(Slug, OAuthConfig)
	return nil
}

// Factory builds Google adapters talking to endpoint.
func Factory(endpoint string) provider.Factory {
	return func(deps provider.Deps) (provider.Adapter, error) {
		return New(endpoint, deps)
	}
}

// Adapter implements provider.Adapter for Google Contacts.
type Adapter struct {
	endpoint string
	plain    *http.Client
	svc      *people.Service
	resolver *mapping.Resolver
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New creates an adapter. Requests refresh tokens through deps.Credentials.
func New(endpoint string, deps provider.Deps) (*Adapter, error) {
	if deps.Credentials == nil {
		return nil, fmt.Errorf("google: a credential store is required")
	}
	plain := deps.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: 30 * time.Second}
	}

	mgr := token.NewManager(token.Options{
		Slug:        Slug,
		Store:       deps.Credentials,
		Refresher:   &token.OAuthRefresher{Config: OAuthConfig(deps.Config, ""), HTTPClient: plain},
		LeaseTTL:    deps.LeaseTTL,
		WaitTimeout: deps.RefreshWait,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
	})
	client := &http.Client{
		Timeout:   plain.Timeout,
		Transport: &token.Transport{Manager: mgr, Base: plain.Transport, Placement: token.BearerPlacement},
	}

	svc, err := newService(context.Background(), endpoint, client)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		endpoint: endpoint,
		plain:    plain,
		svc:      svc,
		resolver: mapping.NewResolver(DefaultMappings, deps.Mappings),
		log:      logger.OrNop(deps.Logger).Named("google"),
		metrics:  deps.Metrics,
	}, nil
}

func newService(ctx context.Context, endpoint string, client *http.Client) (*people.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create People service: %w", err)
	}
	return svc, nil
}

func (a *Adapter) Slug() string { return Slug }

func (a *Adapter) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapAddTags, provider.CapAddFields, provider.CapRemoveTags, provider.CapLoadContacts)
}

// SleepSeconds is the pause between batch chunks.
func (a *Adapter) SleepSeconds() float64 { return sleepSeconds }

// Resolver exposes the active field mappings.
func (a *Adapter) Resolver() *mapping.Resolver { return a.resolver }

// Connect validates cred with a one-contact listing when test is set. The
// check uses cred directly since it has not been stored yet.
func (a *Adapter) Connect(ctx context.Context, cred models.Credential, test bool) error {
	if cred.AccessToken == "" {
		return syncerr.New(syncerr.KindConnection, Slug, "connect", "no access token; complete the Google authorization first")
	}
	if !test {
		return nil
	}

	started := time.Now()
	direct := &http.Client{
		Timeout: a.plain.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}),
			Base:   a.plain.Transport,
		},
	}
	svc, err := newService(ctx, a.endpoint, direct)
	if err != nil {
		return syncerr.Wrap(syncerr.KindConnection, Slug, "connect", err)
	}
	_, err = svc.People.Connections.List("people/me").PersonFields("names").PageSize(1).Context(ctx).Do()
	if err != nil {
		e := syncerr.New(syncerr.KindConnection, Slug, "connect", "Google rejected the credentials: "+apiMessage(err))
		a.metrics.ObserveProviderCall(Slug, "connect", started, e)
		return e
	}
	a.metrics.ObserveProviderCall(Slug, "connect", started, nil)
	return nil
}

// GetContactID finds a contact by exact email match.
func (a *Adapter) GetContactID(ctx context.Context, identifier string) (string, bool, error) {
	want := strings.ToLower(strings.TrimSpace(identifier))
	if want == "" {
		return "", false, nil
	}
	resp, err := call(ctx, a, "get_contact_id", func() (*people.SearchResponse, error) {
		return a.svc.People.SearchContacts().Query(want).ReadMask("emailAddresses").PageSize(10).Context(ctx).Do()
	})
	if err != nil {
		return "", false, err
	}
	for _, r := range resp.Results {
		if r.Person == nil {
			continue
		}
		for _, e := range r.Person.EmailAddresses {
			if strings.EqualFold(strings.TrimSpace(e.Value), want) {
				return r.Person.ResourceName, true, nil
			}
		}
	}
	return "", false, nil
}

// AddContact creates a person from remote-keyed fields.
func (a *Adapter) AddContact(ctx context.Context, fields map[string]any) (string, error) {
	p := &people.Person{}
	applyFields(p, fields)
	created, err := call(ctx, a, "add_contact", func() (*people.Person, error) {
		return a.svc.People.CreateContact(p).Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}
	return created.ResourceName, nil
}

// UpdateContact rewrites the touched field groups on an existing person.
func (a *Adapter) UpdateContact(ctx context.Context, id string, fields map[string]any) (models.WriteOutcome, error) {
	if id == "" {
		return models.OutcomeNoop, syncerr.Wrap(syncerr.KindValidation, Slug, "update_contact", syncerr.ErrMissingContactID)
	}
	if len(fields) == 0 {
		return models.OutcomeNoop, nil
	}
	current, err := a.get(ctx, "update_contact", id)
	if err != nil {
		return models.OutcomeNoop, err
	}
	touched := applyFields(current, fields)
	if len(touched) == 0 {
		return models.OutcomeNoop, nil
	}

	_, err = call(ctx, a, "update_contact", func() (*people.Person, error) {
		return a.svc.People.UpdateContact(id, current).UpdatePersonFields(strings.Join(touched, ",")).Context(ctx).Do()
	})
	if err != nil {
		return models.OutcomeNoop, err
	}
	return models.OutcomePersisted, nil
}

// LoadContact reads a person as local-keyed fields.
func (a *Adapter) LoadContact(ctx context.Context, id string) (map[string]any, error) {
	p, err := a.get(ctx, "load_contact", id)
	if err != nil {
		return nil, err
	}
	return a.resolver.ToLocal(personToRemote(p)), nil
}

// GetTags returns the contact group resource names the person belongs to.
func (a *Adapter) GetTags(ctx context.Context, id string) (models.TagSet, error) {
	p, err := a.get(ctx, "get_tags", id)
	if err != nil {
		return nil, err
	}
	tags := models.NewTagSet()
	for _, m := range p.Memberships {
		if m.ContactGroupMembership != nil {
			tags.Add(m.ContactGroupMembership.ContactGroupResourceName)
		}
	}
	return tags, nil
}

func (a *Adapter) get(ctx context.Context, op, id string) (*people.Person, error) {
	if id == "" {
		return nil, syncerr.Wrap(syncerr.KindValidation, Slug, op, syncerr.ErrMissingContactID)
	}
	return call(ctx, a, op, func() (*people.Person, error) {
		return a.svc.People.Get(id).PersonFields(personFields).Context(ctx).Do()
	})
}

// ApplyTags adds the person to each contact group. Adding an existing member
// is accepted by the API.
func (a *Adapter) ApplyTags(ctx context.Context, id string, tags models.TagSet) error {
	if len(tags) == 0 {
		return nil
	}
	for _, group := range tags.Sorted() {
		req := &people.ModifyContactGroupMembersRequest{ResourceNamesToAdd: []string{id}}
		if err := a.modify(ctx, "apply_tags", group, req); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTags removes the person from each contact group.
func (a *Adapter) RemoveTags(ctx context.Context, id string, tags models.TagSet) error {
	if len(tags) == 0 {
		return nil
	}
	for _, group := range tags.Sorted() {
		req := &people.ModifyContactGroupMembersRequest{ResourceNamesToRemove: []string{id}}
		if err := a.modify(ctx, "remove_tags", group, req); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) modify(ctx context.Context, op, group string, req *people.ModifyContactGroupMembersRequest) error {
	resp, err := call(ctx, a, op, func() (*people.ModifyContactGroupMembersResponse, error) {
		return a.svc.ContactGroups.Members.Modify(group, req).Context(ctx).Do()
	})
	if err != nil {
		return err
	}
	if len(resp.NotFoundResourceNames) > 0 {
		return syncerr.New(syncerr.KindNotFound, Slug, op, "contact not found: "+strings.Join(resp.NotFoundResourceNames, ", "))
	}
	return nil
}

// SyncTags lists every user contact group.
func (a *Adapter) SyncTags(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	pageToken := ""
	for {
		resp, err := call(ctx, a, "sync_tags", func() (*people.ListContactGroupsResponse, error) {
			c := a.svc.ContactGroups.List().PageSize(groupPageSize).Context(ctx)
			if pageToken != "" {
				c = c.PageToken(pageToken)
			}
			return c.Do()
		})
		if err != nil {
			return nil, err
		}
		for _, g := range resp.ContactGroups {
			if g.GroupType != "" && g.GroupType != "USER_CONTACT_GROUP" {
				continue
			}
			label := g.FormattedName
			if label == "" {
				label = g.Name
			}
			out[g.ResourceName] = label
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// SyncCRMFields returns the fixed set of People API fields the adapter maps.
func (a *Adapter) SyncCRMFields(ctx context.Context) (map[string]string, error) {
	return map[string]string{
		KeyEmail:        "Email address",
		KeyName:         "Name",
		KeyPhone:        "Phone number",
		KeyOrganization: "Organization",
		KeyTitle:        "Job title",
		KeyBiography:    "Notes",
	}, nil
}

// LoadContacts returns the members of a contact group. Groups whose
// membership does not fit in one response are scanned through the paged
// connections listing instead.
func (a *Adapter) LoadContacts(ctx context.Context, tag string) (provider.ContactStream, error) {
	g, err := call(ctx, a, "load_contacts", func() (*people.ContactGroup, error) {
		return a.svc.ContactGroups.Get(tag).MaxMembers(maxMembers).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	if int64(g.MemberCount) > int64(len(g.MemberResourceNames)) {
		a.log.Debug("contact group exceeds one response, scanning connections",
			zap.String("group", tag), zap.Int64("members", int64(g.MemberCount)))
		return &membershipStream{adapter: a, group: tag}, nil
	}
	ids := append([]string(nil), g.MemberResourceNames...)
	sort.Strings(ids)
	return provider.NewSliceStream(ids), nil
}

// membershipStream pages through the user's connections in first-name order
// and yields those that belong to group.
type membershipStream struct {
	adapter *Adapter
	group   string
	page    []string
	token   string
	started bool
	cur     string
	err     error
}

func (s *membershipStream) Next(ctx context.Context) bool {
	for len(s.page) == 0 {
		if s.err != nil || (s.started && s.token == "") {
			return false
		}
		s.fetch(ctx)
	}
	s.cur, s.page = s.page[0], s.page[1:]
	return true
}

func (s *membershipStream) ContactID() string { return s.cur }

func (s *membershipStream) Err() error { return s.err }

func (s *membershipStream) fetch(ctx context.Context) {
	a := s.adapter
	resp, err := call(ctx, a, "load_contacts", func() (*people.ListConnectionsResponse, error) {
		c := a.svc.People.Connections.List("people/me").
			PersonFields("memberships").
			SortOrder("FIRST_NAME_ASCENDING").
			PageSize(connectionPageSize).
			Context(ctx)
		if s.token != "" {
			c = c.PageToken(s.token)
		}
		return c.Do()
	})
	s.started = true
	if err != nil {
		s.err = err
		return
	}
	for _, p := range resp.Connections {
		for _, m := range p.Memberships {
			if m.ContactGroupMembership != nil && m.ContactGroupMembership.ContactGroupResourceName == s.group {
				s.page = append(s.page, p.ResourceName)
				break
			}
		}
	}
	s.token = resp.NextPageToken
}

// call runs fn and classifies its error. A transient failure is retried once
// in place; the provider call is observed once with the final outcome.
func call[T any](ctx context.Context, a *Adapter, op string, fn func() (T, error)) (T, error) {
	started := time.Now()
	var (
		v   T
		err error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		v, err = fn()
		err = classify(op, err)
		if err == nil || syncerr.KindOf(err) != syncerr.KindTransient || attempt == 2 || ctx.Err() != nil {
			break
		}
		a.log.Debug("retrying transient failure", zap.String("op", op), zap.Error(err))
	}
	a.metrics.ObserveProviderCall(Slug, op, started, err)
	if err != nil {
		a.log.Debug("people api call failed", zap.String("op", op), zap.Error(err))
	}
	return v, err
}

// classify maps People API failures onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return se
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		e := syncerr.FromStatus(Slug, op, gerr.Code, apiMessage(err))
		if gerr.Code == http.StatusTooManyRequests {
			if v := gerr.Header.Get("Retry-After"); v != "" {
				if d, perr := time.ParseDuration(v + "s"); perr == nil {
					e.RetryAfter = d
				}
			}
		}
		return e
	}
	return syncerr.Wrap(syncerr.KindTransient, Slug, op, err)
}

func apiMessage(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return err.Error()
}
