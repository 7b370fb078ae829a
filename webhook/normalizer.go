// ABOUTME: Normalizes inbound provider webhook payloads into contact events
// ABOUTME: Understands flat form bodies, JSON envelopes and query strings
package webhook

import (
	"context"
	"mime"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
)

// EventDropped is the metrics label for payloads that resolve to no contact.
const EventDropped = "dropped"

// Input is an unparsed inbound delivery.
type Input struct {
	Body        []byte
	ContentType string
	Query       url.Values
}

// Normalizer turns Inputs into WebhookEvents.
type Normalizer struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Normalizer.
type Option func(*Normalizer)

func WithLogger(l *zap.Logger) Option {
	return func(n *Normalizer) { n.log = logger.OrNop(l).Named("webhook") }
}

func WithMetrics(m *metrics.Metrics) Option { return func(n *Normalizer) { n.metrics = m } }

func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{log: logger.Nop()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize resolves the contact an inbound payload refers to. The contact
// is taken from an explicit id field, then from an email address looked up
// through the adapter, then from the provider's envelope paths. When none
// resolve Normalize returns nil and no error.
func (n *Normalizer) Normalize(ctx context.Context, adapter provider.Adapter, in Input) (*models.WebhookEvent, error) {
	slug := adapter.Slug()
	spec := provider.DefaultWebhookSpec()
	if src, ok := adapter.(provider.WebhookSource); ok {
		spec = src.WebhookSpec()
	}
	p := parse(in)

	contactID := p.first(spec.ContactIDFields)
	if contactID == "" {
		for _, field := range spec.EmailFields {
			email := strings.TrimSpace(p.get(field))
			if !strings.Contains(email, "@") {
				continue
			}
			id, found, err := adapter.GetContactID(ctx, email)
			if err != nil {
				return nil, err
			}
			if found {
				contactID = id
				break
			}
		}
	}
	if contactID == "" && p.json {
		for _, path := range spec.EnvelopePaths {
			if v := gjson.GetBytes(in.Body, path); v.Exists() && v.String() != "" {
				contactID = v.String()
				break
			}
		}
	}
	if contactID == "" {
		n.log.Debug("dropping webhook without a resolvable contact", zap.String("provider", slug))
		n.metrics.WebhookEvent(slug, EventDropped)
		return nil, nil
	}

	ev := &models.WebhookEvent{
		ProviderSlug: slug,
		RawPayload:   in.Body,
		ContactID:    contactID,
		EventType:    eventType(p.first(spec.EventFields), spec.EventMap),
	}
	n.metrics.WebhookEvent(slug, ev.EventType)
	n.log.Debug("webhook normalized",
		zap.String("provider", slug),
		zap.String("contact_id", contactID),
		zap.String("event", ev.EventType))
	return ev, nil
}

func eventType(raw string, eventMap map[string]string) string {
	if raw == "" {
		return models.EventUpdate
	}
	if mapped, ok := eventMap[raw]; ok {
		return mapped
	}
	return strings.ToLower(raw)
}

type payload struct {
	json  bool
	body  []byte
	form  url.Values
	query url.Values
}

func parse(in Input) payload {
	p := payload{body: in.Body, query: in.Query}
	mediaType, _, _ := mime.ParseMediaType(in.ContentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		p.json = gjson.ValidBytes(in.Body)
	case mediaType == "application/x-www-form-urlencoded":
		p.form, _ = url.ParseQuery(string(in.Body))
	default:
		trimmed := strings.TrimSpace(string(in.Body))
		if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
			p.json = true
		} else if trimmed != "" {
			p.form, _ = url.ParseQuery(trimmed)
		}
	}
	return p
}

// get looks a field up in the body first and the query string second. JSON
// field names may be gjson paths.
func (p payload) get(field string) string {
	if p.json {
		if v := gjson.GetBytes(p.body, field); v.Exists() && v.Type != gjson.JSON {
			return v.String()
		}
	}
	if v := p.form.Get(field); v != "" {
		return v
	}
	return p.query.Get(field)
}

func (p payload) first(fields []string) string {
	for _, f := range fields {
		if v := strings.TrimSpace(p.get(f)); v != "" {
			return v
		}
	}
	return ""
}
