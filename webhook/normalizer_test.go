// ABOUTME: Tests for webhook normalization across payload shapes
// ABOUTME: Covers id fields, email lookup, envelopes, event mapping and drops
package webhook

import (
	"context"
	"io"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/provider/providertest"
	"github.com/harperreed/contactsync/syncerr"
)

func newMemory() *providertest.Memory {
	mem := providertest.NewMemory("mem")
	mem.Spec = &provider.WebhookSpec{
		ContactIDFields: []string{"contact_id", "subscriber_id"},
		EmailFields:     []string{"email", "data.email"},
		EnvelopePaths:   []string{"data.contact.id"},
		EventFields:     []string{"event", "type"},
		EventMap: map[string]string{
			"contact.updated":      models.EventUpdate,
			"contact.unsubscribed": models.EventUnsubscribe,
		},
	}
	mem.Seed("c7", map[string]any{"email": "a@x.com"})
	return mem
}

func TestNormalizePayloadShapes(t *testing.T) {
	tests := []struct {
		name      string
		in        Input
		contactID string
		event     string
	}{
		{
			name:      "form body with explicit id",
			in:        Input{Body: []byte("contact_id=c1&event=contact.unsubscribed"), ContentType: "application/x-www-form-urlencoded"},
			contactID: "c1",
			event:     models.EventUnsubscribe,
		},
		{
			name:      "json body with secondary id field",
			in:        Input{Body: []byte(`{"subscriber_id": 42, "type": "contact.updated"}`), ContentType: "application/json; charset=utf-8"},
			contactID: "42",
			event:     models.EventUpdate,
		},
		{
			name:      "query string only",
			in:        Input{Query: url.Values{"contact_id": {"q9"}, "event": {"Delete"}}},
			contactID: "q9",
			event:     models.EventDelete,
		},
		{
			name:      "email resolved through provider",
			in:        Input{Body: []byte(`{"data": {"email": "A@x.com"}}`), ContentType: "application/json"},
			contactID: "c7",
			event:     models.EventUpdate,
		},
		{
			name:      "nested envelope",
			in:        Input{Body: []byte(`{"event": "contact.updated", "data": {"contact": {"id": "env-1"}}}`)},
			contactID: "env-1",
			event:     models.EventUpdate,
		},
		{
			name:      "unmapped event type passes through",
			in:        Input{Body: []byte(`{"contact_id": "c1", "event": "tag"}`), ContentType: "application/json"},
			contactID: "c1",
			event:     models.EventTag,
		},
	}

	n := NewNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize(context.Background(), newMemory(), tt.in)
			require.NoError(t, err)
			require.NotNil(t, ev)
			assert.Equal(t, "mem", ev.ProviderSlug)
			assert.Equal(t, tt.contactID, ev.ContactID)
			assert.Equal(t, tt.event, ev.EventType)
		})
	}
}

func TestNormalizeExplicitIDSkipsLookup(t *testing.T) {
	mem := newMemory()
	ev, err := NewNormalizer().Normalize(context.Background(), mem, Input{
		Body:        []byte(`{"contact_id": "c1", "email": "a@x.com"}`),
		ContentType: "application/json",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.ContactID)
	assert.Empty(t, mem.Calls("get_contact_id"))
}

func TestNormalizeDropsUnresolvablePayload(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := metrics.New()
	n := NewNormalizer(WithLogger(zap.New(core)), WithMetrics(m))

	ev, err := n.Normalize(context.Background(), newMemory(), Input{
		Body:        []byte(`{"test": true, "email": "nobody@x.com"}`),
		ContentType: "application/json",
	})
	require.NoError(t, err)
	assert.Nil(t, ev)

	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("dropping webhook without a resolvable contact").Len())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `contactsync_webhook_events_total{event="dropped",provider="mem"} 1`)
}

func TestNormalizeGarbageBody(t *testing.T) {
	ev, err := NewNormalizer().Normalize(context.Background(), newMemory(), Input{Body: []byte("<html>ping</html>")})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestNormalizeLookupFailureIsReturned(t *testing.T) {
	mem := newMemory()
	boom := syncerr.New(syncerr.KindTransient, "mem", "get_contact_id", "timeout")
	mem.Fail("get_contact_id", "", boom, -1)

	_, err := NewNormalizer().Normalize(context.Background(), mem, Input{Body: []byte(`{"email": "a@x.com"}`)})
	assert.ErrorIs(t, err, boom)
}

func TestNormalizeDefaultSpec(t *testing.T) {
	mem := providertest.NewMemory("mem")
	ev, err := NewNormalizer().Normalize(context.Background(), mem, Input{Body: []byte(`{"contact_id": "c1", "event_type": "unsubscribe"}`)})
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.ContactID)
	assert.Equal(t, models.EventUnsubscribe, ev.EventType)
}
