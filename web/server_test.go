// ABOUTME: Tests for webhook intake, the OAuth callback flow and the dashboard
// ABOUTME: Uses httptest with fake connectors and a stub token endpoint
package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/webhook"
)

type fakeWebhooks struct {
	slug  string
	input webhook.Input
	ev    *models.WebhookEvent
	err   error
}

func (f *fakeWebhooks) Handle(ctx context.Context, slug string, in webhook.Input) (*models.WebhookEvent, error) {
	f.slug = slug
	f.input = in
	return f.ev, f.err
}

type fakeOAuth struct {
	tokenURL string
}

func (f fakeOAuth) OAuthConfig(slug string, cfg *models.ProviderConfig, redirectURL string) (*oauth2.Config, bool) {
	if slug != "crmflow" {
		return nil, false
	}
	return &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  redirectURL,
		Endpoint:     oauth2.Endpoint{AuthURL: "https://auth.example/authorize", TokenURL: f.tokenURL},
	}, true
}

func (f fakeOAuth) Slugs() []string { return []string{"crmflow", "mailgrove"} }

type fakeConnector struct {
	active    string
	connected *models.Credential
	err       error
}

func (f *fakeConnector) ActiveSlug(ctx context.Context) (string, error) { return f.active, nil }

func (f *fakeConnector) Settings(ctx context.Context, slug string) (*models.ProviderConfig, error) {
	return &models.ProviderConfig{Slug: slug}, nil
}

func (f *fakeConnector) Connect(ctx context.Context, slug string, cred models.Credential, cfg *models.ProviderConfig) (provider.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.connected = &cred
	f.active = slug
	return nil, nil
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.OAuth == nil {
		opts.OAuth = fakeOAuth{}
	}
	if opts.Connections == nil {
		opts.Connections = &fakeConnector{}
	}
	if opts.Webhooks == nil {
		opts.Webhooks = &fakeWebhooks{}
	}
	opts.RedirectURL = "http://localhost:8080/oauth/callback"
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s
}

func TestWebhookPassesBodyAndQuery(t *testing.T) {
	hooks := &fakeWebhooks{ev: &models.WebhookEvent{ProviderSlug: "crmflow", ContactID: "c1", EventType: models.EventUpdate}}
	s := newTestServer(t, Options{Webhooks: hooks})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crmflow?secret=x", strings.NewReader(`{"id":"c1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "crmflow", hooks.slug)
	assert.Equal(t, `{"id":"c1"}`, string(hooks.input.Body))
	assert.Equal(t, "application/json", hooks.input.ContentType)
	assert.Equal(t, "x", hooks.input.Query.Get("secret"))

	var ev models.WebhookEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, "c1", ev.ContactID)
}

func TestWebhookDroppedIsAccepted(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/crmflow", strings.NewReader("junk")))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"dropped": true}`, rec.Body.String())
}

func TestWebhookErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not connected", syncerr.ErrNotConnected, http.StatusServiceUnavailable},
		{"inactive", webhook.ErrInactiveProvider, http.StatusConflict},
		{"unsupported", syncerr.New(syncerr.KindUnsupported, "crmflow", "webhook", "no"), http.StatusNotFound},
		{"validation", syncerr.New(syncerr.KindValidation, "crmflow", "pull", "bad"), http.StatusUnprocessableEntity},
		{"rate limit", syncerr.New(syncerr.KindRateLimit, "crmflow", "pull", "slow down"), http.StatusServiceUnavailable},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{Webhooks: &fakeWebhooks{err: tt.err}})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/crmflow", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestOAuthStartAndCallback(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	conns := &fakeConnector{}
	s := newTestServer(t, Options{OAuth: fakeOAuth{tokenURL: tokenServer.URL}, Connections: conns})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/start/crmflow", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "offline", loc.Query().Get("access_type"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=the-code&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, conns.connected)
	assert.Equal(t, "crmflow", conns.connected.ProviderSlug)
	assert.Equal(t, "at", conns.connected.AccessToken)
	assert.Equal(t, "rt", conns.connected.RefreshToken)
	assert.NotNil(t, conns.connected.ExpiresAt)

	// states are single use
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=the-code&state="+state, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthStartUnknownProvider(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/start/mailgrove", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthCallbackConnectFailure(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer"}`))
	}))
	defer tokenServer.Close()

	conns := &fakeConnector{err: syncerr.New(syncerr.KindConnection, "crmflow", "connect", "token rejected")}
	s := newTestServer(t, Options{OAuth: fakeOAuth{tokenURL: tokenServer.URL}, Connections: conns})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/start/crmflow", nil))
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c&state="+loc.Query().Get("state"), nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "crmflow connect failed: token rejected")
	assert.Nil(t, conns.connected)
}

func TestDashboardAndMetrics(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, db.UpdateSyncStatus(store.DB, "crmflow", "error", "crmflow add_contact failed: boom"))

	m := metrics.New()
	m.WebhookEvent("crmflow", "update")
	s := newTestServer(t, Options{Connections: &fakeConnector{active: "crmflow"}, DB: store.DB, Jobs: store.Jobs, Metrics: m})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<strong>crmflow</strong>")
	assert.Contains(t, body, "crmflow add_contact failed: boom")
	assert.Contains(t, body, `href="/oauth/start/crmflow"`)
	assert.NotContains(t, body, `href="/oauth/start/mailgrove"`)
	assert.Contains(t, body, "No batch jobs")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `contactsync_webhook_events_total{event="update",provider="crmflow"} 1`)
}
