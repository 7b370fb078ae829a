// ABOUTME: HTTP server for webhook deliveries, OAuth callbacks and a status dashboard
// ABOUTME: Also exposes Prometheus metrics at /metrics
package web

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/token"
	"github.com/harperreed/contactsync/webhook"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	maxWebhookBody = 1 << 20
	stateTTL       = 10 * time.Minute
)

// WebhookHandler processes one delivery for a provider.
type WebhookHandler interface {
	Handle(ctx context.Context, slug string, in webhook.Input) (*models.WebhookEvent, error)
}

// OAuthConfigs builds authorization-code configurations.
type OAuthConfigs interface {
	OAuthConfig(slug string, cfg *models.ProviderConfig, redirectURL string) (*oauth2.Config, bool)
	Slugs() []string
}

// Connector stores settings and connects providers.
type Connector interface {
	ActiveSlug(ctx context.Context) (string, error)
	Settings(ctx context.Context, slug string) (*models.ProviderConfig, error)
	Connect(ctx context.Context, slug string, cred models.Credential, cfg *models.ProviderConfig) (provider.Adapter, error)
}

// JobLister lists recent batch jobs.
type JobLister interface {
	List(ctx context.Context, limit int) ([]models.BatchJob, error)
}

// Options wires a Server.
type Options struct {
	Webhooks    WebhookHandler
	OAuth       OAuthConfigs
	Connections Connector
	RedirectURL string
	DB          *sql.DB
	Jobs        JobLister
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	HTTPClient  *http.Client
	Now         func() time.Time
}

type pendingAuth struct {
	slug    string
	expires time.Time
}

type Server struct {
	opts      Options
	log       *zap.Logger
	templates *template.Template

	mu     sync.Mutex
	states map[string]pendingAuth
}

func NewServer(opts Options) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:      opts,
		log:       logger.OrNop(opts.Logger).Named("web"),
		templates: tmpl,
		states:    make(map[string]pendingAuth),
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("POST /webhooks/{slug}", s.handleWebhook)
	mux.HandleFunc("GET /webhooks/{slug}", s.handleWebhook)
	mux.HandleFunc("GET /oauth/start/{slug}", s.handleOAuthStart)
	mux.HandleFunc("GET /oauth/callback", s.handleOAuthCallback)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	return mux
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting web server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}

	ev, err := s.opts.Webhooks.Handle(r.Context(), slug, webhook.Input{
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Query:       r.URL.Query(),
	})
	if err != nil {
		status := webhookStatus(err)
		s.log.Info("webhook rejected", zap.String("provider", slug), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, map[string]string{"error": syncerr.UserMessage(err)})
		return
	}
	if ev == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"dropped": true})
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, webhook.ErrInactiveProvider):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrUnsupported):
		return http.StatusNotFound
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindValidation, syncerr.KindNotFound:
		return http.StatusUnprocessableEntity
	case syncerr.KindRateLimit, syncerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	settings, err := s.opts.Connections.Settings(r.Context(), slug)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cfg, ok := s.opts.OAuth.OAuthConfig(slug, settings, s.opts.RedirectURL)
	if !ok {
		http.Error(w, fmt.Sprintf("%s does not use OAuth", slug), http.StatusNotFound)
		return
	}

	state := uuid.NewString()
	s.mu.Lock()
	s.pruneStates()
	s.states[state] = pendingAuth{slug: slug, expires: s.opts.Now().Add(stateTTL)}
	s.mu.Unlock()

	http.Redirect(w, r, cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if msg := q.Get("error"); msg != "" {
		http.Error(w, "authorization denied: "+msg, http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "no authorization code received", http.StatusBadRequest)
		return
	}
	slug, ok := s.takeState(q.Get("state"))
	if !ok {
		http.Error(w, "unknown or expired authorization state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	settings, err := s.opts.Connections.Settings(ctx, slug)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cfg, ok := s.opts.OAuth.OAuthConfig(slug, settings, s.opts.RedirectURL)
	if !ok {
		http.Error(w, fmt.Sprintf("%s does not use OAuth", slug), http.StatusNotFound)
		return
	}
	if s.opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.opts.HTTPClient)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		s.log.Warn("oauth exchange failed", zap.String("provider", slug), zap.Error(err))
		http.Error(w, "failed to exchange code: "+err.Error(), http.StatusBadGateway)
		return
	}

	if _, err := s.opts.Connections.Connect(r.Context(), slug, *token.FromOAuth(slug, tok), nil); err != nil {
		http.Error(w, syncerr.UserMessage(err), http.StatusBadGateway)
		return
	}
	_, _ = fmt.Fprintf(w, "Connected %s. You can close this window.", slug)
}

func (s *Server) takeState(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states[state]
	if !ok {
		return "", false
	}
	delete(s.states, state)
	if s.opts.Now().After(p.expires) {
		return "", false
	}
	return p.slug, true
}

// pruneStates must be called with mu held.
func (s *Server) pruneStates() {
	now := s.opts.Now()
	for k, p := range s.states {
		if now.After(p.expires) {
			delete(s.states, k)
		}
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data := struct {
		Active    string
		Authorize []string
		States    []models.SyncState
		Jobs      []models.BatchJob
	}{}

	var err error
	if data.Active, err = s.opts.Connections.ActiveSlug(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, slug := range s.opts.OAuth.Slugs() {
		if _, ok := s.opts.OAuth.OAuthConfig(slug, &models.ProviderConfig{Slug: slug}, s.opts.RedirectURL); ok {
			data.Authorize = append(data.Authorize, slug)
		}
	}
	if s.opts.DB != nil {
		if data.States, err = db.GetAllSyncStates(s.opts.DB); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if s.opts.Jobs != nil {
		if data.Jobs, err = s.opts.Jobs.List(ctx, 20); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "dashboard", data); err != nil {
		s.log.Error("template error", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
