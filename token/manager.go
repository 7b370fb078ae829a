// ABOUTME: OAuth token lifecycle manager with cross-request refresh serialization
// ABOUTME: Refreshes at most once per stale token under a persisted lease
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
)

// State is the per-request authentication state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unauthenticated"
	}
}

// CredentialStore is the persisted credential record with its refresh lease.
type CredentialStore interface {
	Get(ctx context.Context, slug string) (*models.Credential, error)
	AcquireRefreshLease(ctx context.Context, slug, owner string, ttl time.Duration) (bool, error)
	CompleteRefresh(ctx context.Context, owner, stale string, c *models.Credential) error
	ReleaseRefreshLease(ctx context.Context, slug, owner string) error
}

// Refresher exchanges a refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error)
}

// Options configures a Manager.
type Options struct {
	Slug         string
	Store        CredentialStore
	Refresher    Refresher
	LeaseTTL     time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Manager hands out access tokens and refreshes them when a provider reports expiry.
type Manager struct {
	slug      string
	store     CredentialStore
	refresher Refresher
	leaseTTL  time.Duration
	wait      time.Duration
	poll      time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		slug:      opts.Slug,
		store:     opts.Store,
		refresher: opts.Refresher,
		leaseTTL:  opts.LeaseTTL,
		wait:      opts.WaitTimeout,
		poll:      opts.PollInterval,
		log:       logger.OrNop(opts.Logger).Named("token").With(zap.String("provider", opts.Slug)),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if m.leaseTTL <= 0 {
		m.leaseTTL = 30 * time.Second
	}
	if m.wait <= 0 {
		m.wait = 10 * time.Second
	}
	if m.poll <= 0 {
		m.poll = 50 * time.Millisecond
	}
	return m
}

// Slug returns the provider the manager serves.
func (m *Manager) Slug() string {
	return m.slug
}

// Current returns the stored credential, refreshing first when its expiry has
// already passed.
func (m *Manager) Current(ctx context.Context) (*models.Credential, error) {
	cred, err := m.store.Get(ctx, m.slug)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindConnection, m.slug, "load_credential", err)
	}
	if cred.Expired(m.now(), 0) && cred.RefreshToken != "" {
		m.log.Debug("access token past expiry, refreshing proactively")
		return m.Refresh(ctx, cred.AccessToken)
	}
	return cred, nil
}

// Refresh replaces the access token the caller saw rejected. Concurrent callers
// holding the same stale token wait for a single refresh instead of issuing
// their own.
func (m *Manager) Refresh(ctx context.Context, stale string) (*models.Credential, error) {
	owner := uuid.New().String()
	deadline := m.now().Add(m.wait)

	for {
		cred, err := m.store.Get(ctx, m.slug)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindAuth, m.slug, "refresh_token", err)
		}
		if m.fresh(cred, stale) {
			return cred, nil
		}

		acquired, err := m.store.AcquireRefreshLease(ctx, m.slug, owner, m.leaseTTL)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindAuth, m.slug, "refresh_token", err)
		}
		if acquired {
			return m.refreshHeld(ctx, owner, stale)
		}

		if !m.now().Before(deadline) {
			return nil, syncerr.New(syncerr.KindAuth, m.slug, "refresh_token", "timed out waiting for a concurrent token refresh")
		}
		if err := sleepContext(ctx, m.poll); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) refreshHeld(ctx context.Context, owner, stale string) (*models.Credential, error) {
	// Another request may have finished between our read and the lease.
	cred, err := m.store.Get(ctx, m.slug)
	if err != nil {
		_ = m.store.ReleaseRefreshLease(ctx, m.slug, owner)
		return nil, syncerr.Wrap(syncerr.KindAuth, m.slug, "refresh_token", err)
	}
	if m.fresh(cred, stale) {
		_ = m.store.ReleaseRefreshLease(ctx, m.slug, owner)
		return cred, nil
	}
	if cred.RefreshToken == "" {
		_ = m.store.ReleaseRefreshLease(ctx, m.slug, owner)
		return nil, syncerr.New(syncerr.KindAuth, m.slug, "refresh_token", "no refresh token stored")
	}

	m.log.Info("refreshing access token")
	next, err := m.refresher.Refresh(ctx, cred)
	m.metrics.TokenRefresh(m.slug, err)
	if err != nil {
		_ = m.store.ReleaseRefreshLease(ctx, m.slug, owner)
		m.log.Warn("token refresh failed", zap.Error(err))
		return nil, syncerr.Wrap(syncerr.KindAuth, m.slug, "refresh_token", err)
	}

	next.ProviderSlug = m.slug
	next.Username = cred.Username
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := m.store.CompleteRefresh(ctx, owner, stale, next); err != nil {
		_ = m.store.ReleaseRefreshLease(ctx, m.slug, owner)
		// The provider has already rotated the token, so it is kept either way.
		if stored, getErr := m.store.Get(ctx, m.slug); getErr == nil && m.fresh(stored, stale) {
			m.log.Warn("refreshed token superseded by a concurrent refresh", zap.Error(err))
			return stored, nil
		}
		m.log.Warn("failed to persist refreshed token, using it for this request", zap.Error(err))
	}
	return next, nil
}

func (m *Manager) fresh(cred *models.Credential, stale string) bool {
	return cred.AccessToken != "" && cred.AccessToken != stale && !cred.Expired(m.now(), 0)
}

// IsAuthFailure reports whether err is a terminal authentication failure.
func IsAuthFailure(err error) bool {
	var e *syncerr.Error
	return errors.As(err, &e) && e.Kind == syncerr.KindAuth
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
