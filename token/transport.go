// ABOUTME: http.RoundTripper that attaches access tokens and retries once after a refresh
// ABOUTME: Expiry is signalled by status codes or a JSON error code read with gjson
package token

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/harperreed/contactsync/syncerr"
)

// Placement describes where a token goes on an outbound request.
type Placement struct {
	In     string `yaml:"in"`     // header or query
	Name   string `yaml:"name"`   // header or query parameter name
	Prefix string `yaml:"prefix"` // e.g. "Bearer "
}

// BearerPlacement is the RFC 6750 Authorization header.
var BearerPlacement = Placement{In: "header", Name: "Authorization", Prefix: "Bearer "}

// Apply sets value on req according to p.
func (p Placement) Apply(req *http.Request, value string) {
	name := p.Name
	if p.In == "query" {
		if name == "" {
			name = "access_token"
		}
		q := req.URL.Query()
		q.Set(name, p.Prefix+value)
		req.URL.RawQuery = q.Encode()
		return
	}
	if name == "" {
		name = "Authorization"
	}
	req.Header.Set(name, p.Prefix+value)
}

// ExpirySignal describes how a provider reports an expired access token.
type ExpirySignal struct {
	Statuses []int    `yaml:"statuses"`
	CodePath string   `yaml:"code_path"`
	Codes    []string `yaml:"codes"`
}

func (s ExpirySignal) statuses() []int {
	if len(s.Statuses) == 0 {
		return []int{http.StatusUnauthorized}
	}
	return s.Statuses
}

// Transport wraps outbound calls for an OAuth provider.
type Transport struct {
	Manager   *Manager
	Base      http.RoundTripper
	Placement Placement
	Expiry    ExpirySignal
	// OnState observes per-request state transitions.
	OnState func(State)
}

// Client returns an *http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) transition(s State) {
	t.Manager.log.Debug("auth state", zap.String("state", s.String()))
	if t.OnState != nil {
		t.OnState(s)
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	t.transition(StateUnauthenticated)

	cred, err := t.Manager.Current(ctx)
	if err != nil {
		t.transition(StateFailed)
		return nil, err
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	t.transition(StateAuthenticated)
	resp, err := t.send(req, getBody, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	expired, resp, err := t.expired(resp)
	if err != nil || !expired {
		return resp, err
	}
	discard(resp)

	t.transition(StateRefreshing)
	fresh, err := t.Manager.Refresh(ctx, cred.AccessToken)
	if err != nil {
		t.transition(StateFailed)
		return nil, err
	}

	resp, err = t.send(req, getBody, fresh.AccessToken)
	if err != nil {
		return nil, err
	}
	expired, resp, err = t.expired(resp)
	if err != nil {
		return nil, err
	}
	if expired {
		status := resp.StatusCode
		discard(resp)
		t.transition(StateFailed)
		e := syncerr.New(syncerr.KindAuth, t.Manager.slug, "request", "provider rejected the refreshed access token")
		e.Status = status
		return nil, e
	}
	t.transition(StateAuthenticated)
	return resp, nil
}

func (t *Transport) send(orig *http.Request, getBody func() (io.ReadCloser, error), accessToken string) (*http.Response, error) {
	req := orig.Clone(orig.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		req.Body = body
	}
	t.Placement.Apply(req, accessToken)
	return t.base().RoundTrip(req)
}

// expired reports whether resp signals token expiry. The body is restored
// when it had to be read.
func (t *Transport) expired(resp *http.Response) (bool, *http.Response, error) {
	for _, s := range t.Expiry.statuses() {
		if resp.StatusCode == s {
			return true, resp, nil
		}
	}
	if t.Expiry.CodePath == "" || len(t.Expiry.Codes) == 0 || resp.Body == nil {
		return false, resp, nil
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return false, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))

	code := gjson.GetBytes(data, t.Expiry.CodePath)
	if !code.Exists() {
		return false, resp, nil
	}
	for _, c := range t.Expiry.Codes {
		if strings.EqualFold(code.String(), c) {
			return true, resp, nil
		}
	}
	return false, resp, nil
}

// replayableBody returns a body factory so the request can be sent twice
// without mutating the caller's request.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func discard(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}
