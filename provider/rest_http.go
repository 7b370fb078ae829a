// ABOUTME: HTTP plumbing for the generic adapter: templating, auth, pacing and error mapping
// ABOUTME: Transient failures are retried once in place; everything else is classified
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
)

const maxErrorBody = 512

var defaultMessagePaths = []string{"message", "error.message", "error_description", "detail", "title", "error"}

func (a *RESTAdapter) newRequest(ctx context.Context, ep Endpoint, vars map[string]string, body []byte) (*http.Request, error) {
	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(strings.TrimRight(a.def.BaseURL, "/") + expand(ep.Path, vars, url.PathEscape))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	if len(ep.Query) > 0 {
		q := u.Query()
		for k, tmpl := range ep.Query {
			v := expand(tmpl, vars, nil)
			if v == "" {
				continue
			}
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// authorize attaches static credentials. OAuth requests are authorized by the
// token transport unless static is set, as during the connect check.
func (a *RESTAdapter) authorize(req *http.Request, cred models.Credential, static bool) {
	switch a.def.Auth.Flavor {
	case AuthAPIKey:
		a.placement().Apply(req, cred.AccessToken)
	case AuthBasic:
		req.SetBasicAuth(cred.Username, cred.AccessToken)
	case AuthOAuth2:
		if static {
			a.placement().Apply(req, cred.AccessToken)
		}
	}
}

// do performs one endpoint call. Statuses listed in ok are treated as success.
func (a *RESTAdapter) do(ctx context.Context, op string, ep Endpoint, vars map[string]string, body []byte, ok ...int) ([]byte, int, error) {
	started := time.Now()
	var (
		data   []byte
		status int
		err    error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		data, status, err = a.once(ctx, op, ep, vars, body, ok)
		if err == nil || syncerr.KindOf(err) != syncerr.KindTransient || attempt == 2 || ctx.Err() != nil {
			break
		}
		a.log.Debug("retrying transient failure", zap.String("op", op), zap.Error(err))
	}
	a.metrics.ObserveProviderCall(a.def.Slug, op, started, err)
	return data, status, err
}

func (a *RESTAdapter) once(ctx context.Context, op string, ep Endpoint, vars map[string]string, body []byte, ok []int) ([]byte, int, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, 0, syncerr.Wrap(syncerr.KindTransient, a.def.Slug, op, err)
	}
	req, err := a.newRequest(ctx, ep, vars, body)
	if err != nil {
		return nil, 0, syncerr.Wrap(syncerr.KindValidation, a.def.Slug, op, err)
	}
	a.authorize(req, a.cred, false)

	resp, err := a.client.Do(req)
	if err != nil {
		var classified *syncerr.Error
		if errors.As(err, &classified) {
			return nil, 0, classified
		}
		return nil, 0, syncerr.Wrap(syncerr.KindTransient, a.def.Slug, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readBody(resp)
	if err != nil {
		return nil, resp.StatusCode, syncerr.Wrap(syncerr.KindTransient, a.def.Slug, op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, resp.StatusCode, nil
	}
	for _, s := range ok {
		if resp.StatusCode == s {
			return data, resp.StatusCode, nil
		}
	}

	e := syncerr.FromStatus(a.def.Slug, op, resp.StatusCode, a.errorMessage(data, resp.StatusCode))
	if a.def.Errors.FieldPath != "" {
		e.Field = gjson.GetBytes(data, a.def.Errors.FieldPath).String()
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		e.RetryAfter = parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
	}
	a.log.Debug("provider call failed", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("kind", e.Kind.String()))
	return data, resp.StatusCode, e
}

// errorMessage extracts a readable message instead of surfacing a raw body.
func (a *RESTAdapter) errorMessage(data []byte, status int) string {
	paths := a.def.Errors.MessagePaths
	if len(paths) == 0 {
		paths = defaultMessagePaths
	}
	if gjson.ValidBytes(data) {
		for _, p := range paths {
			if v := gjson.GetBytes(data, p); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	text := strings.TrimSpace(string(data))
	if text == "" || strings.HasPrefix(text, "<") {
		return http.StatusText(status)
	}
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}

func readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

// expand substitutes {name} placeholders in a single left-to-right pass.
// Unknown placeholders collapse to empty; substituted values are never
// re-scanned, so braces inside them survive.
func expand(tmpl string, vars map[string]string, escape func(string) string) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			break
		}
		b.WriteString(rest[:start])
		v := vars[rest[start+1:start+end]]
		if escape != nil {
			v = escape(v)
		}
		b.WriteString(v)
		rest = rest[start+end+1:]
	}
	b.WriteString(rest)
	return b.String()
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// restStream follows list_contacts pagination lazily.
type restStream struct {
	adapter *RESTAdapter
	ep      Endpoint
	tag     string
	cursor  string
	page    int
	buf     []string
	idx     int
	cur     string
	done    bool
	err     error
}

func (s *restStream) Next(ctx context.Context) bool {
	for {
		if s.idx < len(s.buf) {
			s.cur = s.buf[s.idx]
			s.idx++
			return true
		}
		if s.done || s.err != nil {
			s.cur = ""
			return false
		}
		s.fetch(ctx)
	}
}

func (s *restStream) ContactID() string { return s.cur }

func (s *restStream) Err() error { return s.err }

func (s *restStream) fetch(ctx context.Context) {
	pg := s.adapter.def.Pagination
	ep := s.ep
	if pg.PageParam != "" {
		query := make(map[string]string, len(ep.Query)+1)
		for k, v := range ep.Query {
			query[k] = v
		}
		query[pg.PageParam] = strconv.Itoa(s.page)
		ep.Query = query
	}

	data, _, err := s.adapter.do(ctx, "load_contacts", ep, map[string]string{"tag": s.tag, "cursor": s.cursor}, nil)
	if err != nil {
		s.err = err
		return
	}

	ids := make([]string, 0)
	for _, item := range listItems(data, ep.ListPath) {
		if id := itemField(item, ep.IDField); id != "" {
			ids = append(ids, id)
		}
	}
	s.buf = ids
	s.idx = 0

	switch {
	case pg.NextPath != "":
		next := gjson.GetBytes(data, pg.NextPath).String()
		if next == "" || next == s.cursor || len(ids) == 0 {
			s.done = true
		}
		s.cursor = next
	case pg.PageParam != "":
		s.page++
		if len(ids) == 0 {
			s.done = true
		}
	default:
		s.done = true
	}
}
