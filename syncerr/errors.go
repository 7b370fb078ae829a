// ABOUTME: Error taxonomy shared by adapters, token manager and batch processor
// ABOUTME: Classifies provider failures and renders operator-facing messages
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindAuth
	KindRateLimit
	KindNotFound
	KindValidation
	KindTransient
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

var (
	ErrUnsupported      = errors.New("syncerr: operation not supported by provider")
	ErrNotConnected     = errors.New("syncerr: no provider connected")
	ErrUnknownProvider  = errors.New("syncerr: unknown provider")
	ErrMissingContactID = errors.New("syncerr: contact id is required")
)

// Error is a classified provider failure.
type Error struct {
	Kind        Kind
	Provider    string
	Op          string
	Field       string
	Status      int
	Message     string
	Remediation string
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := e.Kind.String()
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.Op != "" {
		prefix += " error in " + e.Op
	} else {
		prefix += " error"
	}
	if e.Field != "" {
		return fmt.Sprintf("%s (field %s): %s", prefix, e.Field, msg)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrUnsupported for unsupported-kind errors.
func (e *Error) Is(target error) bool {
	return target == ErrUnsupported && e.Kind == KindUnsupported
}

// New builds a classified error with the default remediation for its kind.
func New(kind Kind, provider, op, message string) *Error {
	return &Error{
		Kind:        kind,
		Provider:    provider,
		Op:          op,
		Message:     message,
		Remediation: defaultRemediation(kind),
	}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, provider, op string, err error) *Error {
	if err == nil {
		return nil
	}
	e := New(kind, provider, op, err.Error())
	e.Err = err
	return e
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrUnsupported) {
		return KindUnsupported
	}
	return KindUnknown
}

// IsRetryable reports whether the failure may succeed when attempted later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient:
		return true
	default:
		return false
	}
}

// RetryAfter returns the provider-specified backoff, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromStatus classifies an HTTP status code returned by a provider.
func FromStatus(provider, op string, status int, message string) *Error {
	kind := KindTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		kind = KindValidation
	case status >= 500:
		kind = KindTransient
	case status >= 400:
		kind = KindValidation
	}
	e := New(kind, provider, op, message)
	e.Status = status
	return e
}

// UserMessage renders what failed, which provider, and what to do about it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	provider := e.Provider
	if provider == "" {
		provider = "provider"
	}
	what := e.Op
	if what == "" {
		what = "request"
	}
	msg := fmt.Sprintf("%s %s failed: %s", provider, what, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s %s failed for field %q: %s", provider, what, e.Field, e.Message)
	}
	if e.Remediation != "" {
		msg += ". " + e.Remediation
	}
	return msg
}

func defaultRemediation(kind Kind) string {
	switch kind {
	case KindConnection:
		return "Check the credentials and reconnect the provider"
	case KindAuth:
		return "Re-authorize the provider to obtain a new token"
	case KindRateLimit:
		return "Wait for the provider rate limit window to pass"
	case KindValidation:
		return "Correct the field value or its mapping"
	case KindTransient:
		return "Retry later"
	case KindUnsupported:
		return "The provider does not offer this capability"
	default:
		return ""
	}
}
