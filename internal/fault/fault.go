package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failure for routing and retry decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindTransformation Kind = "transformation"
	KindAuth           Kind = "auth"
	KindConnection     Kind = "connection"
	KindTimeout        Kind = "timeout"
	KindRateLimit      Kind = "rate_limit"
	KindBusinessLogic  Kind = "business_logic"
	KindSystem         Kind = "system"
)

// Error is a classified failure produced by a node execution or an engine
// subsystem. NodeID is filled in by the orchestrator when it surfaces the
// failure into a run record.
type Error struct {
	Kind       Kind
	NodeID     string
	RetryAfter time.Duration // only meaningful for rate_limit
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
// Transient kinds (connection, timeout, rate_limit) retry; everything else
// is permanent and routes to a failure edge or fails the run.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindRateLimit:
		return true
	}
	return false
}

// New builds a classified error from a message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As chains.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to system.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindSystem
}

// RetryAfterOf extracts a rate-limit hold-off from an error chain, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether any error in the chain is a retryable Error.
// Unclassified errors are treated as system failures, which do not retry.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// FromStatus classifies an HTTP response status from a remote endpoint.
// 5xx is treated as a transient upstream failure, so it retries like a
// connection error rather than failing the run outright.
func FromStatus(status int, body string) *Error {
	msg := fmt.Errorf("remote returned %d: %s", status, truncate(body, 200))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Err: msg}
	case status == http.StatusRequestTimeout:
		return &Error{Kind: KindTimeout, Err: msg}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Err: msg}
	case status >= 500:
		return &Error{Kind: KindConnection, Err: msg}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{Kind: KindValidation, Err: msg}
	case status >= 400:
		return &Error{Kind: KindBusinessLogic, Err: msg}
	}
	return nil
}

// FromTransport classifies a transport-level error from an HTTP round trip.
func FromTransport(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindConnection, Err: err}
}

// WithRetryAfter attaches a server-advertised hold-off to a rate-limit error.
func WithRetryAfter(e *Error, d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
