package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies upstream failures by how the caller should react.
type Kind int

const (
	// KindTransient covers network failures, timeouts, 429 and 5xx
	// responses. Retried with backoff.
	KindTransient Kind = iota
	// KindAuth means the credential is missing, invalid, or expired.
	// Retried once after re-authenticating.
	KindAuth
	// KindRejected covers 4xx responses and JSON-RPC validation errors.
	// Never retried.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error is returned by every Client operation that fails after recovery.
// Use errors.As or the Is* helpers to inspect it:
//
//	if upstream.IsRejected(err) { ... }
type Error struct {
	Kind Kind
	// Endpoint is the upstream path that failed (e.g. "/web/dataset/call_kw").
	Endpoint string
	// StatusCode is the HTTP status, zero for network failures.
	StatusCode int
	// Name is the server-side exception name from a JSON-RPC error, if any.
	Name    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream: %s %s (%d): %s", e.Kind, e.Endpoint, e.StatusCode, msg)
	}
	return fmt.Sprintf("upstream: %s %s: %s", e.Kind, e.Endpoint, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (Kind, bool) {
	var upErr *Error
	if errors.As(err, &upErr) {
		return upErr.Kind, true
	}
	return 0, false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsRejected reports whether the upstream refused the request outright.
func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRejected
}

// IsNotFound reports whether the upstream answered 404 or said the record
// no longer exists.
func IsNotFound(err error) bool {
	var upErr *Error
	if !errors.As(err, &upErr) || upErr.Kind != KindRejected {
		return false
	}
	return upErr.StatusCode == http.StatusNotFound || isMissingRecord(err)
}

// ErrNoChannel is returned by CreateSession when no configured live-chat
// channel accepted a new visitor (no operator online).
var ErrNoChannel = errors.New("upstream: no live-chat channel available")
