// Package apierr normalizes errors that cross the gateway: upstream HTTP
// failures are classified into retryable and terminal kinds, and outbound
// failures are rendered in the error envelope of whichever dialect the
// caller spoke.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an upstream failure for the retry/failover policy.
type Kind string

const (
	KindRateLimit      Kind = "retryable_rate_limit"
	KindCapacity       Kind = "capacity_exhausted"
	KindNoPermission   Kind = "no_permission"
	KindContextTooLong Kind = "context_too_long"
	KindAuthNeeded     Kind = "auth_needed"
	KindOther          Kind = "other"
)

// Retryable reports whether the pipeline may re-enter the credential pool
// and try again for this kind.
func (k Kind) Retryable() bool {
	return k == KindRateLimit || k == KindCapacity
}

// APIError is the standardized error carried through the pipeline.
type APIError struct {
	HTTPStatus int
	Code       string
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// New builds an APIError.
func New(status int, code, typ, message string) *APIError {
	return &APIError{HTTPStatus: status, Code: code, Type: typ, Message: message}
}

// StatusError is the normalized upstream failure: raw status, body text and
// the classified kind.
type StatusError struct {
	Status int
	Body   string
	Kind   Kind
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d (%s): %s", e.Status, e.Kind, truncate(e.Body, 200))
}

// Classify maps an upstream status and body to a Kind following the
// code-assist error conventions.
func Classify(status int, body string) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusServiceUnavailable:
		if strings.Contains(body, "MODEL_CAPACITY_EXHAUSTED") {
			return KindCapacity
		}
		return KindOther
	case http.StatusForbidden:
		if strings.Contains(body, "caller does not have permission") ||
			strings.Contains(body, "CALLER_DOES_NOT_HAVE_PERMISSION") {
			return KindNoPermission
		}
		return KindContextTooLong
	case http.StatusUnauthorized:
		return KindAuthNeeded
	case 0:
		return KindAuthNeeded
	default:
		return KindOther
	}
}

// NewStatusError builds a classified upstream error.
func NewStatusError(status int, body string) *StatusError {
	return &StatusError{Status: status, Body: body, Kind: Classify(status, body)}
}

// CallerStatus maps the classified upstream kind to the status surfaced to
// the caller once retries are exhausted.
func (e *StatusError) CallerStatus() int {
	switch e.Kind {
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindCapacity:
		return http.StatusServiceUnavailable
	case KindNoPermission:
		return http.StatusBadGateway
	case KindContextTooLong:
		return http.StatusBadRequest
	case KindAuthNeeded:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// UpstreamMessage extracts a human-readable message from an upstream body,
// falling back to the truncated raw text.
func UpstreamMessage(body string) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return truncate(body, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
