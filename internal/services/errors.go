package services

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrorKind classifies a remote API failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindNoPermission
	KindRefreshFailed
	KindInitFailed
	KindExternal
	KindAccessDenied
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindNoPermission:
		return "no_permission"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindInitFailed:
		return "init_failed"
	case KindExternal:
		return "external_error"
	case KindAccessDenied:
		return "access_denied"
	default:
		return "unknown"
	}
}

// APIError is the single failure type for all remote operations.
//
// Kind is computed once at construction. Status is the HTTP status that
// produced the error, or 0 for local failures. RetryAfter carries the
// Retry-After seconds for rate-limit errors; it is never negative.
type APIError struct {
	Kind       ErrorKind
	Status     int
	RetryAfter int
	Message    string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAPIError creates an APIError with an explicit kind and no HTTP status.
func NewAPIError(kind ErrorKind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status >= 500:
		return KindExternal
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	default:
		return KindUnknown
	}
}

// apiErrorFromResponse builds an APIError from a non-success HTTP response.
func apiErrorFromResponse(resp *http.Response) *APIError {
	e := &APIError{
		Kind:    classifyStatus(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: http.StatusText(resp.StatusCode),
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = parseRetryAfter(resp.Header)
	}
	return e
}

// parseRetryAfter extracts Retry-After seconds, defaulting to 0 when the
// header is absent or malformed. The result is never negative.
func parseRetryAfter(h http.Header) int {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// RetryAfterSeconds returns the Retry-After value carried by a rate-limit
// error, or -1 when err is not a rate-limit error.
func RetryAfterSeconds(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited {
		return apiErr.RetryAfter
	}
	return -1
}

// MostSevere picks the error that matters most from a batch.
//
// Errors without an HTTP status (local invariant failures) outrank any
// status-bearing error; among status-bearing errors the higher status wins.
// Ties keep the earlier error.
func MostSevere(errs []error) error {
	var best error
	bestStatus := -1

	for _, err := range errs {
		if err == nil {
			continue
		}

		status := 0
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = apiErr.Status
		}

		if status == 0 {
			return err
		}
		if status > bestStatus {
			best = err
			bestStatus = status
		}
	}

	return best
}
