package archive

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Status is a service-reported outcome. Failures are recoverable and are
// returned as values, never panics.
type Status int

const (
	StatusOK Status = iota
	StatusBadArguments
	StatusInvalidPresentationOrSignature
	StatusInsufficientPermissions
	StatusSourceNotFound
	StatusNoMediaSpaceRemaining
	StatusRateLimited
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadArguments:
		return "bad_arguments"
	case StatusInvalidPresentationOrSignature:
		return "invalid_presentation_or_signature"
	case StatusInsufficientPermissions:
		return "insufficient_permissions"
	case StatusSourceNotFound:
		return "source_not_found"
	case StatusNoMediaSpaceRemaining:
		return "no_media_space_remaining"
	case StatusRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// BackOff reports whether the caller should wait and retry later.
func (s Status) BackOff() bool {
	return s == StatusNoMediaSpaceRemaining || s == StatusRateLimited
}

// RefreshCredential reports whether the cached credential must be replaced
// before any retry.
func (s Status) RefreshCredential() bool {
	return s == StatusInvalidPresentationOrSignature || s == StatusInsufficientPermissions
}

// StatusFromHTTP maps an HTTP status code to a Status.
func StatusFromHTTP(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == http.StatusBadRequest:
		return StatusBadArguments
	case code == http.StatusUnauthorized:
		return StatusInvalidPresentationOrSignature
	case code == http.StatusForbidden:
		return StatusInsufficientPermissions
	case code == http.StatusGone:
		return StatusSourceNotFound
	case code == http.StatusRequestEntityTooLarge:
		return StatusNoMediaSpaceRemaining
	case code == http.StatusTooManyRequests:
		return StatusRateLimited
	default:
		return StatusUnknown
	}
}

// ServiceError is a non-2xx response from the archive service.
type ServiceError struct {
	Endpoint   string
	Status     Status
	Code       int
	RetryAfter time.Duration
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("archive %s: %s (http %d)", e.Endpoint, e.Status, e.Code)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	return msg
}

// StatusOf extracts the service status from err, if it carries one.
func StatusOf(err error) (Status, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return StatusUnknown, false
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
