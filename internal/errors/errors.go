// Package errors renders failures of the licensing core as HTTP error bodies.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"licensecore/internal/gate"
	"licensecore/internal/security"
)

// APIError is the body of every failed response. HandleError wraps it in a
// problem document.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	// RetryAfter becomes the Retry-After header when positive.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string { return e.Message }

// Render sets the status for chi/render.
func (e *APIError) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: errorCode, Message: message}
}

// WithDetails returns a copy of e carrying details.
func (e *APIError) WithDetails(details any) *APIError {
	c := *e
	c.Details = details
	return &c
}

// WithRetryAfter returns a copy of e that tells the caller to wait d.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	c := *e
	c.RetryAfter = d
	return &c
}

// Shared errors. Derive variants with WithDetails or WithRetryAfter rather
// than mutating these.
var (
	ErrInvalidRequest     = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrUnauthorized       = New(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	ErrForbidden          = New(http.StatusForbidden, "FORBIDDEN", "Access denied")
	ErrNotFound           = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrPayloadTooLarge    = New(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body is too large")
	ErrRateLimitExceeded  = New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
	ErrInternalServer     = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
)

// LicenseRequiredDetails describe what a refused capability needs.
type LicenseRequiredDetails struct {
	Capability string   `json:"capability"`
	Tier       string   `json:"tier"`
	Features   []string `json:"features,omitempty"`
}

// WorkUnitDetails describe a refused operation's budget.
type WorkUnitDetails struct {
	Capability     string  `json:"capability"`
	Requested      float64 `json:"requested"`
	Current        float64 `json:"current"`
	Max            int64   `json:"max"`
	ThrottleFactor float64 `json:"throttle_factor"`
}

// RequestAuthFailed maps a request authentication failure to a 401 carrying
// the stable reason code.
func RequestAuthFailed(err error) *APIError {
	return New(http.StatusUnauthorized, security.ReasonCode(err), "Request authentication failed")
}

// LicenseRequired maps a gate refusal to a 403.
func LicenseRequired(err *gate.LicenseRequiredError) *APIError {
	return New(http.StatusForbidden, "LICENSE_REQUIRED", err.Error()).WithDetails(LicenseRequiredDetails{
		Capability: err.Capability,
		Tier:       string(err.Tier),
		Features:   err.Features,
	})
}

// WorkUnitsExhausted maps an over-budget operation to a 429. retryAfter is
// how long until the window has drained, zero when unknown.
func WorkUnitsExhausted(details WorkUnitDetails, retryAfter time.Duration) *APIError {
	return New(http.StatusTooManyRequests, "WORK_UNITS_EXHAUSTED",
		fmt.Sprintf("%s exceeds the work unit budget", details.Capability)).
		WithDetails(details).
		WithRetryAfter(retryAfter)
}

// FromError converts core failures to API errors. It returns nil for errors it
// does not recognize.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var lre *gate.LicenseRequiredError
	if errors.As(err, &lre) {
		return LicenseRequired(lre)
	}
	if security.IsAuthFailure(err) {
		return RequestAuthFailed(err)
	}
	return nil
}
