package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"licensecore/internal/infrastructure"
)

// Problem types, relative to the API root.
const (
	TypeValidation       = "/errors/validation"
	TypeNotFound         = "/errors/not-found"
	TypeMethodNotAllowed = "/errors/method-not-allowed"
	TypeUnauthorized     = "/errors/unauthorized"
	TypeForbidden        = "/errors/forbidden"
	TypeRateLimit        = "/errors/rate-limit"
	TypeInternal         = "/errors/internal"
	TypeServiceDown      = "/errors/service-unavailable"
	TypeTimeout          = "/errors/timeout"
	TypePayloadTooLarge  = "/errors/payload-too-large"

	TypeLicenseRequired    = "/errors/license/required"
	TypeWorkUnitsExhausted = "/errors/workunits/exhausted"
	TypeRequestAuth        = "/errors/auth/request-signature"
)

var problemTypes = map[string]string{
	"INVALID_REQUEST":      TypeValidation,
	"NOT_FOUND":            TypeNotFound,
	"UNAUTHORIZED":         TypeUnauthorized,
	"FORBIDDEN":            TypeForbidden,
	"PAYLOAD_TOO_LARGE":    TypePayloadTooLarge,
	"RATE_LIMIT_EXCEEDED":  TypeRateLimit,
	"SERVICE_UNAVAILABLE":  TypeServiceDown,
	"LICENSE_REQUIRED":     TypeLicenseRequired,
	"WORK_UNITS_EXHAUSTED": TypeWorkUnitsExhausted,
}

// ErrorHandler renders every failure of the HTTP surface as problem details
// and logs it once.
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError writes err as problem details. Client errors log at warn and
// server errors at error; a Retry-After header is set when the error knows
// when the caller may try again.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	traceID := RequestTraceID(r)
	problem := h.ErrorToProblem(err, r)
	problem.WithExtension("trace_id", traceID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
		if h.includeStack {
			problem.WithExtension("stack", string(debug.Stack()))
		}
	}

	if apiErr := FromError(err); apiErr != nil && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(apiErr.RetryAfter.Seconds())), 10))
	}

	h.logger.LogAttrs(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	render.Render(w, r, problem)
}

// ErrorToProblem maps err to problem details. Unknown errors become a 500
// without leaking their message.
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	apiErr := FromError(err)
	if apiErr == nil {
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request",
			r.URL.Path,
		)
	}

	problemType, ok := problemTypes[apiErr.ErrorCode]
	switch {
	case ok:
	case apiErr.StatusCode == http.StatusUnauthorized:
		// request authentication reasons carry their own codes
		problemType = TypeRequestAuth
	default:
		problemType = TypeInternal
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}

// HandlePanic renders a recovered panic as a 500.
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	stack := string(debug.Stack())
	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", stack),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", RequestTraceID(r))

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", stack)
	}

	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", RequestTraceID(r)))
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeMethodNotAllowed,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", RequestTraceID(r)))
}

// RequestTraceID returns the id used to correlate a request with its logs:
// an explicit trace id, then the span trace id, then chi's request id.
func RequestTraceID(r *http.Request) string {
	ctx := r.Context()
	if id := infrastructure.GetTraceID(ctx); id != "" {
		return id
	}
	if id := infrastructure.TraceIDFromContext(ctx); id != "" {
		return id
	}
	return middleware.GetReqID(ctx)
}
