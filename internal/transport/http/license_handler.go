package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
	"licensecore/pkg/contracts/domain"
)

// LicenseService is the part of the license manager the handlers use.
type LicenseService interface {
	Status() domain.LicenseStatus
	ValidateLicense(ctx context.Context) domain.ValidationResult
}

// ValidationResponse is returned by POST /api/license/validate.
type ValidationResponse struct {
	Result  domain.ValidationResult `json:"result"`
	Status  domain.LicenseStatus    `json:"status"`
	TraceID string                  `json:"trace_id,omitempty"`
}

// LicenseHandler serves the license status and forced revalidation.
type LicenseHandler struct {
	service         LicenseService
	errs            *apierrors.ErrorHandler
	logger          *slog.Logger
	tracer          trace.Tracer
	validateTimeout time.Duration
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, errs *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if errs == nil {
		errs = apierrors.NewErrorHandler(logger, false)
	}
	return &LicenseHandler{
		service:         service,
		errs:            errs,
		logger:          logger.With(slog.String("handler", "license")),
		tracer:          otel.Tracer("license-handler"),
		validateTimeout: 10 * time.Second,
	}
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Post("/validate", h.Validate)
	return r
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.service.Status()

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("license.state", string(status.State)),
		attribute.String("license.tier", string(status.Tier)),
	)

	render.JSON(w, r, status)
}

// Validate handles POST /api/license/validate. It re-reads the license
// source and reports the outcome together with the resulting status.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		),
	)
	defer span.End()

	start := time.Now()
	validateCtx, cancel := context.WithTimeout(ctx, h.validateTimeout)
	defer cancel()

	result := h.service.ValidateLicense(validateCtx)
	if err := validateCtx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation timed out")
		h.errs.HandleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("license.state", string(result.State)),
		attribute.String("license.reason", result.Reason),
	)

	h.logger.InfoContext(ctx, "license revalidated",
		slog.String("state", string(result.State)),
		slog.String("reason", result.Reason),
		slog.Duration("latency", time.Since(start)),
	)

	render.JSON(w, r, ValidationResponse{
		Result:  result,
		Status:  h.service.Status(),
		TraceID: infrastructure.TraceIDFromContext(ctx),
	})
}
