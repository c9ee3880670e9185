package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/render"

	"licensecore/pkg/contracts"
	"licensecore/pkg/contracts/domain"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status       string              `json:"status"`
	LicenseState domain.LicenseState `json:"license_state"`
	Tier         domain.Tier         `json:"tier"`
	Version      string              `json:"version"`
	Uptime       string              `json:"uptime"`
	Timestamp    time.Time           `json:"timestamp"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	license LicenseService
	clock   quartz.Clock
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. The process is healthy in
// every license state, including free tier.
func NewHealthHandler(license LicenseService, clock quartz.Clock, logger *slog.Logger) *HealthHandler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		license: license,
		clock:   clock,
		started: clock.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.license.Status()
	now := h.clock.Now()

	render.JSON(w, r, HealthResponse{
		Status:       "ok",
		LicenseState: status.State,
		Tier:         status.Tier,
		Version:      contracts.Version,
		Uptime:       now.Sub(h.started).Truncate(time.Second).String(),
		Timestamp:    now.UTC(),
	})
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
