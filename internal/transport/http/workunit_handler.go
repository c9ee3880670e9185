package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"licensecore/pkg/contracts/domain"
)

// MeterService exposes the work unit window.
type MeterService interface {
	Snapshot() domain.MeterSnapshot
}

// WorkUnitHandler serves GET /api/workunits
type WorkUnitHandler struct {
	meter  MeterService
	logger *slog.Logger
}

// NewWorkUnitHandler creates a new work unit handler
func NewWorkUnitHandler(meter MeterService, logger *slog.Logger) *WorkUnitHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkUnitHandler{
		meter:  meter,
		logger: logger.With(slog.String("handler", "workunits")),
	}
}

// GetSnapshot returns the current meter snapshot.
func (h *WorkUnitHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.meter.Snapshot()
	if snap.IsThrottling {
		h.logger.DebugContext(r.Context(), "work unit budget exhausted",
			slog.Float64("current", snap.Current),
			slog.Int64("max", snap.Max))
	}
	render.JSON(w, r, snap)
}
