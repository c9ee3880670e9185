package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "licensecore/internal/errors"
	"licensecore/pkg/contracts/domain"
)

// ThrottleFactorHeader reports the meter throttle factor on gated responses.
const ThrottleFactorHeader = "X-Throttle-Factor"

// Capability is the gate surface RequireCapability enforces.
type Capability interface {
	Name() string
	ValidateLicense() error
	WorkUnits(dataSize int64) float64
	CanPerformOperation(ctx context.Context, dataSize int64) bool
	RecordWorkUnits(ctx context.Context, dataSize int64)
}

// MeterSnapshotter exposes the meter state for error details and headers.
type MeterSnapshotter interface {
	Snapshot() domain.MeterSnapshot
}

// RequireCapability refuses requests the license does not cover (403) or the
// work unit budget cannot absorb (429). Successful responses are charged to
// the meter using the request body size.
func RequireCapability(capability Capability, meter MeterSnapshotter, errs *apierrors.ErrorHandler) func(next http.Handler) http.Handler {
	if errs == nil {
		errs = apierrors.NewErrorHandler(nil, false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if err := capability.ValidateLicense(); err != nil {
				errs.HandleError(w, r, err)
				return
			}

			size := max(r.ContentLength, 0)
			if !capability.CanPerformOperation(ctx, size) {
				details := apierrors.WorkUnitDetails{
					Capability: capability.Name(),
					Requested:  capability.WorkUnits(size),
				}
				var retryAfter time.Duration
				if meter != nil {
					snap := meter.Snapshot()
					details.Current = snap.Current
					details.Max = snap.Max
					details.ThrottleFactor = snap.ThrottleFactor
					// Everything recorded so far has left the window by then.
					retryAfter = snap.WindowEnd.Sub(snap.WindowStart)
				}
				errs.HandleError(w, r, apierrors.WorkUnitsExhausted(details, retryAfter))
				return
			}

			if meter != nil {
				factor := meter.Snapshot().ThrottleFactor
				w.Header().Set(ThrottleFactorHeader, strconv.FormatFloat(factor, 'f', 2, 64))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if succeeded(ww.Status()) {
				capability.RecordWorkUnits(ctx, size)
			}
		})
	}
}

// succeeded reports a 2xx status. A handler that never wrote a header
// answered 200.
func succeeded(status int) bool {
	if status == 0 {
		return true
	}
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
