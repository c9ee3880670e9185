// Package middleware holds the chi middleware chain: request ids, logging,
// recovery, rate limiting, request signature verification and capability
// enforcement.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds client supplied ids before they reach the logs.
const maxRequestIDLen = 128

// RequestID stores the request id under chi's key, so chimw.GetReqID works
// downstream, and seeds the log correlation id with it. A valid span
// context takes over correlation once tracing runs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		correlation := id
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			correlation = sc.TraceID().String()
		}
		ctx = infrastructure.WithTraceID(ctx, correlation)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetReqID returns the id set by RequestID, or "".
func GetReqID(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// StructuredLogger writes one "request completed" line per request. 5xx
// responses log at error and 4xx at warn.
func StructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ctx := r.Context()
			logger.LogAttrs(ctx, levelFor(status), "request completed",
				slog.String("request_id", GetReqID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(began)),
				slog.String("remote_addr", r.RemoteAddr))
		})
	}
}

func levelFor(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	if status >= http.StatusBadRequest {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Recoverer answers a panicking handler with a 500 problem document.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recoverer(errs *apierrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				errs.HandlePanic(w, r, v)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a token bucket shared by every route behind it.
type RateLimiter struct {
	bucket *rate.Limiter
	logger *slog.Logger
	errs   *apierrors.ErrorHandler
}

func NewRateLimiter(rps float64, burst int, logger *slog.Logger, errs *apierrors.ErrorHandler) *RateLimiter {
	return &RateLimiter{
		bucket: rate.NewLimiter(rate.Limit(rps), burst),
		logger: logger.With(slog.String("component", "rate_limiter")),
		errs:   errs,
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.bucket.Allow() {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.WarnContext(r.Context(), "rate limit exceeded",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))
		rl.errs.HandleError(w, r, apierrors.ErrRateLimitExceeded.WithRetryAfter(time.Second))
	})
}

var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
}

// SecurityHeaders marks every API response as non-cacheable, non-embeddable
// JSON. HSTS is only sent over TLS.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}
