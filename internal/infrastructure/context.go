package infrastructure

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TraceIDContextKey carries the correlation id of a request or tick.
	TraceIDContextKey contextKey = "trace_id"
	// PeerLicenseIDContextKey carries the license id of an authenticated peer.
	PeerLicenseIDContextKey contextKey = "peer_license_id"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID returns the correlation id stored by WithTraceID, or "".
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDContextKey).(string)
	return id
}

// EnsureTraceID gives work that did not start from a request, such as a
// heartbeat tick, its own correlation id. An existing id is kept.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.NewString())
}

// WithPeerLicenseID records the license id a signed request was verified for.
func WithPeerLicenseID(ctx context.Context, licenseID string) context.Context {
	return context.WithValue(ctx, PeerLicenseIDContextKey, licenseID)
}

// PeerLicenseID returns the verified peer license id, or "".
func PeerLicenseID(ctx context.Context) string {
	id, _ := ctx.Value(PeerLicenseIDContextKey).(string)
	return id
}
