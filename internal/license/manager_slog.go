package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"licensecore/internal/infrastructure"
)

// logAction logs a manager action with trace correlation and mirrors it as a
// span event when a span is recording.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	allAttrs := append([]slog.Attr{
		slog.String("action", action),
		slog.String("result", result),
	}, attrs...)

	infrastructure.AddSpanEvent(ctx, "license."+action, allAttrs...)
	m.logger.LogAttrs(ctx, level, "license "+action,
		append([]slog.Attr{slog.String("component", "license_manager")}, allAttrs...)...)
}

// hashLicenseID returns a short digest of the license id for logs, so that
// ids never appear in clear text.
func hashLicenseID(id string) string {
	if id == "" {
		return ""
	}
	h := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", h)[:16]
}
