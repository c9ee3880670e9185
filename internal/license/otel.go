package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"licensecore/pkg/contracts/domain"
)

const TracerName = "license-manager"

// LicenseMetrics holds the license manager instruments
type LicenseMetrics struct {
	ValidationsTotal   metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	StateTransitions   metric.Int64Counter
	SignatureFailures  metric.Int64Counter
}

// NewLicenseMetrics creates the license manager instruments on meter.
func NewLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.ValidationsTotal, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("Total number of license validations by resulting state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	metrics.StateTransitions, err = meter.Int64Counter(
		"license_state_transitions_total",
		metric.WithDescription("Total number of license state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state transitions counter: %w", err)
	}

	metrics.SignatureFailures, err = meter.Int64Counter(
		"license_signature_failures_total",
		metric.WithDescription("Total number of license documents rejected for a bad signature"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature failures counter: %w", err)
	}

	return metrics, nil
}

func (m *Manager) startValidationSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "license.validation",
		trace.WithAttributes(
			attribute.String("license.operation", "validation"),
			attribute.String("component", "license_manager"),
		),
	)
}

func (m *Manager) finishValidationSpan(span trace.Span, result domain.ValidationResult) {
	span.SetAttributes(
		attribute.String("license.state", string(result.State)),
		attribute.String("license.tier", string(result.Tier)),
	)
	if result.State == domain.StateInvalid {
		span.SetStatus(codes.Error, result.Reason)
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (m *Manager) recordValidationMetrics(ctx context.Context, result domain.ValidationResult, change *domain.StateChange, duration time.Duration) {
	if m.metrics == nil {
		return
	}

	state := metric.WithAttributes(attribute.String("state", string(result.State)))
	m.metrics.ValidationsTotal.Add(ctx, 1, state)
	m.metrics.ValidationDuration.Record(ctx, duration.Seconds(), state)

	if change != nil {
		m.metrics.StateTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(change.Previous)),
			attribute.String("to", string(change.Current)),
		))
	}
}

func (m *Manager) recordSignatureFailure(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	m.metrics.SignatureFailures.Add(ctx, 1)
}
