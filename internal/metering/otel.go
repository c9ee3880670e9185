package metering

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const MeterName = "work-unit-meter"

type meterMetrics struct {
	recorded     metric.Float64Counter
	crossings    metric.Int64Counter
	rejected     metric.Int64Counter
	current      metric.Float64ObservableGauge
	percentUsed  metric.Float64ObservableGauge
	registration metric.Registration
}

func newMeterMetrics(meter metric.Meter, m *Meter) (*meterMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}

	metrics := &meterMetrics{}

	var err error

	metrics.recorded, err = meter.Float64Counter(
		"workunit_recorded_total",
		metric.WithDescription("Total work units recorded by category"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorded counter: %w", err)
	}

	metrics.crossings, err = meter.Int64Counter(
		"workunit_threshold_crossings_total",
		metric.WithDescription("Total number of threshold crossings by threshold percent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threshold crossings counter: %w", err)
	}

	metrics.rejected, err = meter.Int64Counter(
		"workunit_rejected_total",
		metric.WithDescription("Total number of consumption checks that exceeded the budget"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	metrics.current, err = meter.Float64ObservableGauge(
		"workunit_current",
		metric.WithDescription("Work units consumed in the trailing window"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create current gauge: %w", err)
	}

	metrics.percentUsed, err = meter.Float64ObservableGauge(
		"workunit_percent_used",
		metric.WithDescription("Share of the window budget in use"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create percent gauge: %w", err)
	}

	metrics.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := m.Snapshot()
		o.ObserveFloat64(metrics.current, snap.Current)
		o.ObserveFloat64(metrics.percentUsed, snap.Percent)
		return nil
	}, metrics.current, metrics.percentUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to register meter callback: %w", err)
	}

	return metrics, nil
}

func (mm *meterMetrics) recordUnits(ctx context.Context, units float64, category string) {
	if category == "" {
		category = "uncategorized"
	}
	mm.recorded.Add(ctx, units, metric.WithAttributes(attribute.String("category", category)))
}

func (mm *meterMetrics) recordCrossing(ctx context.Context, percent float64) {
	mm.crossings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("threshold", strconv.FormatFloat(percent, 'f', -1, 64)),
	))
}

func (mm *meterMetrics) recordRejected(ctx context.Context) {
	mm.rejected.Add(ctx, 1)
}

func (mm *meterMetrics) close() error {
	if mm.registration == nil {
		return nil
	}
	return mm.registration.Unregister()
}
