package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"licensecore/internal/gate"
	"licensecore/internal/infrastructure"
	"licensecore/internal/metering"
	"licensecore/internal/notify"
	"licensecore/pkg/contracts/domain"
	"licensecore/pkg/contracts/events"
)

// LicenseManager is the license surface the coordinator drives.
type LicenseManager interface {
	ValidateLicense(ctx context.Context) domain.ValidationResult
	Status() domain.LicenseStatus
	Subscribe(fn func(domain.StateChange)) (unsubscribe func())
}

// WorkUnitMeter is the meter surface the coordinator drives.
type WorkUnitMeter interface {
	Rotate()
	Snapshot() domain.MeterSnapshot
	OnThreshold(fn func(domain.ThresholdEvent)) (unsubscribe func())
}

// CoordinatorOptions configure a Coordinator.
type CoordinatorOptions struct {
	License  LicenseManager
	Meter    WorkUnitMeter
	Gates    *gate.Registry
	Sink     notify.Publisher
	Interval time.Duration
	// Node is stamped on every heartbeat snapshot.
	Node domain.NodeInfo
	// ThrottleAt is the threshold percentage announced as throttling.
	// Defaults to metering.DefaultThrottleEnd.
	ThrottleAt float64
	Clock      quartz.Clock
	Logger     *slog.Logger
}

// Coordinator connects the license manager and the meter to the notification
// sink and runs the heartbeat.
type Coordinator struct {
	license    LicenseManager
	meter      WorkUnitMeter
	gates      *gate.Registry
	sink       notify.Publisher
	interval   time.Duration
	node       domain.NodeInfo
	throttleAt float64
	clock      quartz.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	running     bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	waiter      quartz.Waiter
	unsubscribe []func()
	sequence    uint64
	last        domain.StatusSnapshot
}

// NewCoordinator validates the options. Nothing runs until Start.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.License == nil || opts.Meter == nil {
		return nil, errors.New("coordinator requires a license manager and a meter")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", opts.Interval)
	}

	gates := opts.Gates
	if gates == nil {
		gates = gate.NewRegistry()
	}
	sink := opts.Sink
	if sink == nil {
		sink = notify.Discard
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	throttleAt := opts.ThrottleAt
	if throttleAt <= 0 {
		throttleAt = metering.DefaultThrottleEnd
	}

	return &Coordinator{
		license:    opts.License,
		meter:      opts.Meter,
		gates:      gates,
		sink:       sink,
		interval:   opts.Interval,
		node:       opts.Node,
		throttleAt: throttleAt,
		clock:      clock,
		logger:     logger.With(slog.String("component", "coordinator")),
	}, nil
}

// Start subscribes to state changes and threshold crossings, runs the
// startup validation and schedules the heartbeat. The startup transition out
// of unknown is published like any other.
func (c *Coordinator) Start(ctx context.Context) (domain.ValidationResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return domain.ValidationResult{}, errors.New("coordinator already started")
	}
	c.running = true
	c.baseCtx = context.WithoutCancel(ctx)
	c.unsubscribe = []func(){
		c.license.Subscribe(c.onStateChange),
		c.meter.OnThreshold(c.onThreshold),
	}
	c.mu.Unlock()

	result := c.license.ValidateLicense(ctx)
	c.logger.InfoContext(ctx, "startup license validation",
		slog.String("state", string(result.State)),
		slog.String("tier", string(result.Tier)),
		slog.String("reason", result.Reason))

	hbCtx, cancel := context.WithCancel(c.baseCtx)
	waiter := c.clock.TickerFunc(hbCtx, c.interval, func() error {
		c.Tick(hbCtx)
		return nil
	}, "coordinator", "heartbeat")

	c.mu.Lock()
	c.cancel = cancel
	c.waiter = waiter
	c.mu.Unlock()

	return result, nil
}

// Stop cancels the heartbeat, waits for an in-flight tick and drops the
// subscriptions. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, waiter, unsubscribe := c.cancel, c.waiter, c.unsubscribe
	c.cancel, c.waiter, c.unsubscribe = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if waiter != nil {
		if err := waiter.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("heartbeat stopped with error", slog.String("error", err.Error()))
		}
	}
	for _, fn := range unsubscribe {
		fn()
	}
	c.logger.Info("coordinator stopped")
}

// Tick runs one heartbeat: rotate the meter, revalidate the license and
// publish one combined snapshot built from a single read of each.
func (c *Coordinator) Tick(ctx context.Context) domain.StatusSnapshot {
	ctx = infrastructure.EnsureTraceID(ctx)
	c.meter.Rotate()
	c.license.ValidateLicense(ctx)

	snap := domain.StatusSnapshot{
		Node:      c.node,
		License:   c.license.Status(),
		WorkUnits: c.meter.Snapshot(),
		At:        c.clock.Now().UTC(),
	}

	c.mu.Lock()
	c.sequence++
	snap.Sequence = c.sequence
	c.last = snap
	c.mu.Unlock()

	c.sink.Publish(ctx, events.CoordinatorHeartbeat, snap)
	c.sink.Publish(ctx, events.LicenseStatus, snap.License)
	c.sink.Publish(ctx, events.WorkUnitStatus, snap.WorkUnits)

	c.logger.DebugContext(ctx, "heartbeat",
		slog.Uint64("sequence", snap.Sequence),
		slog.String("state", string(snap.License.State)),
		slog.Float64("work_units", snap.WorkUnits.Current))
	return snap
}

// LastSnapshot returns the snapshot of the most recent tick.
func (c *Coordinator) LastSnapshot() (domain.StatusSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.sequence > 0
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx == nil {
		return context.Background()
	}
	return c.baseCtx
}

func (c *Coordinator) onStateChange(change domain.StateChange) {
	ctx := c.context()

	c.logger.InfoContext(ctx, "license state changed",
		slog.String("previous", string(change.Previous)),
		slog.String("current", string(change.Current)),
		slog.String("reason", change.Reason))

	c.gates.ResetAll()

	if name := events.ForState(change.Current); name != "" {
		c.sink.Publish(ctx, name, change)
	}
	c.sink.Publish(ctx, events.LicenseStateChanged, change)

	c.gates.EmitAll(ctx)
}

func (c *Coordinator) onThreshold(ev domain.ThresholdEvent) {
	ctx := c.context()

	c.sink.Publish(ctx, events.WorkUnitThreshold, ev)
	if ev.ThresholdPercent >= c.throttleAt {
		c.logger.WarnContext(ctx, "work unit budget exhausted",
			slog.Float64("current", ev.Current),
			slog.Int64("max", ev.Max))
		c.sink.Publish(ctx, events.WorkUnitThrottling, ev)
	}
}
