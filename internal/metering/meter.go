package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/metric"

	"licensecore/pkg/contracts/domain"
)

// Default throttle ramp bounds, in percent of the window budget.
const (
	DefaultThrottleStart = 80.0
	DefaultThrottleEnd   = 100.0
)

// LimitProvider supplies the window budget. It is consulted on every access
// so that a license change applies without rebuilding the meter.
type LimitProvider interface {
	MaxWorkUnitsPerMinute() int64
}

// LimitFunc adapts a function to LimitProvider.
type LimitFunc func() int64

// MaxWorkUnitsPerMinute calls f.
func (f LimitFunc) MaxWorkUnitsPerMinute() int64 { return f() }

// Config describes the window geometry and alerting policy.
type Config struct {
	Window        time.Duration
	Buckets       int
	Thresholds    []float64
	ThrottleStart float64
	ThrottleEnd   float64
}

// DefaultConfig is a one minute window of one second buckets alerting at
// 50/80/90/100 percent.
func DefaultConfig() Config {
	return Config{
		Window:        time.Minute,
		Buckets:       60,
		Thresholds:    []float64{50, 80, 90, 100},
		ThrottleStart: DefaultThrottleStart,
		ThrottleEnd:   DefaultThrottleEnd,
	}
}

func (c Config) validate() error {
	if c.Buckets <= 0 {
		return fmt.Errorf("bucket count must be positive, got %d", c.Buckets)
	}
	if c.Window < time.Duration(c.Buckets) {
		return fmt.Errorf("window %s is too short for %d buckets", c.Window, c.Buckets)
	}
	for i, t := range c.Thresholds {
		if t <= 0 {
			return fmt.Errorf("threshold %v must be positive", t)
		}
		if i > 0 && t <= c.Thresholds[i-1] {
			return errors.New("thresholds must be strictly ascending")
		}
	}
	if c.ThrottleStart >= c.ThrottleEnd {
		return fmt.Errorf("throttle start %v must be below throttle end %v", c.ThrottleStart, c.ThrottleEnd)
	}
	return nil
}

// Options configure a Meter.
type Options struct {
	Config Config
	Limits LimitProvider
	Clock  quartz.Clock
	Logger *slog.Logger
	Meter  metric.Meter
}

type bucket struct {
	total      float64
	byCategory map[string]float64
}

func (b *bucket) reset() {
	b.total = 0
	clear(b.byCategory)
}

// Meter tracks work units over a trailing window split into equal buckets.
// A single mutex guards the ring; threshold observers run after it is
// released.
type Meter struct {
	cfg            Config
	bucketDuration time.Duration
	limits         LimitProvider
	clock          quartz.Clock
	logger         *slog.Logger
	metrics        *meterMetrics

	mu          sync.Mutex
	buckets     []bucket
	cursor      int
	bucketStart time.Time
	crossed     map[float64]bool
	observers   map[uint64]func(domain.ThresholdEvent)
	nextID      uint64
}

// New builds a meter. The ring starts empty with the current bucket opening
// at the clock's current time.
func New(opts Options) (*Meter, error) {
	cfg := opts.Config
	cfg.Thresholds = slices.Clone(cfg.Thresholds)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid meter config: %w", err)
	}
	if opts.Limits == nil {
		return nil, errors.New("meter requires a limit provider")
	}

	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Meter{
		cfg:            cfg,
		bucketDuration: cfg.Window / time.Duration(cfg.Buckets),
		limits:         opts.Limits,
		clock:          clock,
		logger:         logger.With("component", "work_unit_meter"),
		buckets:        make([]bucket, cfg.Buckets),
		bucketStart:    clock.Now(),
		crossed:        make(map[float64]bool),
		observers:      make(map[uint64]func(domain.ThresholdEvent)),
	}
	for i := range m.buckets {
		m.buckets[i].byCategory = make(map[string]float64)
	}

	metrics, err := newMeterMetrics(opts.Meter, m)
	if err != nil {
		return nil, err
	}
	m.metrics = metrics
	return m, nil
}

// Close unregisters the observable instruments.
func (m *Meter) Close() error {
	return m.metrics.close()
}

// Record adds units to the current bucket under category. Non-positive and
// non-finite values are ignored. Thresholds reached by this call are reported
// to observers in ascending order.
func (m *Meter) Record(ctx context.Context, units float64, category string) {
	if !(units > 0) || math.IsInf(units, 1) {
		return
	}

	now := m.clock.Now()
	limit := m.limits.MaxWorkUnitsPerMinute()

	m.mu.Lock()
	m.rotateLocked(now, limit)
	b := &m.buckets[m.cursor]
	b.total += units
	if category != "" {
		b.byCategory[category] += units
	}
	events := m.crossThresholdsLocked(now, limit)
	fns := m.observersLocked()
	m.mu.Unlock()

	m.metrics.recordUnits(ctx, units, category)

	for _, ev := range events {
		m.metrics.recordCrossing(ctx, ev.ThresholdPercent)
		level := slog.LevelInfo
		if ev.ThresholdPercent >= m.cfg.ThrottleEnd {
			level = slog.LevelWarn
		}
		m.logger.LogAttrs(ctx, level, "work unit threshold reached",
			slog.Float64("threshold_percent", ev.ThresholdPercent),
			slog.Float64("current", ev.Current),
			slog.Int64("limit", ev.Max),
		)
		for _, fn := range fns {
			m.deliver(ctx, fn, ev)
		}
	}
}

// CanConsume reports whether units more would stay within the budget.
// Exactly reaching the budget is allowed.
func (m *Meter) CanConsume(ctx context.Context, units float64) bool {
	limit := m.limits.MaxWorkUnitsPerMinute()

	m.mu.Lock()
	m.rotateLocked(m.clock.Now(), limit)
	current := m.totalLocked()
	m.mu.Unlock()

	ok := current+units <= float64(limit)
	if !ok {
		m.metrics.recordRejected(ctx)
	}
	return ok
}

// CurrentWorkUnits is the sum over the trailing window.
func (m *Meter) CurrentWorkUnits() float64 {
	limit := m.limits.MaxWorkUnitsPerMinute()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked(m.clock.Now(), limit)
	return m.totalLocked()
}

// MaxWorkUnits is the current budget from the limit provider.
func (m *Meter) MaxWorkUnits() int64 {
	return m.limits.MaxWorkUnitsPerMinute()
}

// PercentUsed is 100 * current / limit, or 0 without a positive budget.
func (m *Meter) PercentUsed() float64 {
	limit := m.limits.MaxWorkUnitsPerMinute()
	return percentOf(m.CurrentWorkUnits(), limit)
}

// IsThrottling reports whether the budget is exhausted.
func (m *Meter) IsThrottling() bool {
	return m.PercentUsed() >= m.cfg.ThrottleEnd
}

// ThrottleFactor applies the configured ramp to the current occupancy.
func (m *Meter) ThrottleFactor() float64 {
	return throttleFactor(m.PercentUsed(), m.cfg.ThrottleStart, m.cfg.ThrottleEnd)
}

// Rotate advances the ring to the current time. The coordinator calls it on
// every heartbeat so idle windows drain without traffic.
func (m *Meter) Rotate() {
	limit := m.limits.MaxWorkUnitsPerMinute()

	m.mu.Lock()
	m.rotateLocked(m.clock.Now(), limit)
	m.mu.Unlock()
}

// Reset empties the window and forgets crossed thresholds.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.buckets {
		m.buckets[i].reset()
	}
	clear(m.crossed)
	m.bucketStart = m.clock.Now()
}

// Snapshot returns an immutable view of the window.
func (m *Meter) Snapshot() domain.MeterSnapshot {
	now := m.clock.Now()
	limit := m.limits.MaxWorkUnitsPerMinute()

	m.mu.Lock()
	m.rotateLocked(now, limit)
	current := m.totalLocked()
	byCategory := make(map[string]float64)
	for i := range m.buckets {
		for cat, v := range m.buckets[i].byCategory {
			byCategory[cat] += v
		}
	}
	windowEnd := m.bucketStart.Add(m.bucketDuration)
	m.mu.Unlock()

	percent := percentOf(current, limit)
	return domain.MeterSnapshot{
		Current:        current,
		Max:            limit,
		Percent:        percent,
		IsThrottling:   percent >= m.cfg.ThrottleEnd,
		ThrottleFactor: throttleFactor(percent, m.cfg.ThrottleStart, m.cfg.ThrottleEnd),
		WindowStart:    windowEnd.Add(-m.cfg.Window),
		WindowEnd:      windowEnd,
		ByCategory:     byCategory,
	}
}

// OnThreshold registers fn for threshold crossings.
func (m *Meter) OnThreshold(fn func(domain.ThresholdEvent)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// rotateLocked zeroes every bucket the clock has moved past, at most one full
// turn of the ring, then clears crossed thresholds if occupancy fell below
// the lowest one.
func (m *Meter) rotateLocked(now time.Time, limit int64) {
	elapsed := now.Sub(m.bucketStart)
	if elapsed >= m.bucketDuration {
		steps := int64(elapsed / m.bucketDuration)
		turns := min(steps, int64(len(m.buckets)))
		for i := int64(0); i < turns; i++ {
			m.cursor = (m.cursor + 1) % len(m.buckets)
			m.buckets[m.cursor].reset()
		}
		m.bucketStart = m.bucketStart.Add(time.Duration(steps) * m.bucketDuration)
	}

	if len(m.cfg.Thresholds) > 0 && len(m.crossed) > 0 &&
		percentOf(m.totalLocked(), limit) < m.cfg.Thresholds[0] {
		clear(m.crossed)
	}
}

func (m *Meter) crossThresholdsLocked(now time.Time, limit int64) []domain.ThresholdEvent {
	current := m.totalLocked()
	percent := percentOf(current, limit)

	var events []domain.ThresholdEvent
	for _, t := range m.cfg.Thresholds {
		if percent < t {
			break
		}
		if m.crossed[t] {
			continue
		}
		m.crossed[t] = true
		events = append(events, domain.ThresholdEvent{
			Current:          current,
			Max:              limit,
			ThresholdPercent: t,
			Percent:          percent,
			At:               now,
		})
	}
	return events
}

func (m *Meter) totalLocked() float64 {
	var total float64
	for i := range m.buckets {
		total += m.buckets[i].total
	}
	return total
}

func (m *Meter) observersLocked() []func(domain.ThresholdEvent) {
	if len(m.observers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(domain.ThresholdEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.observers[id])
	}
	return fns
}

func (m *Meter) deliver(ctx context.Context, fn func(domain.ThresholdEvent), ev domain.ThresholdEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "threshold observer panicked",
				slog.Any("panic", r),
				slog.Float64("threshold_percent", ev.ThresholdPercent),
			)
		}
	}()
	fn(ev)
}

func percentOf(current float64, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return 100 * current / float64(limit)
}

// ThrottleFactor maps occupancy to a multiplier in [0,1]: 1 below 80%, a
// linear ramp down to 0 at 100%, and 0 beyond.
func ThrottleFactor(percent float64) float64 {
	return throttleFactor(percent, DefaultThrottleStart, DefaultThrottleEnd)
}

func throttleFactor(percent, start, end float64) float64 {
	switch {
	case percent < start:
		return 1
	case percent >= end:
		return 0
	default:
		return 1 - (percent-start)/(end-start)
	}
}
