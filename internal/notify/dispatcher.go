package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DispatcherConfig controls dispatcher buffering behavior.
type DispatcherConfig struct {
	BufferSize int
	// DropIfFull makes Publish return immediately when the buffer is full.
	// Otherwise Publish waits for room or for ctx to end.
	DropIfFull bool
	Logger     *slog.Logger
	Meter      metric.Meter
}

type notification struct {
	ctx   context.Context
	name  string
	value any
}

// Dispatcher asynchronously forwards notifications to a sink on a single
// goroutine, preserving publish order.
type Dispatcher struct {
	cfg       DispatcherConfig
	sink      Publisher
	logger    *slog.Logger
	ch        chan notification
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once

	droppedTotal metric.Int64Counter
}

// NewDispatcher starts the delivery goroutine. Close stops it.
func NewDispatcher(cfg DispatcherConfig, sink Publisher) (*Dispatcher, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("notify")
	}

	droppedTotal, err := meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total number of notifications dropped because the dispatch buffer was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	d := &Dispatcher{
		cfg:          cfg,
		sink:         sink,
		logger:       logger.With("component", "notify_dispatcher"),
		ch:           make(chan notification, cfg.BufferSize),
		done:         make(chan struct{}),
		droppedTotal: droppedTotal,
	}

	d.wg.Add(1)
	go d.run()

	return d, nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case n := <-d.ch:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.ch:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panicked",
				slog.String("event", n.name),
				slog.Any("panic", r),
			)
		}
	}()
	d.sink.Publish(n.ctx, n.name, n.value)
}

// Publish queues a notification. The context's values travel with it but
// its cancellation does not.
func (d *Dispatcher) Publish(ctx context.Context, name string, value any) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	n := notification{ctx: context.WithoutCancel(ctx), name: name, value: value}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- n:
		case <-d.done:
		default:
			d.dropped.Add(1)
			d.droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
		}
		return
	}

	select {
	case d.ch <- n:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops accepting notifications, delivers what is buffered and waits
// for the delivery goroutine to exit.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of notifications dropped so far.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
