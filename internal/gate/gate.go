// Package gate composes the license manager and the work unit meter into a
// per-capability policy check.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"licensecore/internal/infrastructure"
	"licensecore/internal/notify"
	"licensecore/pkg/contracts/domain"
)

// LicenseService is the subset of the license manager a gate consults.
type LicenseService interface {
	MeetsTierRequirement(tier domain.Tier) bool
	HasFeature(name string) bool
}

// WorkUnitMeter is the subset of the meter a gate charges.
type WorkUnitMeter interface {
	CanConsume(ctx context.Context, units float64) bool
	Record(ctx context.Context, units float64, category string)
}

// Requirements describe what a capability needs from the license.
type Requirements struct {
	MinimumTier          domain.Tier
	RequiredFeatures     []string
	BaseWorkUnits        float64
	WorkUnitsPerKilobyte float64
	// AllowDegradation lets the capability run unlicensed in a reduced mode
	// instead of failing ValidateLicense.
	AllowDegradation bool
}

// Signal is one notification a gate publishes when announcing its mode.
type Signal struct {
	Name  string
	Value any
}

// ModeSignals are the fixed notifications for each mode.
type ModeSignals struct {
	Licensed []Signal
	Degraded []Signal
}

// LicenseRequiredError is returned by ValidateLicense when the license does
// not satisfy a capability that cannot degrade.
type LicenseRequiredError struct {
	Capability string
	Tier       domain.Tier
	Features   []string
}

func (e *LicenseRequiredError) Error() string {
	msg := fmt.Sprintf("%s requires a %s license", e.Capability, e.Tier)
	if len(e.Features) > 0 {
		msg += " with features " + strings.Join(e.Features, ", ")
	}
	return msg
}

// Gate guards one licensed capability.
type Gate struct {
	name    string
	license LicenseService
	meter   WorkUnitMeter
	sink    notify.Publisher
	req     Requirements
	signals ModeSignals
	logger  *slog.Logger

	mu       sync.Mutex
	licensed *bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a gate named after the capability it guards. A nil sink
// discards mode signals.
func New(name string, lic LicenseService, meter WorkUnitMeter, sink notify.Publisher, req Requirements, signals ModeSignals, opts ...Option) (*Gate, error) {
	if name == "" {
		return nil, fmt.Errorf("gate name cannot be empty")
	}
	if lic == nil || meter == nil {
		return nil, fmt.Errorf("gate %s: license and meter are required", name)
	}
	if req.BaseWorkUnits < 0 || req.WorkUnitsPerKilobyte < 0 {
		return nil, fmt.Errorf("gate %s: work unit costs cannot be negative", name)
	}
	if sink == nil {
		sink = notify.Discard
	}
	if req.MinimumTier == "" {
		req.MinimumTier = domain.TierFree
	}
	req.RequiredFeatures = append([]string(nil), req.RequiredFeatures...)

	g := &Gate{
		name:    name,
		license: lic,
		meter:   meter,
		sink:    sink,
		req:     req,
		signals: signals,
		logger:  infrastructure.GetLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "gate"), slog.String("capability", name))
	return g, nil
}

// Name returns the capability name.
func (g *Gate) Name() string { return g.name }

// Requirements returns a copy of the gate requirements.
func (g *Gate) Requirements() Requirements {
	req := g.req
	req.RequiredFeatures = append([]string(nil), g.req.RequiredFeatures...)
	return req
}

// IsLicensed reports whether the tier and every required feature are
// granted. The answer is cached until ResetLicenseCache.
func (g *Gate) IsLicensed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.licensed != nil {
		return *g.licensed
	}
	licensed := g.license.MeetsTierRequirement(g.req.MinimumTier)
	for _, f := range g.req.RequiredFeatures {
		if !licensed {
			break
		}
		licensed = g.license.HasFeature(f)
	}
	g.licensed = &licensed
	return licensed
}

// ResetLicenseCache forces the next IsLicensed to consult the license again.
func (g *Gate) ResetLicenseCache() {
	g.mu.Lock()
	g.licensed = nil
	g.mu.Unlock()
}

// ValidateLicense returns a *LicenseRequiredError when the capability is not
// licensed and may not degrade.
func (g *Gate) ValidateLicense() error {
	if g.req.AllowDegradation || g.IsLicensed() {
		return nil
	}
	return &LicenseRequiredError{
		Capability: g.name,
		Tier:       g.req.MinimumTier,
		Features:   append([]string(nil), g.req.RequiredFeatures...),
	}
}

// WorkUnits converts a payload size in bytes to the units one operation costs.
func (g *Gate) WorkUnits(dataSize int64) float64 {
	if dataSize < 0 {
		dataSize = 0
	}
	return g.req.BaseWorkUnits + g.req.WorkUnitsPerKilobyte*float64(dataSize)/1024
}

// CanPerformOperation reports whether the meter has budget for one operation
// over dataSize bytes.
func (g *Gate) CanPerformOperation(ctx context.Context, dataSize int64) bool {
	return g.meter.CanConsume(ctx, g.WorkUnits(dataSize))
}

// RecordWorkUnits charges one operation over dataSize bytes, under the
// capability name.
func (g *Gate) RecordWorkUnits(ctx context.Context, dataSize int64) {
	g.meter.Record(ctx, g.WorkUnits(dataSize), g.name)
}

// EmitModeSignals publishes the licensed or degraded signal set.
func (g *Gate) EmitModeSignals(ctx context.Context) {
	licensed := g.IsLicensed()
	set := g.signals.Degraded
	mode := "degraded"
	if licensed {
		set = g.signals.Licensed
		mode = "licensed"
	}

	g.logger.DebugContext(ctx, "Emitting mode signals",
		slog.String("mode", mode),
		slog.Int("signals", len(set)))
	for _, s := range set {
		g.sink.Publish(ctx, s.Name, s.Value)
	}
}
