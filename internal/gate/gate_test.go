package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/license"
	"licensecore/internal/metering"
	"licensecore/internal/notify"
	"licensecore/internal/shared/testutil"
	"licensecore/pkg/contracts/domain"
)

type fakeLicense struct {
	mu       sync.Mutex
	tier     domain.Tier
	features map[string]bool
	calls    int
}

func (f *fakeLicense) MeetsTierRequirement(tier domain.Tier) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.tier.AtLeast(tier)
}

func (f *fakeLicense) HasFeature(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return name == "" || f.features[name]
}

func (f *fakeLicense) set(tier domain.Tier, features ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tier = tier
	f.features = make(map[string]bool)
	for _, name := range features {
		f.features[name] = true
	}
}

type fakeMeter struct {
	budget   float64
	recorded []float64
	category []string
	asked    []float64
}

func (f *fakeMeter) CanConsume(_ context.Context, units float64) bool {
	f.asked = append(f.asked, units)
	return units <= f.budget
}

func (f *fakeMeter) Record(_ context.Context, units float64, category string) {
	f.recorded = append(f.recorded, units)
	f.category = append(f.category, category)
}

type published struct {
	name  string
	value any
}

type recordingSink struct {
	mu     sync.Mutex
	events []published
}

func (s *recordingSink) Publish(_ context.Context, name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, published{name, value})
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.name
	}
	return names
}

var dockingSignals = ModeSignals{
	Licensed: []Signal{{Name: "docking.enabled", Value: true}, {Name: "docking.mode", Value: "full"}},
	Degraded: []Signal{{Name: "docking.enabled", Value: false}},
}

func newGate(t *testing.T, lic LicenseService, meter WorkUnitMeter, sink notify.Publisher, req Requirements) *Gate {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	g, err := New("docking", lic, meter, sink, req, dockingSignals, WithLogger(logger))
	require.NoError(t, err)
	return g
}

// =============================================================================
// Licensing
// =============================================================================

func TestIsLicensed(t *testing.T) {
	tests := []struct {
		name     string
		tier     domain.Tier
		features []string
		req      Requirements
		want     bool
	}{
		{"no requirements", domain.TierFree, nil, Requirements{}, true},
		{"tier met", domain.TierProfessional, nil, Requirements{MinimumTier: domain.TierStarter}, true},
		{"tier too low", domain.TierStarter, nil, Requirements{MinimumTier: domain.TierProfessional}, false},
		{"features granted", domain.TierEnterprise, []string{"docking", "analytics"},
			Requirements{MinimumTier: domain.TierProfessional, RequiredFeatures: []string{"docking", "analytics"}}, true},
		{"feature missing", domain.TierEnterprise, []string{"docking"},
			Requirements{RequiredFeatures: []string{"docking", "analytics"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lic := &fakeLicense{}
			lic.set(tt.tier, tt.features...)
			g := newGate(t, lic, &fakeMeter{}, nil, tt.req)
			assert.Equal(t, tt.want, g.IsLicensed())
		})
	}
}

func TestIsLicensedIsCachedUntilReset(t *testing.T) {
	lic := &fakeLicense{}
	lic.set(domain.TierFree)
	g := newGate(t, lic, &fakeMeter{}, nil, Requirements{MinimumTier: domain.TierProfessional})

	assert.False(t, g.IsLicensed())
	lic.set(domain.TierProfessional)
	assert.False(t, g.IsLicensed(), "cached decision should hold")
	assert.Equal(t, 1, lic.calls)

	g.ResetLicenseCache()
	assert.True(t, g.IsLicensed())
	assert.Equal(t, 2, lic.calls)
}

func TestValidateLicense(t *testing.T) {
	lic := &fakeLicense{}
	lic.set(domain.TierStarter)

	t.Run("licensed", func(t *testing.T) {
		g := newGate(t, lic, &fakeMeter{}, nil, Requirements{MinimumTier: domain.TierStarter})
		assert.NoError(t, g.ValidateLicense())
	})

	t.Run("degradation allowed", func(t *testing.T) {
		g := newGate(t, lic, &fakeMeter{}, nil, Requirements{
			MinimumTier:      domain.TierEnterprise,
			AllowDegradation: true,
		})
		assert.NoError(t, g.ValidateLicense())
		assert.False(t, g.IsLicensed())
	})

	t.Run("required", func(t *testing.T) {
		g := newGate(t, lic, &fakeMeter{}, nil, Requirements{
			MinimumTier:      domain.TierEnterprise,
			RequiredFeatures: []string{"docking"},
		})
		err := g.ValidateLicense()
		require.Error(t, err)

		var lre *LicenseRequiredError
		require.True(t, errors.As(err, &lre))
		assert.Equal(t, "docking", lre.Capability)
		assert.Equal(t, domain.TierEnterprise, lre.Tier)
		assert.Equal(t, []string{"docking"}, lre.Features)
		assert.Equal(t, "docking requires a enterprise license with features docking", err.Error())
	})
}

// =============================================================================
// Work units
// =============================================================================

func TestWorkUnitConversion(t *testing.T) {
	meter := &fakeMeter{budget: 10}
	g := newGate(t, &fakeLicense{}, meter, nil, Requirements{BaseWorkUnits: 2, WorkUnitsPerKilobyte: 4})

	assert.Equal(t, 2.0, g.WorkUnits(0))
	assert.Equal(t, 6.0, g.WorkUnits(1024))
	assert.Equal(t, 4.0, g.WorkUnits(512))
	assert.Equal(t, 2.0, g.WorkUnits(-10))

	ctx := context.Background()
	assert.True(t, g.CanPerformOperation(ctx, 2048))
	assert.False(t, g.CanPerformOperation(ctx, 4096))
	assert.Equal(t, []float64{10, 18}, meter.asked)

	g.RecordWorkUnits(ctx, 1024)
	assert.Equal(t, []float64{6}, meter.recorded)
	assert.Equal(t, []string{"docking"}, meter.category)
}

// =============================================================================
// Mode signals
// =============================================================================

func TestEmitModeSignals(t *testing.T) {
	lic := &fakeLicense{}
	lic.set(domain.TierFree)
	sink := &recordingSink{}
	g := newGate(t, lic, &fakeMeter{}, sink, Requirements{MinimumTier: domain.TierProfessional, AllowDegradation: true})

	ctx := context.Background()
	g.EmitModeSignals(ctx)
	assert.Equal(t, []string{"docking.enabled"}, sink.names())
	assert.Equal(t, false, sink.events[0].value)

	lic.set(domain.TierProfessional)
	g.ResetLicenseCache()
	g.EmitModeSignals(ctx)
	assert.Equal(t, []string{"docking.enabled", "docking.enabled", "docking.mode"}, sink.names())
	assert.Equal(t, true, sink.events[1].value)
}

func TestNewRejectsBadArguments(t *testing.T) {
	lic := &fakeLicense{}
	meter := &fakeMeter{}

	_, err := New("", lic, meter, nil, Requirements{}, ModeSignals{})
	assert.Error(t, err)
	_, err = New("x", nil, meter, nil, Requirements{}, ModeSignals{})
	assert.Error(t, err)
	_, err = New("x", lic, nil, nil, Requirements{}, ModeSignals{})
	assert.Error(t, err)
	_, err = New("x", lic, meter, nil, Requirements{BaseWorkUnits: -1}, ModeSignals{})
	assert.Error(t, err)

	g, err := New("x", lic, meter, nil, Requirements{RequiredFeatures: []string{"a"}}, ModeSignals{})
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, g.Requirements().MinimumTier)
	g.Requirements().RequiredFeatures[0] = "mutated"
	assert.Equal(t, "a", g.Requirements().RequiredFeatures[0])
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry(t *testing.T) {
	lic := &fakeLicense{}
	lic.set(domain.TierFree)
	sink := &recordingSink{}
	logger, _ := testutil.NewTestLogger(t)

	r := NewRegistry()
	docking, err := New("docking", lic, &fakeMeter{}, sink, Requirements{MinimumTier: domain.TierProfessional}, dockingSignals, WithLogger(logger))
	require.NoError(t, err)
	reports, err := New("reports", lic, &fakeMeter{}, sink, Requirements{}, ModeSignals{
		Licensed: []Signal{{Name: "reports.enabled", Value: true}},
	}, WithLogger(logger))
	require.NoError(t, err)

	require.NoError(t, r.Register(docking))
	require.NoError(t, r.Register(reports))
	assert.Error(t, r.Register(docking))
	assert.Error(t, r.Register(nil))
	assert.Equal(t, 2, r.Count())

	got, ok := r.Get("reports")
	require.True(t, ok)
	assert.Same(t, reports, got)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	ctx := context.Background()
	r.EmitAll(ctx)
	assert.Equal(t, []string{"docking.enabled", "reports.enabled"}, sink.names())

	lic.set(domain.TierProfessional)
	assert.False(t, docking.IsLicensed())
	r.ResetAll()
	assert.True(t, docking.IsLicensed())
}

// =============================================================================
// Against the real manager and meter
// =============================================================================

func TestGateWithManagerAndMeter(t *testing.T) {
	clock := quartz.NewMock(t)
	fixtures := testutil.NewLicenseFixtures(t)
	path := fixtures.WriteSigned("license.json",
		fixtures.Document("LIC-GATE", domain.TierProfessional, clock.Now().Add(90*24*time.Hour)))

	logger, _ := testutil.NewTestLogger(t)
	mgr, err := license.NewManager(license.Options{
		Source:    license.Source{FilePath: path},
		PublicKey: fixtures.Keys.PublicKey,
		Clock:     clock,
		Logger:    logger,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.Equal(t, domain.StateValid, mgr.ValidateLicense(ctx).State)

	meter, err := metering.New(metering.Options{
		Config: metering.DefaultConfig(),
		Limits: mgr,
		Clock:  clock,
		Logger: logger,
	})
	require.NoError(t, err)
	defer meter.Close()

	g, err := New("analytics", mgr, meter, nil, Requirements{
		MinimumTier:          domain.TierProfessional,
		RequiredFeatures:     []string{"analytics.reports"},
		BaseWorkUnits:        100,
		WorkUnitsPerKilobyte: 1,
	}, ModeSignals{}, WithLogger(logger))
	require.NoError(t, err)

	require.NoError(t, g.ValidateLicense())
	assert.True(t, g.CanPerformOperation(ctx, 900*1024))
	g.RecordWorkUnits(ctx, 900*1024)
	assert.Equal(t, 1000.0, meter.CurrentWorkUnits())
	assert.False(t, g.CanPerformOperation(ctx, 0))
	assert.Equal(t, 1000.0, meter.Snapshot().ByCategory["analytics"])

	clock.Advance(91 * 24 * time.Hour)
	mgr.ValidateLicense(ctx)
	g.ResetLicenseCache()
	var lre *LicenseRequiredError
	assert.ErrorAs(t, g.ValidateLicense(), &lre)
}
