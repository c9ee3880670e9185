package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/shared/testutil"
	"licensecore/pkg/contracts"
	"licensecore/pkg/contracts/domain"
)

// MockLicenseService implements LicenseService for testing
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Status() domain.LicenseStatus {
	return m.Called().Get(0).(domain.LicenseStatus)
}

func (m *MockLicenseService) ValidateLicense(ctx context.Context) domain.ValidationResult {
	return m.Called(ctx).Get(0).(domain.ValidationResult)
}

type stubMeter struct{ snap domain.MeterSnapshot }

func (s stubMeter) Snapshot() domain.MeterSnapshot { return s.snap }

func newRouter(t *testing.T, svc LicenseService, meter MeterService, clock quartz.Clock) chi.Router {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	errs := apierrors.NewErrorHandler(logger, false)

	r := chi.NewRouter()
	health := NewHealthHandler(svc, clock, logger)
	r.Get("/healthz", health.HealthCheck)
	r.Get("/api/version", health.Version)
	r.Mount("/api/license", NewLicenseHandler(svc, errs, logger).Routes())
	r.Get("/api/workunits", NewWorkUnitHandler(meter, logger).GetSnapshot)
	return r
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// =============================================================================
// License endpoints
// =============================================================================

func TestGetLicenseStatus(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("Status").Return(domain.LicenseStatus{
		State:    domain.StateValid,
		Tier:     domain.TierProfessional,
		Features: []string{"docking"},
		Limits:   domain.Limits{MaxWorkUnitsPerMinute: 1000},
	})

	rec := serve(newRouter(t, svc, stubMeter{}, quartz.NewMock(t)), http.MethodGet, "/api/license/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status domain.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, domain.StateValid, status.State)
	assert.Equal(t, domain.TierProfessional, status.Tier)
	assert.Equal(t, []string{"docking"}, status.Features)
	assert.Equal(t, int64(1000), status.Limits.MaxWorkUnitsPerMinute)
	svc.AssertExpectations(t)
}

func TestValidateLicense(t *testing.T) {
	checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := new(MockLicenseService)
	svc.On("ValidateLicense", mock.Anything).Return(domain.ValidationResult{
		State:     domain.StateExpired,
		Reason:    "license expired",
		Tier:      domain.TierFree,
		CheckedAt: checked,
	}).Once()
	svc.On("Status").Return(domain.LicenseStatus{State: domain.StateExpired, Tier: domain.TierFree})

	rec := serve(newRouter(t, svc, stubMeter{}, quartz.NewMock(t)), http.MethodPost, "/api/license/validate")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ValidationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.StateExpired, resp.Result.State)
	assert.Equal(t, "license expired", resp.Result.Reason)
	assert.True(t, checked.Equal(resp.Result.CheckedAt))
	assert.Equal(t, domain.StateExpired, resp.Status.State)
	svc.AssertExpectations(t)
}

func TestValidateRejectsGet(t *testing.T) {
	svc := new(MockLicenseService)
	rec := serve(newRouter(t, svc, stubMeter{}, quartz.NewMock(t)), http.MethodGet, "/api/license/validate")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	svc.AssertNotCalled(t, "ValidateLicense", mock.Anything)
}

// =============================================================================
// Work units and health
// =============================================================================

func TestGetWorkUnits(t *testing.T) {
	meter := stubMeter{snap: domain.MeterSnapshot{
		Current:        90,
		Max:            100,
		Percent:        90,
		ThrottleFactor: 0.5,
		ByCategory:     map[string]float64{"docking": 90},
	}}

	rec := serve(newRouter(t, new(MockLicenseService), meter, quartz.NewMock(t)), http.MethodGet, "/api/workunits")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap domain.MeterSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 90.0, snap.Current)
	assert.Equal(t, int64(100), snap.Max)
	assert.InDelta(t, 0.5, snap.ThrottleFactor, 1e-9)
	assert.Equal(t, 90.0, snap.ByCategory["docking"])
}

func TestHealthCheckInFreeTier(t *testing.T) {
	clock := quartz.NewMock(t)
	svc := new(MockLicenseService)
	svc.On("Status").Return(domain.LicenseStatus{State: domain.StateFreeTier, Tier: domain.TierFree})

	r := newRouter(t, svc, stubMeter{}, clock)
	clock.Advance(90 * time.Second)

	rec := serve(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, domain.StateFreeTier, body.LicenseState)
	assert.Equal(t, domain.TierFree, body.Tier)
	assert.Equal(t, "1m30s", body.Uptime)
	assert.Equal(t, contracts.Version, body.Version)
}

func TestVersion(t *testing.T) {
	rec := serve(newRouter(t, new(MockLicenseService), stubMeter{}, quartz.NewMock(t)), http.MethodGet, "/api/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var info contracts.VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, contracts.Version, info.Version)
	assert.Equal(t, contracts.APIVersion, info.APIVersion)
}
