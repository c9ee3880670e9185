package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/config"
	"licensecore/internal/security"
	"licensecore/internal/shared/testutil"
	"licensecore/pkg/contracts/domain"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Telemetry.EnableMetrics = false
	cfg.Telemetry.EnableTracing = false
	cfg.Server.RateLimit.Enabled = false
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Heartbeat.Interval = time.Hour
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, clock quartz.Clock) *Application {
	t.Helper()
	a, err := New(cfg, WithLogger(quietLogger()), WithClock(clock))
	require.NoError(t, err)
	return a
}

// startApp serves a on a loopback listener and returns its base URL and a
// stop function that waits for a clean shutdown.
func startApp(t *testing.T, a *Application) (string, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	client := noKeepAlive()
	require.Eventually(t, func() bool {
		resp, err := client.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	return base, func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("application did not shut down")
		}
	}
}

func noKeepAlive() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func getJSON(t *testing.T, client *http.Client, req *http.Request, out any) int {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestRunWithoutLicenseFallsBackToFreeTier(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Enabled = false
	a := newTestApp(t, cfg, quartz.NewMock(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	assert.Equal(t, domain.StateFreeTier, a.License.State())
	assert.Equal(t, int64(config.DefaultFreeTierWorkUnitsPerMinute), a.Meter.MaxWorkUnits())
	assert.NoError(t, a.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestApplicationServesLicenseStatus(t *testing.T) {
	clock := quartz.NewMock(t)
	fixtures := testutil.NewLicenseFixtures(t)

	cfg := testConfig()
	cfg.License.File = fixtures.WriteSigned("license.json",
		fixtures.Document("LIC-APP", domain.TierEnterprise, clock.Now().Add(90*24*time.Hour)))
	cfg.License.PublicKey = fixtures.Keys.PublicKey

	a := newTestApp(t, cfg, clock)
	base, stop := startApp(t, a)
	defer stop()

	client := noKeepAlive()

	var status domain.LicenseStatus
	req, _ := http.NewRequest(http.MethodGet, base+"/api/license/status", nil)
	require.Equal(t, http.StatusOK, getJSON(t, client, req, &status))
	assert.Equal(t, domain.StateValid, status.State)
	assert.Equal(t, domain.TierEnterprise, status.Tier)
	assert.Equal(t, "LIC-APP", status.LicenseID)

	var snap domain.MeterSnapshot
	req, _ = http.NewRequest(http.MethodGet, base+"/api/workunits", nil)
	require.Equal(t, http.StatusOK, getJSON(t, client, req, &snap))
	assert.Equal(t, int64(1000), snap.Max)

	req, _ = http.NewRequest(http.MethodGet, base+"/api/missing", nil)
	assert.Equal(t, http.StatusNotFound, getJSON(t, client, req, nil))
}

func TestPeerStatusRequiresSignedRequest(t *testing.T) {
	clock := quartz.NewMock(t)
	keys, err := security.GenerateKeyPair()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.LicenseID = "LIC-PEER"
	cfg.Auth.PublicKey = keys.PublicKey

	a := newTestApp(t, cfg, clock)
	require.NotNil(t, a.Authenticator)
	_, registered := a.Gates.Get(PeerStatusCapability)
	require.True(t, registered)

	base, stop := startApp(t, a)
	defer stop()

	signer, err := security.NewRequestAuthenticator(security.AuthenticatorConfig{
		LicenseID:  "LIC-PEER",
		PrivateKey: keys.PrivateKey,
		Tolerance:  time.Minute,
		Clock:      clock,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	client := noKeepAlive()

	req, _ := http.NewRequest(http.MethodGet, base+"/api/peer/status", nil)
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, client, req, nil))

	headers, err := signer.SignRequest(http.MethodGet, "/api/peer/status", "")
	require.NoError(t, err)
	req, _ = http.NewRequest(http.MethodGet, base+"/api/peer/status", nil)
	req.Header.Set(cfg.Auth.AuthHeader, headers.Authorization)
	req.Header.Set(cfg.Auth.TimestampHeader, headers.TimestampValue())

	var snap domain.StatusSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, client, req, &snap))
	assert.Equal(t, domain.StateFreeTier, snap.License.State)
	assert.Equal(t, a.Node, snap.Node)
	assert.NotEmpty(t, snap.Node.ID)

	assert.Eventually(t, func() bool {
		return a.Meter.Snapshot().ByCategory[PeerStatusCapability] == 1
	}, time.Second, 10*time.Millisecond, fmt.Sprintf("peer status charges one work unit, got %v", a.Meter.Snapshot().ByCategory))
}
