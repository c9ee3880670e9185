package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"licensecore/internal/config"
	"licensecore/pkg/contracts/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	if messageType == websocket.TextMessage {
		c.writes <- append([]byte(nil), data...)
	}
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, io.EOF
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)               {}
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
}

func (c *fakeConn) next(t *testing.T) events.Message {
	t.Helper()
	select {
	case data := <-c.writes:
		var msg events.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return events.Message{}
	}
}

// quietLogger discards output: client pumps may still log after a test
// returns.
func quietLogger(*testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = quartz.NewMock(t)
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger(t)
	}
	hub, err := NewHub(opts)
	require.NoError(t, err)
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub
}

func TestHubGreetsNewClient(t *testing.T) {
	hub := newTestHub(t, HubOptions{
		Greeting: func() any { return map[string]string{"state": "valid"} },
	})

	conn := newFakeConn()
	client := hub.NewClient(conn, "trace-1", Timing{})
	require.True(t, client.Serve())

	connect := conn.next(t)
	assert.Equal(t, events.Connect, connect.Type)
	assert.Equal(t, client.ID(), connect.Data.(map[string]interface{})["client_id"])
	assert.NotEmpty(t, connect.ID)

	status := conn.next(t)
	assert.Equal(t, events.SystemStatus, status.Type)
	assert.Equal(t, "valid", status.Data.(map[string]interface{})["state"])
	assert.Equal(t, "trace-1", status.TraceID)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishBroadcastsToAllClients(t *testing.T) {
	hub := newTestHub(t, HubOptions{})

	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	for _, conn := range conns {
		require.True(t, hub.NewClient(conn, "", Timing{}).Serve())
		assert.Equal(t, events.Connect, conn.next(t).Type)
	}

	hub.Publish(context.Background(), events.LicenseExpired, map[string]int{"seconds": 0})

	for _, conn := range conns {
		msg := conn.next(t)
		assert.Equal(t, events.LicenseExpired, msg.Type)
		assert.Equal(t, float64(0), msg.Data.(map[string]interface{})["seconds"])
	}
}

func TestPublishBeforeStartIsDropped(t *testing.T) {
	hub, err := NewHub(HubOptions{Clock: quartz.NewMock(t), Logger: quietLogger(t)})
	require.NoError(t, err)
	defer hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.Publish(context.Background(), events.LicenseValid, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a hub that was never started")
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	hub := newTestHub(t, HubOptions{SendBuffer: 1, Meter: provider.Meter("test")})

	// Registered without pumps, so nothing drains its queue.
	client := hub.NewClient(newFakeConn(), "", Timing{})
	require.True(t, hub.Register(client))

	// The connect greeting fills the queue; the broadcast overflows it.
	hub.Publish(context.Background(), events.WorkUnitThreshold, 80)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	<-client.send
	_, open := <-client.send
	assert.False(t, open, "send queue should be closed")

	assert.Eventually(t, func() bool {
		return sumInt(t, reader, "websocket_slow_clients_total", nil) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), sumInt(t, reader, "websocket_connections_total", nil))
}

func TestStopDisconnectsClients(t *testing.T) {
	hub, err := NewHub(HubOptions{Clock: quartz.NewMock(t), Logger: quietLogger(t)})
	require.NoError(t, err)
	hub.Start()

	conn := newFakeConn()
	require.True(t, hub.NewClient(conn, "", Timing{}).Serve())
	conn.next(t)

	hub.Stop()
	hub.Stop()

	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after Stop")
	}

	late := newFakeConn()
	assert.False(t, hub.NewClient(late, "", Timing{}).Serve())
	hub.Publish(context.Background(), events.LicenseValid, nil)
}

func TestPublishRecordsMessageType(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	hub := newTestHub(t, HubOptions{Meter: provider.Meter("test")})

	hub.Publish(context.Background(), events.CoordinatorHeartbeat, nil)
	hub.Publish(context.Background(), events.CoordinatorHeartbeat, nil)

	assert.Eventually(t, func() bool {
		return sumInt(t, reader, "websocket_messages_total",
			[]attribute.KeyValue{attribute.String("type", events.CoordinatorHeartbeat)}) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHandlerUpgradesAndGreets(t *testing.T) {
	hub := newTestHub(t, HubOptions{Clock: quartz.NewReal()})
	srv := httptest.NewServer(NewHandler(hub, config.WebSocketConfig{}, quietLogger(t)))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg events.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.Connect, msg.Type)

	hub.Publish(context.Background(), events.LicenseStateChanged, map[string]string{"new": "expired"})
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.LicenseStateChanged, msg.Type)

	hub.Stop()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	srv := httptest.NewServer(NewHandler(hub, config.WebSocketConfig{}, quietLogger(t)))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, hub.ClientCount())
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "api.local", true},
		{"same host", nil, "http://api.local", "api.local", true},
		{"other host", nil, "http://other.local", "api.local", false},
		{"listed", []string{"https://console.example"}, "https://console.example", "api.local", true},
		{"not listed", []string{"https://console.example"}, "https://other.example", "api.local", false},
		{"wildcard", []string{"*"}, "https://anything.example", "api.local", true},
		{"unparseable", nil, "://bad", "api.local", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func TestTimingDefaults(t *testing.T) {
	got := Timing{PongWait: 10 * time.Second, PingPeriod: 20 * time.Second}.withDefaults()
	assert.Equal(t, 9*time.Second, got.PingPeriod)
	assert.Equal(t, DefaultTiming().WriteWait, got.WriteWait)
	assert.Equal(t, DefaultTiming().MaxMessageSize, got.MaxMessageSize)
}

func sumInt(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs []attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	want := attribute.NewSet(attrs...)
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if len(attrs) == 0 || dp.Attributes.Equals(&want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}
