package config

import "time"

// Application constants
const (
	AppName    = "licensecore"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable, e.g. LICENSECORE_SERVER_PORT.
	EnvPrefix = "LICENSECORE"

	// ConfigFileEnv points Load at an explicit YAML file.
	ConfigFileEnv = "LICENSECORE_CONFIG"

	// License defaults
	DefaultGracePeriod = 14 * 24 * time.Hour

	// Free tier defaults apply whenever no valid license is loaded
	DefaultFreeTierSlots              = 1
	DefaultFreeTierWorkUnitsPerMinute = 100
	DefaultFreeTierNodes              = 1

	// Metering defaults
	DefaultMeterWindow   = time.Minute
	DefaultMeterBuckets  = 60
	DefaultThrottleStart = 80.0
	DefaultThrottleEnd   = 100.0

	// Request authentication defaults
	DefaultAuthHeader      = "Authorization"
	DefaultTimestampHeader = "X-Timestamp"
	DefaultClockTolerance  = 5 * time.Minute
	DefaultMaxBodyBytes    = 1 << 20

	// Heartbeat
	DefaultHeartbeatInterval = 30 * time.Second

	// Network timeouts
	DefaultHTTPTimeout  = 15 * time.Second
	WebSocketPingPeriod = 30 * time.Second
	WebSocketPongWait   = 60 * time.Second

	// WebSocket buffer sizes
	WebSocketReadBufferSize  = 1024
	WebSocketWriteBufferSize = 1024
	WebSocketSendBuffer      = 256

	// Log settings
	DefaultLogLevel  = "info"
	DefaultLogOutput = "stdout"
)

// DefaultThresholds are the meter occupancy percentages that raise
// threshold events, in ascending order.
var DefaultThresholds = []float64{50, 80, 90, 100}
