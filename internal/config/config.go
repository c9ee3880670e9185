package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"licensecore/pkg/contracts/domain"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	FreeTier  FreeTierConfig  `yaml:"free_tier" envconfig:"FREE_TIER"`
	Metering  MeteringConfig  `yaml:"metering" envconfig:"METERING"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" envconfig:"HEARTBEAT"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled         bool            `yaml:"enabled" envconfig:"ENABLED"`
	Port            int             `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=stdout stderr file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// LicenseConfig describes where the license comes from and how it is checked.
type LicenseConfig struct {
	File             string        `yaml:"file" envconfig:"FILE"`
	Inline           string        `yaml:"inline" envconfig:"INLINE"`
	PublicKey        string        `yaml:"public_key" envconfig:"PUBLIC_KEY" validate:"omitempty,base64"`
	// RequireSignature rejects unsigned tokens once PublicKey is set. On by
	// default; set it false to accept unsigned licenses alongside signed ones.
	RequireSignature bool          `yaml:"require_signature" envconfig:"REQUIRE_SIGNATURE"`
	GracePeriod      time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" validate:"gte=0"`
	OverridesFile    string        `yaml:"overrides_file" envconfig:"OVERRIDES_FILE"`
}

// HasSource reports whether a file or inline license is configured.
func (l LicenseConfig) HasSource() bool {
	return l.File != "" || l.Inline != ""
}

// FreeTierConfig holds the limits applied when no valid license is loaded.
type FreeTierConfig struct {
	MaxSlots              int      `yaml:"max_slots" envconfig:"MAX_SLOTS" validate:"gte=0"`
	MaxWorkUnitsPerMinute int64    `yaml:"max_work_units_per_minute" envconfig:"MAX_WORK_UNITS_PER_MINUTE" validate:"gte=0"`
	MaxNodes              int      `yaml:"max_nodes" envconfig:"MAX_NODES" validate:"gte=0"`
	Features              []string `yaml:"features" envconfig:"FEATURES"`
}

// Defaults converts the section into the manager's fallback limits.
func (f FreeTierConfig) Defaults() domain.FreeTierDefaults {
	return domain.FreeTierDefaults{
		Limits: domain.Limits{
			MaxSlots:              f.MaxSlots,
			MaxWorkUnitsPerMinute: f.MaxWorkUnitsPerMinute,
			MaxNodes:              f.MaxNodes,
		},
		Features: append([]string(nil), f.Features...),
	}
}

// MeteringConfig shapes the sliding work unit window.
type MeteringConfig struct {
	Window        time.Duration `yaml:"window" envconfig:"WINDOW" validate:"gt=0"`
	Buckets       int           `yaml:"buckets" envconfig:"BUCKETS" validate:"min=1,max=3600"`
	Thresholds    []float64     `yaml:"thresholds" envconfig:"THRESHOLDS" validate:"dive,gt=0"`
	ThrottleStart float64       `yaml:"throttle_start" envconfig:"THROTTLE_START" validate:"gte=0"`
	ThrottleEnd   float64       `yaml:"throttle_end" envconfig:"THROTTLE_END" validate:"gt=0"`
}

// AuthConfig configures signed peer requests.
type AuthConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	LicenseID       string        `yaml:"license_id" envconfig:"LICENSE_ID"`
	PrivateKey      string        `yaml:"private_key" envconfig:"PRIVATE_KEY" validate:"omitempty,base64"`
	PublicKey       string        `yaml:"public_key" envconfig:"PUBLIC_KEY" validate:"omitempty,base64"`
	Tolerance       time.Duration `yaml:"tolerance" envconfig:"TOLERANCE" validate:"gt=0"`
	AuthHeader      string        `yaml:"auth_header" envconfig:"AUTH_HEADER" validate:"required"`
	TimestampHeader string        `yaml:"timestamp_header" envconfig:"TIMESTAMP_HEADER" validate:"required"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES" validate:"gt=0"`
	FailureRPS      float64       `yaml:"failure_rps" envconfig:"FAILURE_RPS" validate:"gte=0"`
	FailureBurst    int           `yaml:"failure_burst" envconfig:"FAILURE_BURST" validate:"gte=0"`
}

// HeartbeatConfig controls the coordinator tick.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL" validate:"gt=0"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	SendBuffer      int           `yaml:"send_buffer" envconfig:"SEND_BUFFER" validate:"gte=0"`
}

// TelemetryConfig mirrors the OpenTelemetry provider options.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

var configValidator = validator.New()

// Load builds the configuration from defaults, an optional YAML file and the
// environment. An empty path falls back to LICENSECORE_CONFIG and then to the
// well-known locations.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadOverrides reads the operator override file. A missing path yields nil
// overrides and no error.
func LoadOverrides(path string) (*domain.Overrides, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file %s: %w", path, err)
	}

	var overrides domain.Overrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse overrides file %s: %w", path, err)
	}
	return &overrides, nil
}

// Validate checks tags and cross-field rules
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		if c.Logging.FilePath == "" {
			return errors.New("logging file_path is required for file output")
		}
	}

	if c.Metering.Window < time.Duration(c.Metering.Buckets) {
		return fmt.Errorf("metering window %s is too short for %d buckets", c.Metering.Window, c.Metering.Buckets)
	}
	for i := 1; i < len(c.Metering.Thresholds); i++ {
		if c.Metering.Thresholds[i] <= c.Metering.Thresholds[i-1] {
			return fmt.Errorf("metering thresholds must be strictly ascending: %v", c.Metering.Thresholds)
		}
	}
	if c.Metering.ThrottleStart >= c.Metering.ThrottleEnd {
		return fmt.Errorf("throttle_start (%.1f) must be below throttle_end (%.1f)",
			c.Metering.ThrottleStart, c.Metering.ThrottleEnd)
	}

	if c.Auth.Enabled && c.Auth.PublicKey == "" && c.License.PublicKey == "" {
		return errors.New("auth requires a public key (auth.public_key or license.public_key)")
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			ReadTimeout:     DefaultHTTPTimeout,
			WriteTimeout:    DefaultHTTPTimeout,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    DefaultLogLevel,
			Output:   DefaultLogOutput,
			FilePath: "logs/licensecore.log",
		},
		License: LicenseConfig{
			RequireSignature: true,
			GracePeriod:      DefaultGracePeriod,
		},
		FreeTier: FreeTierConfig{
			MaxSlots:              DefaultFreeTierSlots,
			MaxWorkUnitsPerMinute: DefaultFreeTierWorkUnitsPerMinute,
			MaxNodes:              DefaultFreeTierNodes,
		},
		Metering: MeteringConfig{
			Window:        DefaultMeterWindow,
			Buckets:       DefaultMeterBuckets,
			Thresholds:    append([]float64(nil), DefaultThresholds...),
			ThrottleStart: DefaultThrottleStart,
			ThrottleEnd:   DefaultThrottleEnd,
		},
		Auth: AuthConfig{
			Tolerance:       DefaultClockTolerance,
			AuthHeader:      DefaultAuthHeader,
			TimestampHeader: DefaultTimestampHeader,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			FailureRPS:      1,
			FailureBurst:    10,
		},
		Heartbeat: HeartbeatConfig{
			Interval: DefaultHeartbeatInterval,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  WebSocketReadBufferSize,
			WriteBufferSize: WebSocketWriteBufferSize,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
			SendBuffer:      WebSocketSendBuffer,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			EnableMetrics:  true,
			EnableTracing:  false,
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
