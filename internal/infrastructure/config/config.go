package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Device API defaults. The SmartIP control API listens on port 9000 and ships
// with admin/admin credentials.
const (
	DefaultDevicePort     = 9000
	DefaultDeviceScheme   = "http"
	DefaultDeviceUsername = "admin"
	DefaultDevicePassword = "admin"
	DefaultVolumeMinDB    = -130.0
	DefaultVolumeMaxDB    = 0.0
)

// Config is the root configuration structure for SmartIP Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
	Polling   PollingConfig   `yaml:"polling"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention bounds the snapshot history table. Zero keeps
	// everything.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains settings for the shared snapshot cache.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// TracingConfig contains OpenTelemetry trace export settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PollingConfig holds the per-device defaults for telemetry polling and the
// reachability state machine. Individual devices may override the interval.
type PollingConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OfflineBackoff   bool          `yaml:"offline_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// DeviceConfig describes one loudspeaker's control endpoint.
type DeviceConfig struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	Scheme       string        `yaml:"scheme"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Token        string        `yaml:"token"`
	APIVersion   string        `yaml:"api_version"`
	PollInterval time.Duration `yaml:"poll_interval"`
	VolumeMinDB  *float64      `yaml:"volume_min_db"`
	VolumeMaxDB  *float64      `yaml:"volume_max_db"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT bearer token settings for the REST API.
// When Enabled is false the API accepts unauthenticated requests.
type JWTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//  4. Per-device defaults filled from the device API defaults
//
// Environment variables follow the pattern: SMARTIP_SECTION_KEY
// For example: SMARTIP_DATABASE_PATH, SMARTIP_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "SmartIP",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/smartip.db",
			WALMode:     true,
			BusyTimeout: 5,

			HistoryRetention: 30 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "smartip-core",
			},
			QoS:         1,
			TopicPrefix: "smartip",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "smartip:snapshot:",
			TTL:       5 * time.Minute,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRatio: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Polling: PollingConfig{
			Interval:         5 * time.Second,
			RequestTimeout:   5 * time.Second,
			FailureThreshold: 3,
			OfflineBackoff:   true,
			MaxBackoff:       60 * time.Second,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "smartip-core",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SMARTIP_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SMARTIP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SMARTIP_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SMARTIP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SMARTIP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("SMARTIP_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SMARTIP_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("SMARTIP_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Redis
	if v := os.Getenv("SMARTIP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SMARTIP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Tracing
	if v := os.Getenv("SMARTIP_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}

	// Device password applies to every device that does not set its own.
	if v := os.Getenv("SMARTIP_DEVICE_PASSWORD"); v != "" {
		for i := range cfg.Devices {
			if cfg.Devices[i].Password == "" {
				cfg.Devices[i].Password = v
			}
		}
	}

	// Security - JWT secret
	if v := os.Getenv("SMARTIP_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// applyDeviceDefaults fills unset per-device fields from the device API
// defaults and the polling section.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Port == 0 {
			d.Port = DefaultDevicePort
		}
		if d.Scheme == "" {
			d.Scheme = DefaultDeviceScheme
		}
		if d.Username == "" && d.Token == "" {
			d.Username = DefaultDeviceUsername
			if d.Password == "" {
				d.Password = DefaultDevicePassword
			}
		}
		if d.PollInterval == 0 {
			d.PollInterval = c.Polling.Interval
		}
		if d.Name == "" {
			d.Name = d.ID
		}
	}
}

// Validate checks the configuration for errors and security issues.
// All problems are collected and reported together.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		errs = append(errs, "tracing.sample_ratio must be between 0 and 1")
	}

	errs = append(errs, c.Polling.validate()...)
	errs = append(errs, c.validateDevices()...)

	const minJWTSecretLength = 32
	if c.Security.JWT.Enabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when jwt is enabled (set SMARTIP_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (p PollingConfig) validate() []string {
	var errs []string
	if p.Interval <= 0 {
		errs = append(errs, "polling.interval must be positive")
	}
	if p.RequestTimeout <= 0 {
		errs = append(errs, "polling.request_timeout must be positive")
	}
	if p.FailureThreshold < 1 {
		errs = append(errs, "polling.failure_threshold must be at least 1")
	}
	if p.OfflineBackoff && p.MaxBackoff < p.Interval {
		errs = append(errs, "polling.max_backoff must not be shorter than polling.interval")
	}
	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		switch {
		case d.ID == "":
			errs = append(errs, prefix+".id is required")
		case seen[d.ID]:
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		default:
			seen[d.ID] = true
		}
		if d.Address == "" {
			errs = append(errs, prefix+".address is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			errs = append(errs, prefix+".port must be between 1 and 65535")
		}
		if d.Scheme != "http" && d.Scheme != "https" {
			errs = append(errs, prefix+".scheme must be http or https")
		}
		if d.PollInterval <= 0 {
			errs = append(errs, prefix+".poll_interval must be positive")
		}
		minDB, maxDB := d.VolumeLimits()
		if minDB >= maxDB {
			errs = append(errs, prefix+".volume_min_db must be below volume_max_db")
		}
	}
	return errs
}

// VolumeLimits returns the configured volume range, falling back to the
// conservative default of -130..0 dB.
func (d DeviceConfig) VolumeLimits() (minDB, maxDB float64) {
	minDB, maxDB = DefaultVolumeMinDB, DefaultVolumeMaxDB
	if d.VolumeMinDB != nil {
		minDB = *d.VolumeMinDB
	}
	if d.VolumeMaxDB != nil {
		maxDB = *d.VolumeMaxDB
	}
	return minDB, maxDB
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
