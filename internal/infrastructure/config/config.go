package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Diskovery bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Serial    SerialConfig    `yaml:"serial"`
	Diskovery DiskoveryConfig `yaml:"diskovery"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SerialConfig describes the link to the Diskovery controller.
type SerialConfig struct {
	// Port is the OS device name, e.g. "/dev/ttyUSB0" or "COM3".
	Port string `yaml:"port"`

	// BaudRate defaults to 115200, the only rate the controller speaks.
	BaudRate int `yaml:"baud_rate"`

	// Simulate replaces the serial port with an in-memory controller.
	// Useful for bench testing the bridge without hardware.
	Simulate bool `yaml:"simulate"`
}

// DiskoveryConfig contains protocol timing and device variant settings.
type DiskoveryConfig struct {
	// HubID identifies this controller in MQTT topics and telemetry.
	HubID string `yaml:"hub_id"`

	// DetectionTimeout bounds each read while probing for the controller.
	// Default: 100ms
	DetectionTimeout time.Duration `yaml:"detection_timeout"`

	// AnswerTimeout bounds a full command transaction once the controller
	// is known to be present.
	// Default: 6s
	AnswerTimeout time.Duration `yaml:"answer_timeout"`

	// PollInterval is the listener's read timeout per iteration. It is also
	// the longest a command waits for the listener to release the link.
	// Default: 100ms
	PollInterval time.Duration `yaml:"poll_interval"`

	// HeartbeatTimeout marks the controller offline when no traffic at all
	// arrives for this long. Zero disables the check.
	// Default: 10s
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// MaxBusyRetries caps the number of STATUS=1 lines skipped while
	// waiting for a single answer.
	// Default: 50
	MaxBusyRetries int `yaml:"max_busy_retries"`

	// IlluminationSizes is the number of illumination size presets fitted
	// to this module variant.
	// Default: 4
	IlluminationSizes int `yaml:"illumination_sizes"`

	// HeartbeatTokens are the bare lines (no '=') the controller emits as
	// keep-alives.
	// Default: ["HEARTBEAT"]
	HeartbeatTokens []string `yaml:"heartbeat_tokens"`

	// HealthInterval is how often bridge health is published over MQTT.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays prunes state history older than this. Zero keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is "stdout", "stderr" or "file" (uses FilePath).
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
//
// An empty secret leaves the API read-write without authentication, which
// is the usual bench setup. Production deployments set GRAYLOGIC_JWT_SECRET.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_SERIAL_PORT, GRAYLOGIC_API_PORT
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
			Name: "Microscopy Lab",
		},
		Serial: SerialConfig{
			Port:     "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		Diskovery: DiskoveryConfig{
			HubID:             "diskovery-1",
			DetectionTimeout:  100 * time.Millisecond,
			AnswerTimeout:     6 * time.Second,
			PollInterval:      100 * time.Millisecond,
			HeartbeatTimeout:  10 * time.Second,
			MaxBusyRetries:    50,
			IlluminationSizes: 4,
			HeartbeatTokens:   []string{"HEARTBEAT"},
			HealthInterval:    30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:                 "./data/diskovery.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-diskovery",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("GRAYLOGIC_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("GRAYLOGIC_SERIAL_SIMULATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Serial.Simulate = b
		}
	}

	// Diskovery
	if v := os.Getenv("GRAYLOGIC_DISKOVERY_HUB_ID"); v != "" {
		cfg.Diskovery.HubID = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Serial validation
	if !c.Serial.Simulate && c.Serial.Port == "" {
		errs = append(errs, "serial.port is required unless serial.simulate is set")
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, "serial.baud_rate must be positive")
	}

	// Diskovery validation
	d := c.Diskovery
	if d.HubID == "" {
		errs = append(errs, "diskovery.hub_id is required")
	}
	if d.DetectionTimeout <= 0 {
		errs = append(errs, "diskovery.detection_timeout must be positive")
	}
	if d.AnswerTimeout <= 0 {
		errs = append(errs, "diskovery.answer_timeout must be positive")
	}
	if d.PollInterval <= 0 {
		errs = append(errs, "diskovery.poll_interval must be positive")
	} else if d.AnswerTimeout > 0 && d.PollInterval >= d.AnswerTimeout {
		errs = append(errs, "diskovery.poll_interval must be shorter than diskovery.answer_timeout")
	}
	if d.HeartbeatTimeout < 0 {
		errs = append(errs, "diskovery.heartbeat_timeout must not be negative")
	}
	if d.MaxBusyRetries < 1 {
		errs = append(errs, "diskovery.max_busy_retries must be at least 1")
	}
	if d.IlluminationSizes < 1 || d.IlluminationSizes > 9 {
		errs = append(errs, "diskovery.illumination_sizes must be between 1 and 9")
	}
	for _, tok := range d.HeartbeatTokens {
		if tok == "" || strings.Contains(tok, "=") {
			errs = append(errs, fmt.Sprintf("diskovery.heartbeat_tokens: invalid token %q", tok))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when logging.output is file")
	}

	// A short secret makes forged tokens practical, so refuse it outright.
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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
