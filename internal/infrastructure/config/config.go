package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic Lutron bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Lutron   LutronConfig   `yaml:"lutron"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	// Used in the MQTT client ID and health reporting.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	HealthInterval int `yaml:"health_interval"`

	// DevicesFile is the path to the device map YAML (integration IDs).
	DevicesFile string `yaml:"devices_file"`
}

// LutronConfig contains controller connection settings.
type LutronConfig struct {
	// Host is the controller address (IP or hostname). Required.
	Host string `yaml:"host"`

	// Port is the integration protocol TCP port. Default: 23.
	Port int `yaml:"port"`

	// Username and Password are the integration credentials.
	// Factory defaults are "lutron" / "integration".
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ConnectTimeout bounds the TCP dial (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// LoginTimeout bounds the complete login handshake (seconds).
	LoginTimeout int `yaml:"login_timeout"`

	// ReadTimeout is the deadline for a single line read (seconds).
	ReadTimeout int `yaml:"read_timeout"`

	// KeepaliveInterval is how often the liveness probe is sent (seconds).
	KeepaliveInterval int `yaml:"keepalive_interval"`

	// LivenessTimeout is how long the session may stay silent before a
	// reconnect is forced (seconds). Must exceed the keepalive interval.
	LivenessTimeout int `yaml:"liveness_timeout"`

	// Reconnect contains reconnection backoff settings.
	Reconnect LutronReconnectConfig `yaml:"reconnect"`
}

// LutronReconnectConfig contains reconnection backoff settings.
type LutronReconnectConfig struct {
	// BaseDelay is the first reconnection delay (seconds).
	BaseDelay int `yaml:"base_delay"`

	// MaxDelay caps the exponential backoff (seconds).
	MaxDelay int `yaml:"max_delay"`

	// StabilityWindow is how long a connection must survive before the
	// backoff resets to BaseDelay (seconds).
	StabilityWindow int `yaml:"stability_window"`
}

// String returns a representation with the password masked.
// Use this for logging to prevent credential exposure.
func (l LutronConfig) String() string {
	password := ""
	if l.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("LutronConfig{Host:%q, Port:%d, Username:%q, Password:%s}",
		l.Host, l.Port, l.Username, password)
}

// MarshalJSON implements json.Marshaler to redact the password in JSON output.
func (l LutronConfig) MarshalJSON() ([]byte, error) {
	type redacted LutronConfig
	safe := redacted(l)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
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
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
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
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLUTRON_SECTION_KEY
// For example: GRAYLUTRON_LUTRON_HOST, GRAYLUTRON_MQTT_HOST
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
		Bridge: BridgeConfig{
			ID:             "lutron-bridge-01",
			HealthInterval: 30,
			DevicesFile:    "configs/devices.yaml",
		},
		Lutron: LutronConfig{
			Port:              23,
			Username:          "lutron",
			Password:          "integration",
			ConnectTimeout:    10,
			LoginTimeout:      10,
			ReadTimeout:       10,
			KeepaliveInterval: 60,
			LivenessTimeout:   90,
			Reconnect: LutronReconnectConfig{
				BaseDelay:       5,
				MaxDelay:        120,
				StabilityWindow: 60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylutron-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/graylutron.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLUTRON_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("GRAYLUTRON_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	// Lutron controller
	if v := os.Getenv("GRAYLUTRON_LUTRON_HOST"); v != "" {
		cfg.Lutron.Host = v
	}
	if v := os.Getenv("GRAYLUTRON_LUTRON_USERNAME"); v != "" {
		cfg.Lutron.Username = v
	}
	if v := os.Getenv("GRAYLUTRON_LUTRON_PASSWORD"); v != "" {
		cfg.Lutron.Password = v
	}

	// MQTT
	if v := os.Getenv("GRAYLUTRON_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLUTRON_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLUTRON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("GRAYLUTRON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLUTRON_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateLutron()...)
	errs = append(errs, c.validateMQTT()...)
	errs = append(errs, c.validateDatabase()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateBridge validates bridge settings.
func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	return errs
}

// validateLutron validates controller connection settings.
func (c *Config) validateLutron() []string {
	var errs []string
	if c.Lutron.Host == "" {
		errs = append(errs, "lutron.host is required")
	}
	if c.Lutron.Port < 1 || c.Lutron.Port > 65535 {
		errs = append(errs, "lutron.port must be between 1 and 65535")
	}
	if c.Lutron.KeepaliveInterval < 1 {
		errs = append(errs, "lutron.keepalive_interval must be at least 1 second")
	}
	if c.Lutron.LivenessTimeout <= c.Lutron.KeepaliveInterval {
		errs = append(errs, "lutron.liveness_timeout must exceed lutron.keepalive_interval")
	}
	if c.Lutron.Reconnect.BaseDelay < 1 {
		errs = append(errs, "lutron.reconnect.base_delay must be at least 1 second")
	}
	if c.Lutron.Reconnect.MaxDelay < c.Lutron.Reconnect.BaseDelay {
		errs = append(errs, "lutron.reconnect.max_delay must be at least base_delay")
	}
	return errs
}

// validateMQTT validates MQTT broker settings.
func (c *Config) validateMQTT() []string {
	var errs []string
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	return errs
}

// validateDatabase validates database settings.
func (c *Config) validateDatabase() []string {
	var errs []string
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	return errs
}

// validateLogging validates logging settings.
func (c *Config) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetMQTTClientID returns the MQTT client ID, defaulting to bridge ID if not set.
func (c *Config) GetMQTTClientID() string {
	if c.MQTT.Broker.ClientID != "" {
		return c.MQTT.Broker.ClientID
	}
	return c.Bridge.ID + "-mqtt"
}
