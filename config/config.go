package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigParse is returned when the settings file is malformed or invalid.
// Load still returns a usable default configuration alongside it.
var ErrConfigParse = errors.New("config parse error")

// Config is the root configuration structure
type Config struct {
	Settings `yaml:",inline"`

	App        AppConfig        `json:"app" yaml:"app"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	Forwarder  ForwarderConfig  `json:"forwarder" yaml:"forwarder"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name       string `json:"name" yaml:"name"`
	InstanceID string `json:"instance_id" yaml:"instance_id"`
}

// DetectionConfig controls how often and how the device set is reconciled
type DetectionConfig struct {
	PollIntervalMs int    `json:"poll_interval_ms" yaml:"poll_interval_ms"` // 0 disables polling
	SettleDelayMs  int    `json:"settle_delay_ms" yaml:"settle_delay_ms"`   // Wait after attach before opening
	ReadTimeoutMs  int    `json:"read_timeout_ms" yaml:"read_timeout_ms"`   // Bound on each blocking read
	HotplugDir     string `json:"hotplug_dir" yaml:"hotplug_dir"`           // Empty disables hotplug watching
}

// NATSConfig contains NATS connection settings
type NATSConfig struct {
	URL               string `json:"url" yaml:"url"`                                 // Empty disables publishing
	SubjectPrefix     string `json:"subject_prefix" yaml:"subject_prefix"`           // Prefix for subjects (e.g., "loopback")
	MaxReconnects     int    `json:"max_reconnects" yaml:"max_reconnects"`           // Max reconnection attempts
	ReconnectWaitSec  int    `json:"reconnect_wait_sec" yaml:"reconnect_wait_sec"`   // Wait between reconnects
	HealthIntervalSec int    `json:"health_interval_sec" yaml:"health_interval_sec"` // Heartbeat period
}

// LoggingConfig contains logging and log rotation settings
type LoggingConfig struct {
	BasePath   string `json:"base_path" yaml:"base_path"`     // Empty logs to stdout
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"` // Max size before rotation
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // Max number of old log files
	Compress   bool   `json:"compress" yaml:"compress"`       // Compress rotated logs
	Level      string `json:"level" yaml:"level"`             // Log level: debug, info, warn, error
}

// MonitoringConfig contains HTTP control server settings
type MonitoringConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"` // 0 disables the server
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// ForwarderConfig relays lifecycle events to a remote NATS server
type ForwarderConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	RemoteURL     string `json:"remote_url" yaml:"remote_url"`
	RemoteSubject string `json:"remote_subject" yaml:"remote_subject"`
	RemoteCreds   string `json:"remote_creds" yaml:"remote_creds"`
}

// Default returns the configuration used when no settings file exists.
func Default() *Config {
	cfg := &Config{
		Settings: DefaultSettings(),
		Detection: DetectionConfig{
			PollIntervalMs: 2000,
			SettleDelayMs:  3000,
			ReadTimeoutMs:  500,
			HotplugDir:     "/dev",
		},
		NATS: NATSConfig{
			SubjectPrefix:     "loopback",
			MaxReconnects:     -1,
			ReconnectWaitSec:  5,
			HealthIntervalSec: 60,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			Level:      "info",
		},
		Monitoring: MonitoringConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
	cfg.setDefaults()
	return cfg
}

// Load reads and parses the settings file. A missing file is not an error:
// the defaults are returned. A malformed or invalid file yields the defaults
// together with an error wrapping ErrConfigParse.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("%w: failed to read config file: %w", ErrConfigParse, err)
	}

	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return Default(), fmt.Errorf("%w: failed to parse config: %w", ErrConfigParse, err)
	}

	// Set defaults
	cfg.setDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return Default(), fmt.Errorf("%w: invalid configuration: %w", ErrConfigParse, err)
	}

	return cfg, nil
}

// Save writes the configuration to path, replacing the file atomically.
// The format follows the file extension, as in Load.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// setDefaults fills in default values for fields that must not be empty
func (c *Config) setDefaults() {
	// App defaults
	if c.App.Name == "" {
		c.App.Name = "USBLoopback"
	}
	if c.App.InstanceID == "" {
		// subject token: keep the short host name only
		if host, err := os.Hostname(); err == nil && host != "" {
			short, _, _ := strings.Cut(host, ".")
			c.App.InstanceID = strings.ReplaceAll(short, " ", "-")
		} else {
			c.App.InstanceID = "default"
		}
	}

	c.Settings = c.Settings.Normalize()

	// Detection defaults
	if c.Detection.ReadTimeoutMs == 0 {
		c.Detection.ReadTimeoutMs = 500
	}

	// NATS defaults
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "loopback"
	}
	if c.NATS.ReconnectWaitSec == 0 {
		c.NATS.ReconnectWaitSec = 5
	}
	if c.NATS.HealthIntervalSec == 0 {
		c.NATS.HealthIntervalSec = 60
	}

	// Logging defaults
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Forwarder.RemoteSubject == "" {
		c.Forwarder.RemoteSubject = c.NATS.SubjectPrefix + ".remote"
	}
}

// Helper methods for time conversions
func (d *DetectionConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

func (d *DetectionConfig) SettleDelay() time.Duration {
	return time.Duration(d.SettleDelayMs) * time.Millisecond
}

func (d *DetectionConfig) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutMs) * time.Millisecond
}

func (n *NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitSec) * time.Second
}

func (n *NATSConfig) HealthInterval() time.Duration {
	return time.Duration(n.HealthIntervalSec) * time.Second
}

// Address returns the host:port the monitoring server listens on
func (m *MonitoringConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}
