package config

import (
	"fmt"
	"os"
	"strings"
)

var (
	// Valid log levels
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
)

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateDetection(); err != nil {
		return fmt.Errorf("detection config: %w", err)
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	if err := c.validateForwarder(); err != nil {
		return fmt.Errorf("forwarder config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	if strings.ContainsAny(c.App.InstanceID, " .*>") {
		return fmt.Errorf("instance_id must be a single subject token, got: %q", c.App.InstanceID)
	}

	return nil
}

func (c *Config) validateDetection() error {
	if c.Detection.PollIntervalMs < 0 {
		return fmt.Errorf("poll_interval_ms must be non-negative, got: %d", c.Detection.PollIntervalMs)
	}

	if c.Detection.SettleDelayMs < 0 {
		return fmt.Errorf("settle_delay_ms must be non-negative, got: %d", c.Detection.SettleDelayMs)
	}

	if c.Detection.ReadTimeoutMs <= 0 || c.Detection.ReadTimeoutMs > 10000 {
		return fmt.Errorf("read_timeout_ms must be between 1 and 10000, got: %d", c.Detection.ReadTimeoutMs)
	}

	return nil
}

func (c *Config) validateNATS() error {
	// No URL means publishing is disabled
	if c.NATS.URL == "" {
		return nil
	}

	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("url must start with nats:// or tls://, got: %s", c.NATS.URL)
	}

	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}

	// -1 means unlimited reconnects (NATS client convention)
	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 (unlimited) or non-negative, got: %d", c.NATS.MaxReconnects)
	}

	if c.NATS.ReconnectWaitSec <= 0 {
		return fmt.Errorf("reconnect_wait_sec must be positive, got: %d", c.NATS.ReconnectWaitSec)
	}

	if c.NATS.HealthIntervalSec <= 0 {
		return fmt.Errorf("health_interval_sec must be positive, got: %d", c.NATS.HealthIntervalSec)
	}

	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.BasePath != "" {
		// Check if base path exists or can be created
		if _, err := os.Stat(c.Logging.BasePath); os.IsNotExist(err) {
			if err := os.MkdirAll(c.Logging.BasePath, 0755); err != nil {
				return fmt.Errorf("base_path %s does not exist and cannot be created: %w", c.Logging.BasePath, err)
			}
		}
	}

	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got: %d", c.Logging.MaxSizeMB)
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got: %d", c.Logging.MaxBackups)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func (c *Config) validateMonitoring() error {
	if c.Monitoring.Port < 0 || c.Monitoring.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got: %d", c.Monitoring.Port)
	}

	if (c.Monitoring.Username == "") != (c.Monitoring.Password == "") {
		return fmt.Errorf("username and password must be set together")
	}

	return nil
}

func (c *Config) validateForwarder() error {
	if !c.Forwarder.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("forwarding requires nats.url")
	}

	if c.Forwarder.RemoteURL == "" {
		return fmt.Errorf("remote_url is required when enabled")
	}

	if c.Forwarder.RemoteURL == c.NATS.URL {
		return fmt.Errorf("remote_url must differ from nats.url")
	}

	return nil
}
