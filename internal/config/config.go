// Package config provides YAML configuration loading and validation for the
// pushmob relay daemon.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the relay daemon.
type Config struct {
	// DaemonLogFile is the path of the rotated daemon log file. When empty,
	// log records are written to stderr.
	DaemonLogFile string `yaml:"daemon_log_file"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Bind is the listen address of the request/reply control socket
	// (e.g. "127.0.0.1:9320"). Required.
	Bind string `yaml:"zmq_bind"`

	// AdminAddr is the listen address for the /healthz and /metrics HTTP
	// server. Defaults to "127.0.0.1:9321" when omitted.
	AdminAddr string `yaml:"admin_addr"`

	// SQLiteDB is the path of the embedded database holding the push queue,
	// the feedback queue, and the identifier counter. Required.
	SQLiteDB string `yaml:"sqlite_db"`

	// JournalFile is the path of the optional hash-chained delivery journal.
	// Empty disables journaling.
	JournalFile string `yaml:"journal_file"`

	// CACertsFile is the path to the PEM-encoded CA bundle used to verify
	// both gateway endpoints. Required.
	CACertsFile string `yaml:"cacerts_file"`

	// CertFile is the path to the PEM-encoded client certificate presented
	// to the gateways. Required.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded private key for CertFile.
	// Required.
	KeyFile string `yaml:"key_file"`

	// DeviceTokenFormat selects how device tokens are rendered in log lines
	// and feedback replies: "base64" or "hex". Required.
	DeviceTokenFormat string `yaml:"device_token_format"`

	// PushGateway is the host:port of the vendor push gateway. Required.
	PushGateway string `yaml:"push_gateway"`

	// PushConcurrency is the number of push agents sharing the push queue.
	// Defaults to 1 when omitted.
	PushConcurrency int `yaml:"push_concurrency"`

	// PushMaxNotificationLag is the maximum age, in seconds, a notification
	// may reach before a push agent discards it instead of sending it.
	// Defaults to 120 when omitted.
	PushMaxNotificationLag int `yaml:"push_max_notification_lag"`

	// PushMaxErrorWait is how long, in seconds (fractions allowed), a push
	// agent waits for an error frame after each successful write. Zero
	// disables the post-write wait; error frames are then only picked up by
	// the idle poll.
	PushMaxErrorWait float64 `yaml:"push_max_error_wait"`

	// FeedbackGateway is the host:port of the vendor feedback service.
	// Required.
	FeedbackGateway string `yaml:"feedback_gateway"`

	// FeedbackFrequency is the delay, in seconds, between feedback service
	// drains. Required, must be positive.
	FeedbackFrequency int `yaml:"feedback_frequency"`
}

// MaxErrorWait returns PushMaxErrorWait as a duration.
func (c *Config) MaxErrorWait() time.Duration {
	return time.Duration(c.PushMaxErrorWait * float64(time.Second))
}

// MaxNotificationLag returns PushMaxNotificationLag as a duration.
func (c *Config) MaxNotificationLag() time.Duration {
	return time.Duration(c.PushMaxNotificationLag) * time.Second
}

// FeedbackInterval returns FeedbackFrequency as a duration.
func (c *Config) FeedbackInterval() time.Duration {
	return time.Duration(c.FeedbackFrequency) * time.Second
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validTokenFormats is the set of accepted device token formats.
var validTokenFormats = map[string]bool{
	"base64": true,
	"hex":    true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. On validation failure the
// returned error joins every failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:9321"
	}
	if cfg.PushConcurrency == 0 {
		cfg.PushConcurrency = 1
	}
	if cfg.PushMaxNotificationLag == 0 {
		cfg.PushMaxNotificationLag = 120
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Bind == "" {
		errs = append(errs, errors.New("zmq_bind is required"))
	} else if err := checkHostPort(cfg.Bind); err != nil {
		errs = append(errs, fmt.Errorf("zmq_bind: %w", err))
	}
	if cfg.SQLiteDB == "" {
		errs = append(errs, errors.New("sqlite_db is required"))
	}
	if cfg.CACertsFile == "" {
		errs = append(errs, errors.New("cacerts_file is required"))
	}
	if cfg.CertFile == "" {
		errs = append(errs, errors.New("cert_file is required"))
	}
	if cfg.KeyFile == "" {
		errs = append(errs, errors.New("key_file is required"))
	}
	if !validTokenFormats[cfg.DeviceTokenFormat] {
		errs = append(errs, fmt.Errorf("device_token_format %q must be one of: base64, hex", cfg.DeviceTokenFormat))
	}
	if cfg.PushGateway == "" {
		errs = append(errs, errors.New("push_gateway is required"))
	} else if err := checkHostPort(cfg.PushGateway); err != nil {
		errs = append(errs, fmt.Errorf("push_gateway: %w", err))
	}
	if cfg.FeedbackGateway == "" {
		errs = append(errs, errors.New("feedback_gateway is required"))
	} else if err := checkHostPort(cfg.FeedbackGateway); err != nil {
		errs = append(errs, fmt.Errorf("feedback_gateway: %w", err))
	}
	if cfg.PushConcurrency < 1 {
		errs = append(errs, fmt.Errorf("push_concurrency %d must be at least 1", cfg.PushConcurrency))
	}
	if cfg.PushMaxNotificationLag < 0 {
		errs = append(errs, fmt.Errorf("push_max_notification_lag %d must not be negative", cfg.PushMaxNotificationLag))
	}
	if cfg.PushMaxErrorWait < 0 {
		errs = append(errs, fmt.Errorf("push_max_error_wait %g must not be negative", cfg.PushMaxErrorWait))
	}
	if cfg.FeedbackFrequency < 1 {
		errs = append(errs, fmt.Errorf("feedback_frequency %d must be at least 1", cfg.FeedbackFrequency))
	}

	return errors.Join(errs...)
}

// checkHostPort verifies that addr is a host:port pair.
func checkHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q is not a host:port pair: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("%q has an empty host", addr)
	}
	if port == "" {
		return fmt.Errorf("%q has an empty port", addr)
	}
	return nil
}
