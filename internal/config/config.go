// Package config loads and validates the daemon's device/connection/
// measurement composition file. It keeps the teacher's two-pass discipline:
// Validate is declarative and never mutates; Normalize applies defaults and
// MUST only run after Validate succeeds.
package config

// Config is the top-level composition file: one entry per Modbus device to
// manage and poll.
type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one device: how to connect to it, how often to poll
// it, and what to read.
type DeviceConfig struct {
	ID           string              `yaml:"id"`
	Connection   ConnectionConfig    `yaml:"connection"`
	Poll         PollConfig          `yaml:"poll"`
	Measurements []MeasurementConfig `yaml:"measurements"`
}

// ConnectionConfig mirrors connmgr.Config's YAML surface. RequestTimeoutMs,
// InitialBackoffMs, and MaxBackoffMs are plain ints: 0 is not a value an
// operator would ever mean literally (an instant timeout, an instant
// backoff), so an unset field and an explicit 0 are treated the same and
// filled in by Normalize. MaxRetries and Jitter are pointers because 0 is a
// legitimate, distinct choice for both ("no retries", "no jitter") that must
// survive Normalize unchanged rather than being silently replaced by the
// default — nil means "not set in YAML", a non-nil pointer to 0 means
// "explicitly disabled".
type ConnectionConfig struct {
	ConnectionString string   `yaml:"connection_string"`
	RequestTimeoutMs int      `yaml:"request_timeout_ms"`
	MaxRetries       *int     `yaml:"max_retries"`
	InitialBackoffMs int      `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int      `yaml:"max_backoff_ms"`
	Jitter           *float64 `yaml:"jitter"`
}

// PollConfig mirrors measurement.DevicePollingConfig's YAML surface.
type PollConfig struct {
	IntervalMs     int `yaml:"interval_ms"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
}

// MeasurementConfig mirrors measurement.Definition's YAML surface.
// Category must be one of "coil", "discrete-input", "holding-register",
// "input-register".
type MeasurementConfig struct {
	ID       string `yaml:"id"`
	Category string `yaml:"category"`
	Address  uint16 `yaml:"address"`
	Count    uint16 `yaml:"count"`
}
