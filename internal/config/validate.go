package config

import "fmt"

var validCategories = map[string]bool{
	"coil":             true,
	"discrete-input":   true,
	"holding-register": true,
	"input-register":   true,
}

// Validate checks configuration correctness. It performs declarative
// validation only and MUST NOT mutate cfg — unset numeric fields (0) are
// legal here and are given their defaults by Normalize afterward.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("config: at least one device is required")
	}

	seenDevice := make(map[string]bool, len(cfg.Devices))

	for _, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("config: device id must not be blank")
		}
		if seenDevice[d.ID] {
			return fmt.Errorf("config: duplicate device id %q", d.ID)
		}
		seenDevice[d.ID] = true

		if d.Connection.ConnectionString == "" {
			return fmt.Errorf("device %q: connection.connection_string must not be blank", d.ID)
		}
		if d.Connection.RequestTimeoutMs < 0 {
			return fmt.Errorf("device %q: connection.request_timeout_ms must be >= 0", d.ID)
		}
		if d.Connection.MaxRetries != nil && *d.Connection.MaxRetries < 0 {
			return fmt.Errorf("device %q: connection.max_retries must be >= 0", d.ID)
		}
		if d.Connection.InitialBackoffMs < 0 {
			return fmt.Errorf("device %q: connection.initial_backoff_ms must be >= 0", d.ID)
		}
		if d.Connection.MaxBackoffMs < 0 {
			return fmt.Errorf("device %q: connection.max_backoff_ms must be >= 0", d.ID)
		}
		if d.Connection.InitialBackoffMs > 0 && d.Connection.MaxBackoffMs > 0 &&
			d.Connection.MaxBackoffMs < d.Connection.InitialBackoffMs {
			return fmt.Errorf("device %q: connection.max_backoff_ms must be >= initial_backoff_ms", d.ID)
		}
		if d.Connection.Jitter != nil && (*d.Connection.Jitter < 0 || *d.Connection.Jitter > 1) {
			return fmt.Errorf("device %q: connection.jitter must be in [0,1]", d.ID)
		}

		if d.Poll.IntervalMs < 0 {
			return fmt.Errorf("device %q: poll.interval_ms must be >= 0", d.ID)
		}
		if d.Poll.InitialDelayMs < 0 {
			return fmt.Errorf("device %q: poll.initial_delay_ms must be >= 0", d.ID)
		}

		if len(d.Measurements) == 0 {
			return fmt.Errorf("device %q: at least one measurement is required", d.ID)
		}

		seenMeasurement := make(map[string]bool, len(d.Measurements))
		for _, m := range d.Measurements {
			if m.ID == "" {
				return fmt.Errorf("device %q: measurement id must not be blank", d.ID)
			}
			if seenMeasurement[m.ID] {
				return fmt.Errorf("device %q: duplicate measurement id %q", d.ID, m.ID)
			}
			seenMeasurement[m.ID] = true

			if !validCategories[m.Category] {
				return fmt.Errorf("device %q: measurement %q: invalid category %q", d.ID, m.ID, m.Category)
			}
			if m.Count < 1 {
				return fmt.Errorf("device %q: measurement %q: count must be >= 1", d.ID, m.ID)
			}
		}
	}

	return nil
}
