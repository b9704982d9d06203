package config

import "time"

// Normalize applies defaults to zero-valued fields. It is allowed to mutate
// cfg and MUST be called only after Validate() succeeds.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]

		if d.Connection.RequestTimeoutMs == 0 {
			d.Connection.RequestTimeoutMs = int(5 * time.Second / time.Millisecond)
		}
		if d.Connection.MaxRetries == nil {
			d.Connection.MaxRetries = intPtr(3)
		}
		if d.Connection.InitialBackoffMs == 0 {
			d.Connection.InitialBackoffMs = 250
		}
		if d.Connection.MaxBackoffMs == 0 {
			d.Connection.MaxBackoffMs = int(10 * time.Second / time.Millisecond)
		}
		if d.Connection.Jitter == nil {
			d.Connection.Jitter = float64Ptr(0.2)
		}

		if d.Poll.IntervalMs == 0 {
			d.Poll.IntervalMs = 5000
		}
		// initial_delay_ms legitimately defaults to 0; no normalization needed.
	}
}

func intPtr(v int) *int             { return &v }
func float64Ptr(v float64) *float64 { return &v }
