package measurement

import (
	"sort"
	"time"

	"github.com/tamzrod/modbus-manager/internal/connmgr"
)

// DevicePollingConfig is the immutable, validated description of what to poll
// on one device and how often (spec §3).
type DevicePollingConfig struct {
	DeviceID          string
	PollInterval      time.Duration
	InitialDelay      time.Duration
	ConnectionManager *connmgr.Manager
	Measurements      []Definition
}

// ConfigBuilder builds a DevicePollingConfig, rejecting duplicate ids,
// invalid durations, an empty measurement list, and — per spec.md §9's
// recommended tightening — overlapping ranges within the same category
// (SPEC_FULL §12 item 2).
type ConfigBuilder struct {
	deviceID          string
	pollInterval      time.Duration
	initialDelay      time.Duration
	connectionManager *connmgr.Manager
	measurements      []Definition
}

// NewConfigBuilder starts a builder with the spec's defaults: poll_interval=5s,
// initial_delay=0.
func NewConfigBuilder(deviceID string, cm *connmgr.Manager) *ConfigBuilder {
	return &ConfigBuilder{
		deviceID:          deviceID,
		pollInterval:      5 * time.Second,
		initialDelay:      0,
		connectionManager: cm,
	}
}

func (b *ConfigBuilder) WithPollInterval(d time.Duration) *ConfigBuilder {
	b.pollInterval = d
	return b
}

func (b *ConfigBuilder) WithInitialDelay(d time.Duration) *ConfigBuilder {
	b.initialDelay = d
	return b
}

func (b *ConfigBuilder) AddMeasurement(def Definition) *ConfigBuilder {
	b.measurements = append(b.measurements, def)
	return b
}

// Build validates and constructs the DevicePollingConfig, or returns a
// ConfigError describing the first violation found.
func (b *ConfigBuilder) Build() (DevicePollingConfig, error) {
	if b.deviceID == "" {
		return DevicePollingConfig{}, newConfigError("device_id must not be blank")
	}
	if b.pollInterval <= 0 {
		return DevicePollingConfig{}, newConfigError("poll_interval must be > 0")
	}
	if b.initialDelay < 0 {
		return DevicePollingConfig{}, newConfigError("initial_delay must be >= 0")
	}
	if b.connectionManager == nil {
		return DevicePollingConfig{}, newConfigError("connection_manager must not be nil")
	}
	if len(b.measurements) == 0 {
		return DevicePollingConfig{}, newConfigError("device " + b.deviceID + ": at least one measurement is required")
	}

	seen := make(map[string]struct{}, len(b.measurements))
	for _, d := range b.measurements {
		if err := d.validate(); err != nil {
			return DevicePollingConfig{}, err
		}
		if _, dup := seen[d.ID]; dup {
			return DevicePollingConfig{}, newConfigError("duplicate measurement id " + d.ID)
		}
		seen[d.ID] = struct{}{}
	}

	if err := rejectOverlaps(b.measurements); err != nil {
		return DevicePollingConfig{}, err
	}

	defs := make([]Definition, len(b.measurements))
	copy(defs, b.measurements)

	return DevicePollingConfig{
		DeviceID:          b.deviceID,
		PollInterval:      b.pollInterval,
		InitialDelay:      b.initialDelay,
		ConnectionManager: b.connectionManager,
		Measurements:      defs,
	}, nil
}

// rejectOverlaps groups definitions by category and reports a ConfigError if
// any two ranges within the same category overlap.
func rejectOverlaps(defs []Definition) error {
	byCategory := make(map[int][]Definition)
	for _, d := range defs {
		byCategory[int(d.Category)] = append(byCategory[int(d.Category)], d)
	}

	for _, group := range byCategory {
		sorted := make([]Definition, len(group))
		copy(sorted, group)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

		for i := 1; i < len(sorted); i++ {
			prev, cur := sorted[i-1], sorted[i]
			if uint32(cur.Address) < prev.EndExclusive() {
				return newConfigError("measurements " + prev.ID + " and " + cur.ID + " overlap")
			}
		}
	}
	return nil
}
