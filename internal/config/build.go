package config

import (
	"fmt"
	"time"

	"github.com/tamzrod/modbus-manager/internal/connmgr"
	"github.com/tamzrod/modbus-manager/internal/measurement"
	"github.com/tamzrod/modbus-manager/internal/modbuscat"
)

// ConnectionManagerConfig translates a device's ConnectionConfig into a
// connmgr.Config. Call only after Validate+Normalize.
func (d DeviceConfig) ConnectionManagerConfig() connmgr.Config {
	return connmgr.Config{
		ConnectionString: d.Connection.ConnectionString,
		RequestTimeout:   time.Duration(d.Connection.RequestTimeoutMs) * time.Millisecond,
		MaxRetries:       *d.Connection.MaxRetries, // set by Normalize, even when explicitly 0
		InitialBackoff:   time.Duration(d.Connection.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(d.Connection.MaxBackoffMs) * time.Millisecond,
		Jitter:           *d.Connection.Jitter, // set by Normalize, even when explicitly 0
	}
}

func categoryFromString(s string) (modbuscat.Category, error) {
	switch s {
	case "coil":
		return modbuscat.Coil, nil
	case "discrete-input":
		return modbuscat.DiscreteInput, nil
	case "holding-register":
		return modbuscat.HoldingRegister, nil
	case "input-register":
		return modbuscat.InputRegister, nil
	default:
		return 0, fmt.Errorf("config: unknown category %q", s)
	}
}

// DevicePollingConfig builds a measurement.DevicePollingConfig for d, backed
// by cm. Call only after Validate+Normalize.
func (d DeviceConfig) DevicePollingConfig(cm *connmgr.Manager) (measurement.DevicePollingConfig, error) {
	b := measurement.NewConfigBuilder(d.ID, cm).
		WithPollInterval(time.Duration(d.Poll.IntervalMs) * time.Millisecond).
		WithInitialDelay(time.Duration(d.Poll.InitialDelayMs) * time.Millisecond)

	for _, m := range d.Measurements {
		cat, err := categoryFromString(m.Category)
		if err != nil {
			return measurement.DevicePollingConfig{}, err
		}
		b.AddMeasurement(measurement.Definition{
			ID:       m.ID,
			Category: cat,
			Address:  m.Address,
			Count:    m.Count,
		})
	}

	return b.Build()
}
