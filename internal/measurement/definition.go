// Package measurement holds the declarative description of what to poll
// (MeasurementDefinition, DevicePollingConfig) and the typed sample/event
// shapes a poll cycle produces (spec §3).
package measurement

import "github.com/tamzrod/modbus-manager/internal/modbuscat"

// Definition is an immutable descriptor of one thing to read from a device.
type Definition struct {
	ID       string
	Category modbuscat.Category
	Address  uint16
	Count    uint16
}

// EndExclusive returns Address+Count, the first address past this definition.
func (d Definition) EndExclusive() uint32 {
	return uint32(d.Address) + uint32(d.Count)
}

func (d Definition) validate() error {
	if d.ID == "" {
		return newConfigError("measurement id must not be blank")
	}
	if !d.Category.Valid() {
		return newConfigError("measurement " + d.ID + ": invalid category")
	}
	if d.Count < 1 {
		return newConfigError("measurement " + d.ID + ": count must be >= 1")
	}
	return nil
}
