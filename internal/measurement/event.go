package measurement

import "time"

// Event is one poll cycle's result: samples in the DevicePollingConfig's
// declared order, not batch order (spec §3, §4.3 step 5).
type Event struct {
	DeviceID  string
	Timestamp time.Time
	Samples   []Sample
}
