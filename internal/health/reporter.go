// Package health adapts the teacher's status-snapshot orchestrator (a 1 Hz
// ticker tracking health/last-error/seconds-in-error, re-asserting a full
// snapshot on any state change) into an observability-only reporter: no
// Modbus registers are written, since this system has no downstream
// replication target. Instead each tick that finds a device unhealthy logs a
// structured event and bumps an otel counter; a recovery is logged once
// (SPEC_FULL §5).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-manager/internal/connmgr"
	"github.com/tamzrod/modbus-manager/internal/metrics"
)

const secondsInErrorCap = 65535

const metricSecondsUnhealthy = "modbus.device.seconds_unhealthy"

// Device is anything Reporter can watch: a connection's health and a
// scheduler's last poll-cycle error.
type Device struct {
	ID                string
	ConnectionManager *connmgr.Manager
	LastPollError     func() error
}

// Reporter owns a 1 Hz ticker snapshotting every registered device's health,
// logging on state change (or once per tick while unhealthy), and capping
// seconds-in-error the same way the teacher's status_writer.go does: "HARD
// INVARIANT: seconds_in_error MUST NOT wrap."
type Reporter struct {
	logger zerolog.Logger
	sink   metrics.Sink

	secondsUnhealthy metrics.Counter

	mu      sync.Mutex
	devices []Device
	state   map[string]*deviceState
}

type deviceState struct {
	healthy        bool
	lastErrorText  string
	secondsInError uint32
}

// New constructs a Reporter. sink may be nil (treated as metrics.Nop).
func New(logger zerolog.Logger, sink metrics.Sink) *Reporter {
	if sink == nil {
		sink = metrics.Nop
	}
	r := &Reporter{
		logger: logger,
		sink:   sink,
		state:  make(map[string]*deviceState),
	}
	r.secondsUnhealthy = sink.Counter(metricSecondsUnhealthy, "Seconds a device has spent unhealthy, ticked at 1Hz")
	return r
}

// Watch registers a device for reporting. Not safe to call concurrently with
// Run's ticks on the same device id twice; call before Run.
func (r *Reporter) Watch(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, d)
	r.state[d.ID] = &deviceState{}
}

// Run drives the 1 Hz ticker until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	r.mu.Lock()
	devices := make([]Device, len(r.devices))
	copy(devices, r.devices)
	r.mu.Unlock()

	for _, d := range devices {
		r.tickDevice(ctx, d)
	}
}

func (r *Reporter) tickDevice(ctx context.Context, d Device) {
	r.mu.Lock()
	st, ok := r.state[d.ID]
	r.mu.Unlock()
	if !ok {
		return
	}

	h := d.ConnectionManager.Health()
	var pollErr error
	if d.LastPollError != nil {
		pollErr = d.LastPollError()
	}

	healthy := h.Status == connmgr.Healthy && pollErr == nil
	errText := h.LastError
	if pollErr != nil {
		errText = pollErr.Error()
	}

	r.mu.Lock()
	changed := st.healthy != healthy || st.lastErrorText != errText
	st.healthy = healthy
	st.lastErrorText = errText
	if !healthy {
		if st.secondsInError < secondsInErrorCap {
			st.secondsInError++
		}
	} else {
		st.secondsInError = 0
	}
	seconds := st.secondsInError
	r.mu.Unlock()

	if healthy {
		if changed {
			r.logger.Info().Str("device", d.ID).Msg("device recovered")
		}
		return
	}

	r.secondsUnhealthy.Inc(ctx, metrics.Tag{Key: "device", Value: d.ID})

	if changed {
		r.logger.Warn().Str("device", d.ID).Str("error", errText).Uint32("seconds_in_error", seconds).
			Msg("device unhealthy")
	} else {
		r.logger.Debug().Str("device", d.ID).Str("error", errText).Uint32("seconds_in_error", seconds).
			Msg("device still unhealthy")
	}
}
