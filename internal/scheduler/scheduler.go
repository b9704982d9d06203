// Package scheduler drives periodic polling of registered devices: batched
// reads via a ConnectionManager, slicing into samples, declared-order event
// assembly, and metrics (spec §4.3). Grounded on the ticker-driven,
// one-goroutine-per-unit shape of the teacher's internal/poller package,
// generalized with backpressure guarding, batching, and a shared semaphore
// sized per spec §5 that bounds how many devices' ticks run at once; each
// device's tick still runs inline on that device's goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-manager/internal/batch"
	"github.com/tamzrod/modbus-manager/internal/eventbus"
	"github.com/tamzrod/modbus-manager/internal/measurement"
	"github.com/tamzrod/modbus-manager/internal/metrics"
	"github.com/tamzrod/modbus-manager/internal/modbuscat"
)

// ErrAlreadyRegistered marks register_device called with a device_id already
// present.
var ErrAlreadyRegistered = errors.New("scheduler: device already registered")

// ErrNoBatches marks register_device called with a config the planner
// reduces to zero batches (impossible given DevicePollingConfig's non-empty
// measurement invariant, but checked defensively per spec §4.3).
var ErrNoBatches = errors.New("scheduler: planner produced zero batches")

const (
	metricPollDuration    = "modbus.poll.duration"
	metricPollErrors      = "modbus.poll.errors"
	metricPollBackpressure = "modbus.poll.backpressure"
)

// Scheduler owns zero-to-many device polling tasks (spec §4.3).
type Scheduler struct {
	bus    *eventbus.Bus
	sink   metrics.Sink
	logger zerolog.Logger

	pollDuration    metrics.Timer
	pollErrors      metrics.Counter
	pollBackpressure metrics.Counter

	sem chan struct{} // bounds concurrent in-flight poll ticks across devices, spec §5 worker pool

	mu      sync.Mutex
	devices map[string]*deviceTask
	closed  bool
}

type deviceTask struct {
	cfg     measurement.DevicePollingConfig
	batches []batch.Batch

	inFlight atomic.Bool

	lastErrMu sync.Mutex
	lastErr   error

	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerPoolSize returns spec §5's default sizing: max(2, available_cores).
func WorkerPoolSize() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	return n
}

// New constructs a Scheduler publishing onto bus, backed by a worker pool of
// poolSize concurrent poll ticks. sink may be nil (treated as metrics.Nop).
func New(bus *eventbus.Bus, sink metrics.Sink, logger zerolog.Logger, poolSize int) *Scheduler {
	if sink == nil {
		sink = metrics.Nop
	}
	if poolSize < 1 {
		poolSize = WorkerPoolSize()
	}

	s := &Scheduler{
		bus:     bus,
		sink:    sink,
		logger:  logger,
		sem:     make(chan struct{}, poolSize),
		devices: make(map[string]*deviceTask),
	}
	s.pollDuration = sink.Timer(metricPollDuration, "Duration of one device poll cycle")
	s.pollErrors = sink.Counter(metricPollErrors, "Number of failed poll cycles")
	s.pollBackpressure = sink.Counter(metricPollBackpressure, "Number of poll ticks dropped due to an in-flight cycle")
	return s
}

// RegisterDevice plans cfg's batches, starts its ConnectionManager, and
// schedules a fixed-rate task with cfg.InitialDelay then every
// cfg.PollInterval. Fails if device_id is already registered or the planner
// yields zero batches.
func (s *Scheduler) RegisterDevice(cfg measurement.DevicePollingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("scheduler: closed")
	}
	if _, exists := s.devices[cfg.DeviceID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cfg.DeviceID)
	}

	batches := batch.Plan(cfg.Measurements)
	if len(batches) == 0 {
		return ErrNoBatches
	}

	if err := cfg.ConnectionManager.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &deviceTask{
		cfg:     cfg,
		batches: batches,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.devices[cfg.DeviceID] = task

	go s.runTask(ctx, task)
	return nil
}

// UnregisterDevice removes the registration, cancels the device's task, waits
// for its goroutine to exit, and stops its ConnectionManager. Cancelling the
// task also cancels the context of an in-flight tick, so that tick's reads are
// interrupted rather than run to completion. Idempotent on unknown ids.
func (s *Scheduler) UnregisterDevice(deviceID string) error {
	s.mu.Lock()
	task, ok := s.devices[deviceID]
	if ok {
		delete(s.devices, deviceID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	task.cancel()
	<-task.done
	return task.cfg.ConnectionManager.Close()
}

// IsRegistered reports whether device_id currently has an active task.
func (s *Scheduler) IsRegistered(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[deviceID]
	return ok
}

// LastError returns the last poll-cycle error for device_id, if any.
func (s *Scheduler) LastError(deviceID string) error {
	s.mu.Lock()
	task, ok := s.devices[deviceID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	task.lastErrMu.Lock()
	defer task.lastErrMu.Unlock()
	return task.lastErr
}

// Close cancels all tasks (interrupting if necessary), stops each
// ConnectionManager, and clears registrations. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := make([]*deviceTask, 0, len(s.devices))
	for _, t := range s.devices {
		tasks = append(tasks, t)
	}
	s.devices = make(map[string]*deviceTask)
	s.mu.Unlock()

	var firstErr error
	for _, t := range tasks {
		t.cancel()
		<-t.done
		if err := t.cfg.ConnectionManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) runTask(ctx context.Context, task *deviceTask) {
	defer close(task.done)

	if task.cfg.InitialDelay > 0 {
		timer := time.NewTimer(task.cfg.InitialDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	ticker := time.NewTicker(task.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, task)
		}
	}
}

// tick executes one poll cycle following spec §4.3's per-tick algorithm.
func (s *Scheduler) tick(ctx context.Context, task *deviceTask) {
	deviceTag := metrics.Tag{Key: "device", Value: task.cfg.DeviceID}

	if !task.inFlight.CompareAndSwap(false, true) {
		s.pollBackpressure.Inc(ctx, deviceTag)
		return
	}
	defer task.inFlight.Store(false)

	start := time.Now()
	samples, err := s.readAllBatches(ctx, task)
	if err != nil {
		s.setLastError(task, err)
		s.pollErrors.Inc(ctx, deviceTag)
		s.logger.Warn().Err(err).Str("device", task.cfg.DeviceID).Msg("poll cycle failed")
		return
	}

	s.pollDuration.Record(ctx, time.Since(start), deviceTag)
	s.setLastError(task, nil)

	if len(samples) == 0 {
		return
	}

	s.bus.Publish(measurement.Event{
		DeviceID:  task.cfg.DeviceID,
		Timestamp: time.Now(),
		Samples:   samples,
	})
}

// readAllBatches executes every batch in order on the device's
// ConnectionManager, then reassembles samples into the config's declared
// order (spec §4.3 steps 3-5).
func (s *Scheduler) readAllBatches(ctx context.Context, task *deviceTask) ([]measurement.Sample, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	cm := task.cfg.ConnectionManager
	bySample := make(map[string]measurement.Sample, len(task.cfg.Measurements))

	for _, b := range task.batches {
		if err := readBatch(ctx, cm, b, bySample); err != nil {
			return nil, err
		}
	}

	samples := make([]measurement.Sample, 0, len(task.cfg.Measurements))
	for _, def := range task.cfg.Measurements {
		s, ok := bySample[def.ID]
		if !ok {
			return nil, fmt.Errorf("scheduler: no sample produced for measurement %s", def.ID)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

type connOps interface {
	ReadCoils(ctx context.Context, address, count uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, address, count uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, address, count uint16) ([]uint16, error)
}

func readBatch(ctx context.Context, cm connOps, b batch.Batch, out map[string]measurement.Sample) error {
	switch b.Category {
	case modbuscat.Coil:
		vals, err := cm.ReadCoils(ctx, b.StartAddress, b.Count)
		if err != nil {
			return err
		}
		return sliceBooleans(b, vals, out)
	case modbuscat.DiscreteInput:
		vals, err := cm.ReadDiscreteInputs(ctx, b.StartAddress, b.Count)
		if err != nil {
			return err
		}
		return sliceBooleans(b, vals, out)
	case modbuscat.HoldingRegister:
		vals, err := cm.ReadHoldingRegisters(ctx, b.StartAddress, b.Count)
		if err != nil {
			return err
		}
		return sliceRegisters(b, vals, out)
	case modbuscat.InputRegister:
		vals, err := cm.ReadInputRegisters(ctx, b.StartAddress, b.Count)
		if err != nil {
			return err
		}
		return sliceRegisters(b, vals, out)
	default:
		return fmt.Errorf("scheduler: unknown category %v", b.Category)
	}
}

func sliceBooleans(b batch.Batch, vals []bool, out map[string]measurement.Sample) error {
	if len(vals) < int(b.Count) {
		return fmt.Errorf("scheduler: short boolean response for batch at %d: got %d, want %d", b.StartAddress, len(vals), b.Count)
	}
	for _, sl := range b.Slices {
		end := int(sl.Offset) + int(sl.Definition.Count)
		if end > len(vals) {
			return fmt.Errorf("scheduler: slice for %s overruns batch response", sl.Definition.ID)
		}
		chunk := vals[sl.Offset:end]
		if sl.Definition.Count == 1 {
			out[sl.Definition.ID] = measurement.NewBoolScalar(sl.Definition, chunk[0])
		} else {
			out[sl.Definition.ID] = measurement.NewBoolSeq(sl.Definition, chunk)
		}
	}
	return nil
}

func sliceRegisters(b batch.Batch, vals []uint16, out map[string]measurement.Sample) error {
	if len(vals) < int(b.Count) {
		return fmt.Errorf("scheduler: short register response for batch at %d: got %d, want %d", b.StartAddress, len(vals), b.Count)
	}
	for _, sl := range b.Slices {
		end := int(sl.Offset) + int(sl.Definition.Count)
		if end > len(vals) {
			return fmt.Errorf("scheduler: slice for %s overruns batch response", sl.Definition.ID)
		}
		chunk := vals[sl.Offset:end]
		if sl.Definition.Count == 1 {
			out[sl.Definition.ID] = measurement.NewRegScalar(sl.Definition, chunk[0])
		} else {
			out[sl.Definition.ID] = measurement.NewRegSeq(sl.Definition, chunk)
		}
	}
	return nil
}

func (s *Scheduler) setLastError(task *deviceTask, err error) {
	task.lastErrMu.Lock()
	task.lastErr = err
	task.lastErrMu.Unlock()
}
