package config

import "testing"

func validDevice(id string) DeviceConfig {
	return DeviceConfig{
		ID: id,
		Connection: ConnectionConfig{
			ConnectionString: "modbus:tcp://" + id + ":502",
		},
		Measurements: []MeasurementConfig{
			{ID: "m1", Category: "holding-register", Address: 0, Count: 1},
		},
	}
}

func TestValidateAcceptsMinimalDevice(t *testing.T) {
	cfg := &Config{Devices: []DeviceConfig{validDevice("dev1")}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsEmptyDeviceList(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for an empty device list")
	}
}

func TestValidateRejectsBlankDeviceID(t *testing.T) {
	d := validDevice("dev1")
	d.ID = ""
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for a blank device id")
	}
}

func TestValidateRejectsDuplicateDeviceID(t *testing.T) {
	cfg := &Config{Devices: []DeviceConfig{validDevice("dev1"), validDevice("dev1")}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for duplicate device ids")
	}
}

func TestValidateRejectsBlankConnectionString(t *testing.T) {
	d := validDevice("dev1")
	d.Connection.ConnectionString = ""
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for a blank connection string")
	}
}

func TestValidateRejectsInvalidJitter(t *testing.T) {
	d := validDevice("dev1")
	d.Connection.Jitter = float64Ptr(1.5)
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for jitter out of range")
	}
}

func TestValidateAcceptsExplicitZeroJitterAndMaxRetries(t *testing.T) {
	d := validDevice("dev1")
	d.Connection.Jitter = float64Ptr(0)
	d.Connection.MaxRetries = intPtr(0)
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected jitter=0 and max_retries=0 to be legal, got %v", err)
	}
}

func TestValidateRejectsNoMeasurements(t *testing.T) {
	d := validDevice("dev1")
	d.Measurements = nil
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for a device with no measurements")
	}
}

func TestValidateRejectsDuplicateMeasurementID(t *testing.T) {
	d := validDevice("dev1")
	d.Measurements = append(d.Measurements, MeasurementConfig{ID: "m1", Category: "coil", Address: 1, Count: 1})
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for duplicate measurement ids")
	}
}

func TestValidateRejectsUnknownCategory(t *testing.T) {
	d := validDevice("dev1")
	d.Measurements[0].Category = "not-a-category"
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for an unknown category")
	}
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	d := validDevice("dev1")
	d.Connection.MaxRetries = intPtr(-1)
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for negative max_retries")
	}
}

func TestValidateRejectsMaxBackoffBelowInitial(t *testing.T) {
	d := validDevice("dev1")
	d.Connection.InitialBackoffMs = 500
	d.Connection.MaxBackoffMs = 100
	cfg := &Config{Devices: []DeviceConfig{d}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when max_backoff_ms < initial_backoff_ms")
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := &Config{Devices: []DeviceConfig{validDevice("dev1")}}
	Normalize(cfg)

	d := cfg.Devices[0]
	if d.Connection.RequestTimeoutMs != 5000 {
		t.Fatalf("expected default request_timeout_ms 5000, got %d", d.Connection.RequestTimeoutMs)
	}
	if d.Connection.MaxRetries == nil || *d.Connection.MaxRetries != 3 {
		t.Fatalf("expected default max_retries 3, got %v", d.Connection.MaxRetries)
	}
	if d.Connection.InitialBackoffMs != 250 {
		t.Fatalf("expected default initial_backoff_ms 250, got %d", d.Connection.InitialBackoffMs)
	}
	if d.Connection.MaxBackoffMs != 10000 {
		t.Fatalf("expected default max_backoff_ms 10000, got %d", d.Connection.MaxBackoffMs)
	}
	if d.Connection.Jitter == nil || *d.Connection.Jitter != 0.2 {
		t.Fatalf("expected default jitter 0.2, got %v", d.Connection.Jitter)
	}
	if d.Poll.IntervalMs != 5000 {
		t.Fatalf("expected default interval_ms 5000, got %d", d.Poll.IntervalMs)
	}
}

func TestNormalizeLeavesExplicitValuesAlone(t *testing.T) {
	d := validDevice("dev1")
	d.Connection.MaxRetries = intPtr(7)
	cfg := &Config{Devices: []DeviceConfig{d}}
	Normalize(cfg)

	if got := cfg.Devices[0].Connection.MaxRetries; got == nil || *got != 7 {
		t.Fatalf("expected explicit max_retries 7 to survive Normalize, got %v", got)
	}
}

func TestNormalizeLeavesExplicitZeroMaxRetriesAndJitterAlone(t *testing.T) {
	d := validDevice("dev1")
	d.Connection.MaxRetries = intPtr(0)
	d.Connection.Jitter = float64Ptr(0)
	cfg := &Config{Devices: []DeviceConfig{d}}
	Normalize(cfg)

	got := cfg.Devices[0].Connection
	if got.MaxRetries == nil || *got.MaxRetries != 0 {
		t.Fatalf("expected explicit max_retries=0 to survive Normalize, got %v", got.MaxRetries)
	}
	if got.Jitter == nil || *got.Jitter != 0 {
		t.Fatalf("expected explicit jitter=0 to survive Normalize, got %v", got.Jitter)
	}
}

func TestBuildConnectionManagerConfigAndPollingConfig(t *testing.T) {
	cfg := &Config{Devices: []DeviceConfig{validDevice("dev1")}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	Normalize(cfg)

	d := cfg.Devices[0]
	cmCfg := d.ConnectionManagerConfig()
	if cmCfg.ConnectionString != d.Connection.ConnectionString {
		t.Fatalf("unexpected connection string %q", cmCfg.ConnectionString)
	}
	if cmCfg.MaxRetries != 3 {
		t.Fatalf("expected max retries 3, got %d", cmCfg.MaxRetries)
	}
}
