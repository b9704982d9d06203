// cmd/modbusd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	otelsdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tamzrod/modbus-manager/internal/config"
	"github.com/tamzrod/modbus-manager/internal/connmgr"
	"github.com/tamzrod/modbus-manager/internal/eventbus"
	"github.com/tamzrod/modbus-manager/internal/health"
	"github.com/tamzrod/modbus-manager/internal/measurement"
	"github.com/tamzrod/modbus-manager/internal/metrics"
	"github.com/tamzrod/modbus-manager/internal/scheduler"
	"github.com/tamzrod/modbus-manager/internal/transport/goburrowdriver"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "modbusd").Logger()
	zerolog.TimeFieldFormat = time.RFC3339

	if len(os.Args) < 2 {
		logger.Fatal().Msg("usage: modbusd <config.yaml>")
	}

	if err := run(os.Args[1], logger); err != nil {
		logger.Fatal().Err(err).Msg("modbusd exited with an error")
	}
}

func run(cfgPath string, logger zerolog.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config.Normalize(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meterProvider := otelsdkmetric.NewMeterProvider()
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()
	otel.SetMeterProvider(meterProvider)
	sink := metrics.NewOtelSink(meterProvider.Meter("modbus-manager"))

	bus := eventbus.New(logger)
	bus.Subscribe(func(ev measurement.Event) {
		logger.Debug().
			Str("device", ev.DeviceID).
			Int("samples", len(ev.Samples)).
			Time("timestamp", ev.Timestamp).
			Msg("measurement event")
	})

	sched := scheduler.New(bus, sink, logger, scheduler.WorkerPoolSize())
	reporter := health.New(logger, sink)
	driver := goburrowdriver.New(5 * time.Second)

	for _, d := range cfg.Devices {
		cmCfg := d.ConnectionManagerConfig()
		cm, err := connmgr.New(cmCfg, driver, sink, logger)
		if err != nil {
			return fmt.Errorf("device %s: connection manager setup failed: %w", d.ID, err)
		}

		pollCfg, err := d.DevicePollingConfig(cm)
		if err != nil {
			return fmt.Errorf("device %s: polling config failed: %w", d.ID, err)
		}

		if err := sched.RegisterDevice(pollCfg); err != nil {
			return fmt.Errorf("device %s: registration failed: %w", d.ID, err)
		}

		deviceID := d.ID
		reporter.Watch(health.Device{
			ID:                deviceID,
			ConnectionManager: cm,
			LastPollError:     func() error { return sched.LastError(deviceID) },
		})

		logger.Info().Str("device", d.ID).Msg("device registered")
	}

	go reporter.Run(ctx)

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	return sched.Close()
}
