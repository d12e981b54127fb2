// Package app is the device's application loop. An [App] owns the
// connection manager, the broker session, the sensor and the metrics
// collector, and drives them from a single goroutine: initialize the
// sensor, attach, connect, then read and publish on a fixed interval.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/sensorlink/internal/connwatch"
	"github.com/nugget/sensorlink/internal/metrics"
	"github.com/nugget/sensorlink/internal/mqtt"
	"github.com/nugget/sensorlink/internal/sensor"
	"github.com/nugget/sensorlink/internal/wifi"
)

// ErrSensorHalted is returned by Run when the sensor failed to
// initialize under the halt policy and the device idled until shutdown.
var ErrSensorHalted = errors.New("sensor init failed, device halted")

// ErrLinkLost wraps a failed re-attach after the link dropped. Run
// stops on it.
var ErrLinkLost = errors.New("wifi link lost")

// Defaults for zero-valued options.
const (
	DefaultInterval    = 2 * time.Second
	DefaultTopicSuffix = "readings"
)

// Options configures the loop.
type Options struct {
	Credentials wifi.Credentials

	// Interval is the pause between cycles.
	Interval    time.Duration
	TopicSuffix string

	// HaltOnSensorInitFailure idles the device until shutdown when the
	// sensor does not initialize. Otherwise the failure is logged and
	// the loop runs anyway.
	HaltOnSensorInitFailure bool

	IncludePressure bool
	OmitMACAddress  bool

	// MaxCycles stops Run after this many cycles. Zero runs until ctx
	// is cancelled.
	MaxCycles int

	Logger *slog.Logger
}

// App is the application context.
type App struct {
	wifi    *wifi.Manager
	session *mqtt.Session
	sensor  sensor.Sensor
	metrics *metrics.Collector
	opts    Options
	logger  *slog.Logger
}

// New assembles an App. collector may be nil.
func New(mgr *wifi.Manager, session *mqtt.Session, sens sensor.Sensor, collector *metrics.Collector, opts Options) *App {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.TopicSuffix == "" {
		opts.TopicSuffix = DefaultTopicSuffix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &App{
		wifi:    mgr,
		session: session,
		sensor:  sens,
		metrics: collector,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Run initializes the sensor, attaches, connects to the broker and
// then cycles until ctx is cancelled or MaxCycles is reached. Attach
// blocks; with an unbounded attach policy Run does not return until
// the link comes up or ctx ends. Cancellation after attach is a clean
// shutdown and returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.sensor.Init(ctx); err != nil {
		a.logger.Error("sensor init failed", "error", err)
		if a.opts.HaltOnSensorInitFailure {
			a.logger.Error("device halted, waiting for shutdown")
			<-ctx.Done()
			return ErrSensorHalted
		}
	}

	if a.opts.Credentials == nil {
		return wifi.ErrNoCredentials
	}
	if _, err := a.wifi.Attach(ctx, a.opts.Credentials); err != nil {
		return err
	}

	defer a.shutdown(ctx)

	if err := a.session.Connect(ctx); err != nil {
		a.logger.Warn("failed to connect to mqtt broker, will retry each cycle", "error", err)
	}

	for n := 1; a.opts.MaxCycles == 0 || n <= a.opts.MaxCycles; n++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := a.Cycle(ctx); errors.Is(err, ErrLinkLost) {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == a.opts.MaxCycles {
			break
		}
		if !connwatch.Sleep(ctx, a.opts.Interval) {
			return nil
		}
	}

	a.logger.Info("cycle limit reached", "cycles", a.opts.MaxCycles)
	return nil
}

// Cycle runs one pass of the loop: check the link (re-attaching if it
// dropped), service the broker session, read the sensor and publish.
// Sensor and publish failures are logged and returned; the next cycle
// tries again.
func (a *App) Cycle(ctx context.Context) error {
	a.metrics.ObserveCycle()

	if a.wifi.CheckLink(ctx) != wifi.Attached {
		a.logger.Warn("wifi link down, re-attaching")
		// Loop releases the broker handle while the link is down.
		_ = a.session.Loop(ctx)
		if _, err := a.wifi.Reattach(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrLinkLost, err)
		}
	}

	if err := a.session.Loop(ctx); err != nil {
		a.logger.Debug("mqtt loop", "error", err)
	}

	reading, err := a.read()
	if err != nil {
		a.logger.Warn("sensor read failed, skipping publish", "error", err)
		return err
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	topic := a.session.Topic(a.opts.TopicSuffix)
	if err := a.session.Publish(ctx, a.opts.TopicSuffix, payload); err != nil {
		a.logger.Warn("failed to publish reading", "topic", topic, "error", err)
		return err
	}
	a.logger.Info("published reading",
		"topic", topic,
		"temperature", reading.Temperature,
	)
	return nil
}

func (a *App) read() (sensor.Reading, error) {
	temp, err := a.sensor.ReadTemperature()
	if err != nil {
		return sensor.Reading{}, fmt.Errorf("read temperature: %w", err)
	}
	r := sensor.Reading{Temperature: temp}

	if a.opts.IncludePressure {
		p, err := a.sensor.ReadPressure()
		if err != nil {
			return sensor.Reading{}, fmt.Errorf("read pressure: %w", err)
		}
		r = r.WithPressure(p)
	}

	if !a.opts.OmitMACAddress {
		id, err := a.wifi.CurrentIdentity()
		if err != nil {
			a.logger.Warn("hardware address unavailable", "error", err)
		} else {
			r.MACAddress = id.String()
		}
	}

	a.metrics.ObserveReading(r.Temperature, r.Pressure)
	return r, nil
}

// shutdown closes the broker session. It runs after ctx may already be
// cancelled, so it gets its own deadline.
func (a *App) shutdown(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.session.Close(closeCtx); err != nil {
		a.logger.Warn("mqtt close", "error", err)
	}
}
