// Sensorlink is a sensor node agent. It attaches the device to a
// wireless network (WPA2-PSK or WPA2-Enterprise), registers the
// device's hardware address with a provisioning endpoint, and
// publishes sensor readings to an MQTT broker on a fixed interval.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	sensorlink run              Attach, connect and publish until stopped
//	sensorlink register         Attach and register once, then exit
//	sensorlink identity         Print the interface hardware address
//	sensorlink init [dir]       Write an example config.yaml
//	sensorlink version          Print version and build information
//	sensorlink -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/sensorlink/internal/app"
	"github.com/nugget/sensorlink/internal/buildinfo"
	"github.com/nugget/sensorlink/internal/config"
	"github.com/nugget/sensorlink/internal/connwatch"
	"github.com/nugget/sensorlink/internal/httpkit"
	"github.com/nugget/sensorlink/internal/metrics"
	"github.com/nugget/sensorlink/internal/mqtt"
	"github.com/nugget/sensorlink/internal/registrar"
	"github.com/nugget/sensorlink/internal/sensor"
	"github.com/nugget/sensorlink/internal/wifi"
)

// simMAC is the hardware address reported by the sim driver. It is a
// locally administered unicast address.
const simMAC = "02:00:5e:10:00:01"

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point for the sensorlink command. Structured
// logs go to stdout; command output (version, identity) also goes to
// stdout. args is os.Args[1:]. Arguments are parsed by hand because the
// flag package's global state gets in the way of calling run from
// parallel tests.
//
// run returns nil on clean shutdown, including cancellation of ctx.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runAgent(ctx, stdout, configPath)
	case "register":
		return runRegister(ctx, stdout, configPath, outputFmt)
	case "identity":
		return runIdentity(stdout, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sensorlink - wireless sensor node agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sensorlink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Attach, connect and publish readings until stopped")
	fmt.Fprintln(w, "  register     Attach and register the device once")
	fmt.Fprintln(w, "  identity     Print the interface hardware address")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/sensorlink/config.yaml, /etc/sensorlink/config.yaml")
	return nil
}

// runAgent handles "sensorlink run". It wires the connection manager,
// registrar, broker session, sensor and metrics into an [app.App] and
// runs it until ctx is cancelled.
func runAgent(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting sensorlink", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)

	logger.Info("config loaded",
		"path", cfgPath,
		"ssid", cfg.WiFi.SSID,
		"auth", cfg.WiFi.Auth,
		"wifi_driver", cfg.WiFi.Driver,
		"sensor_driver", cfg.Sensor.Driver,
		"broker", cfg.MQTT.Broker,
	)

	collector, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	mgr, _, err := newManager(cfg, collector, true, logger)
	if err != nil {
		return err
	}

	clientID, err := mqtt.ClientID(cfg.MQTT.ClientID, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("mqtt client id: %w", err)
	}

	discoverer := mqtt.NewDiscoverer(cfg.WiFi.Interface, seconds(cfg.MQTT.DiscoveryTimeoutSec), logger.With("component", "mdns"))
	session := mqtt.NewSession(mgr, mqtt.Options{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       clientID,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		KeepAlive:      seconds(cfg.MQTT.KeepAliveSec),
		ConnectTimeout: seconds(cfg.MQTT.ConnectTimeoutSec),
		PublishTimeout: seconds(cfg.MQTT.PublishTimeoutSec),
		QoS:            cfg.MQTT.QoS,
		Discover:       discoverer.Discover,
		Resolver:       mgr.Resolver(),
		Observer:       collector,
		Logger:         logger.With("component", "mqtt"),
	})

	sens, err := newSensor(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Configured() {
		srv := metrics.NewServer(cfg.Metrics.Listen, collector, logger.With("component", "metrics"))
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	a := app.New(mgr, session, sens, collector, app.Options{
		Credentials:             credentials(cfg.WiFi),
		Interval:                seconds(cfg.App.PublishIntervalSec),
		TopicSuffix:             cfg.App.TopicSuffix,
		HaltOnSensorInitFailure: cfg.Sensor.HaltOnInitFailure,
		IncludePressure:         cfg.App.IncludePressure,
		OmitMACAddress:          cfg.App.OmitMACAddress,
		MaxCycles:               cfg.App.MaxCycles,
		Logger:                  logger.With("component", "app"),
	})

	// An attach interrupted by shutdown is not a failure.
	err = a.Run(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, app.ErrSensorHalted) {
		err = nil
	}
	if err != nil {
		return err
	}
	logger.Info("sensorlink stopped")
	return nil
}

// runRegister handles "sensorlink register": attach, then call the
// registration endpoint once and report the outcome. Unlike run, a
// registration failure is an error here.
func runRegister(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	if outputFmt == "json" {
		logger = newLogger(io.Discard, slog.LevelInfo, "text")
	}

	mgr, client, err := newManager(cfg, nil, false, logger)
	if err != nil {
		return err
	}

	if _, err := mgr.Attach(ctx, credentials(cfg.WiFi)); err != nil {
		return err
	}
	id, err := mgr.CurrentIdentity()
	if err != nil {
		return err
	}
	if err := client.Register(ctx, id); err != nil {
		return err
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]string{
			"mac_address": id.String(),
			"url":         client.URL(),
			"status":      "registered",
		})
	}
	fmt.Fprintf(stdout, "registered %s with %s\n", id, client.URL())
	return nil
}

// runIdentity handles "sensorlink identity". It reads the hardware
// address from the configured driver without attaching.
func runIdentity(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	driver, err := newDriver(cfg.WiFi, newLogger(io.Discard, slog.LevelInfo, "text"))
	if err != nil {
		return err
	}
	hw, err := driver.HardwareAddr()
	if err != nil {
		return fmt.Errorf("read hardware address: %w", err)
	}
	id, err := wifi.FromNet(hw)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]string{
			"interface":   cfg.WiFi.Interface,
			"mac_address": id.String(),
		})
	}
	fmt.Fprintln(stdout, id)
	return nil
}

// newManager builds the connection manager and the registration
// client. The registration client resolves through the manager's
// resolver so a DNS override applies to it. When autoRegister is set
// the manager registers after every attach; observer may be nil.
func newManager(cfg *config.Config, observer *metrics.Collector, autoRegister bool, logger *slog.Logger) (*wifi.Manager, *registrar.Client, error) {
	driver, err := newDriver(cfg.WiFi, logger.With("component", "wpa"))
	if err != nil {
		return nil, nil, err
	}

	late := &lateRegistrar{}
	opts := wifi.Options{
		DNSOverride:      cfg.WiFi.ResolverOverride(),
		PreSharedPolicy:  attachPolicy(cfg.WiFi.Attach, wifi.DefaultPreSharedInterval),
		EnterprisePolicy: attachPolicy(cfg.WiFi.Attach, wifi.DefaultEnterpriseInterval),
		Logger:           logger.With("component", "wifi"),
	}
	if autoRegister && !cfg.Registration.Disabled {
		opts.Registrar = late
	}
	if observer != nil {
		opts.Observer = observer
	}
	mgr := wifi.NewManager(driver, opts)

	client := registrar.New(cfg.Registration.URL, httpkit.NewClient(
		httpkit.WithTimeout(seconds(cfg.Registration.TimeoutSec)),
		httpkit.WithDisableKeepAlives(),
		httpkit.WithResolver(mgr.Resolver()),
		httpkit.WithRetry(cfg.Registration.DialRetries, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	), logger.With("component", "registrar"))
	late.client = client

	return mgr, client, nil
}

// lateRegistrar lets the manager hold a registrar whose HTTP client is
// built from the manager's own resolver.
type lateRegistrar struct {
	client *registrar.Client
}

func (r *lateRegistrar) Register(ctx context.Context, id wifi.HardwareAddr) error {
	return r.client.Register(ctx, id)
}

func newDriver(c config.WiFiConfig, logger *slog.Logger) (wifi.Driver, error) {
	switch c.Driver {
	case config.DriverSim:
		mac, err := net.ParseMAC(simMAC)
		if err != nil {
			return nil, err
		}
		return wifi.NewSimDriver(mac, c.SimConnectAfter), nil
	case config.DriverWPA:
		return wifi.NewWPADriver(c.Interface, nil, logger), nil
	default:
		return nil, fmt.Errorf("unknown wifi driver %q", c.Driver)
	}
}

func newSensor(cfg *config.Config, logger *slog.Logger) (sensor.Sensor, error) {
	switch cfg.Sensor.Driver {
	case config.DriverSim:
		return sensor.NewSim(cfg.Sensor.SimTemperatures, cfg.Sensor.SimPressure), nil
	case config.DriverIIO:
		return sensor.NewIIO(cfg.Sensor.IIOPath, logger.With("component", "sensor")), nil
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", cfg.Sensor.Driver)
	}
}

func credentials(c config.WiFiConfig) wifi.Credentials {
	if c.Auth == config.AuthEnterprise {
		return wifi.EnterpriseIdentity{SSID: c.SSID, Username: c.Username, Password: c.Password}
	}
	return wifi.PreSharedKey{SSID: c.SSID, Passphrase: c.Passphrase}
}

// attachPolicy maps the attach config onto a poll policy. def is the
// per-mode interval used when none is configured.
func attachPolicy(a config.AttachConfig, def time.Duration) connwatch.Policy {
	p := connwatch.FixedPolicy(def)
	if a.PollIntervalMs > 0 {
		p.Interval = time.Duration(a.PollIntervalMs) * time.Millisecond
	}
	p.Multiplier = a.BackoffMultiplier
	p.MaxDelay = time.Duration(a.MaxDelayMs) * time.Millisecond
	p.MaxAttempts = a.MaxAttempts
	p.Timeout = seconds(a.TimeoutSec)
	return p
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger applies the config's level and format. The level
// was already checked by [config.Config.Validate].
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
