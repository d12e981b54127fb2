// Package config handles sensorlink configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Network authentication modes accepted by [WiFiConfig.Auth].
const (
	AuthPreShared  = "psk"
	AuthEnterprise = "enterprise"
)

// Driver names accepted by [WiFiConfig.Driver] and [SensorConfig.Driver].
const (
	DriverWPA = "wpa_cli"
	DriverSim = "sim"
	DriverIIO = "iio"
)

// BrokerMDNS selects mDNS discovery instead of a fixed broker URL.
const BrokerMDNS = "mdns"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sensorlink/config.yaml, /etc/sensorlink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sensorlink", "config.yaml"))
	}

	paths = append(paths, "/etc/sensorlink/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all sensorlink configuration.
type Config struct {
	WiFi         WiFiConfig         `yaml:"wifi"`
	Registration RegistrationConfig `yaml:"registration"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Sensor       SensorConfig       `yaml:"sensor"`
	App          AppConfig          `yaml:"app"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text (default) or json
}

// WiFiConfig defines how the device attaches to the wireless network.
// Secrets are normally supplied through ${VAR} expansion.
type WiFiConfig struct {
	Driver    string `yaml:"driver"`    // wpa_cli (default) or sim
	Interface string `yaml:"interface"` // default wlan0
	Auth      string `yaml:"auth"`      // psk (default) or enterprise
	SSID      string `yaml:"ssid"`

	// Passphrase is the pre-shared key for Auth == "psk".
	Passphrase string `yaml:"passphrase"`

	// Username and Password are the 802.1X credentials for
	// Auth == "enterprise". Username doubles as the EAP identity.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DNSOverride replaces the DHCP-supplied resolver after an
	// enterprise attach. It defaults to 8.8.8.8 for auth: enterprise;
	// "none" keeps the DHCP resolver.
	DNSOverride string `yaml:"dns_override"`

	Attach AttachConfig `yaml:"attach"`

	// SimConnectAfter is the number of status polls the sim driver
	// reports before the link comes up.
	SimConnectAfter int `yaml:"sim_connect_after"`
}

// DNSOverrideNone disables the enterprise resolver override.
const DNSOverrideNone = "none"

// DefaultEnterpriseDNS is the resolver installed after an enterprise
// attach unless configured otherwise.
const DefaultEnterpriseDNS = "8.8.8.8"

// ResolverOverride returns the resolver address to install after
// attach, or "" for none.
func (c WiFiConfig) ResolverOverride() string {
	if c.DNSOverride == DNSOverrideNone {
		return ""
	}
	return c.DNSOverride
}

// AttachConfig is the attach polling policy. The zero value of
// MaxAttempts and TimeoutSec means poll until the link comes up.
type AttachConfig struct {
	// PollIntervalMs overrides the per-mode default (1000 for psk,
	// 500 for enterprise).
	PollIntervalMs    int     `yaml:"poll_interval_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	MaxAttempts       int     `yaml:"max_attempts"`
	TimeoutSec        int     `yaml:"timeout_sec"`
}

// RegistrationConfig defines the one-shot device registration call.
type RegistrationConfig struct {
	Disabled   bool   `yaml:"disabled"`
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`

	// DialRetries retries the POST when the dial itself fails
	// (host or network unreachable, connection refused), which is
	// common while ARP settles right after attach. The request is
	// never resent once it reached the server.
	DialRetries int `yaml:"dial_retries"`
}

// MQTTConfig defines the broker session.
type MQTTConfig struct {
	// Broker is a URL such as mqtt://host:1883 or mqtts://host:8883,
	// or "mdns" to browse for an _mqtt._tcp service once attached.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientID defaults to sensorlink-<instance id>.
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`

	KeepAliveSec      int  `yaml:"keepalive_sec"`
	ConnectTimeoutSec int  `yaml:"connect_timeout_sec"`
	PublishTimeoutSec int  `yaml:"publish_timeout_sec"`
	QoS               byte `yaml:"qos"`

	// DiscoveryTimeoutSec bounds the mDNS browse when Broker is "mdns".
	DiscoveryTimeoutSec int `yaml:"discovery_timeout_sec"`
}

// SensorConfig selects the sensor backend.
type SensorConfig struct {
	Driver string `yaml:"driver"` // iio (default) or sim

	// IIOPath is the sysfs directory of the IIO device, for example
	// /sys/bus/iio/devices/iio:device0.
	IIOPath string `yaml:"iio_path"`

	// SimTemperatures is the cycle of values the sim driver reports.
	SimTemperatures []float64 `yaml:"sim_temperatures"`
	SimPressure     float64   `yaml:"sim_pressure"`

	// HaltOnInitFailure stops the device (idle until shutdown) when
	// the sensor fails to initialize. When false the failure is
	// logged and the loop runs anyway.
	HaltOnInitFailure bool `yaml:"halt_on_init_failure"`
}

// AppConfig defines the publish cycle.
type AppConfig struct {
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
	TopicSuffix        string `yaml:"topic_suffix"`
	IncludePressure    bool   `yaml:"include_pressure"`
	OmitMACAddress     bool   `yaml:"omit_mac_address"`

	// MaxCycles stops the loop after this many cycles. Zero runs forever.
	MaxCycles int `yaml:"max_cycles"`
}

// MetricsConfig defines the optional Prometheus/health listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9102"; empty disables
}

// Configured reports whether the metrics listener is enabled.
func (c MetricsConfig) Configured() bool {
	return c.Listen != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration. It validates only once
// the SSID and topic prefix are filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/sensorlink"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.WiFi.Driver == "" {
		c.WiFi.Driver = DriverWPA
	}
	if c.WiFi.Interface == "" {
		c.WiFi.Interface = "wlan0"
	}
	if c.WiFi.Auth == "" {
		c.WiFi.Auth = AuthPreShared
	}
	if c.WiFi.Auth == AuthEnterprise && c.WiFi.DNSOverride == "" {
		c.WiFi.DNSOverride = DefaultEnterpriseDNS
	}

	if c.Registration.URL == "" {
		c.Registration.URL = "http://localhost:8000/api/register_device"
	}
	if c.Registration.TimeoutSec <= 0 {
		c.Registration.TimeoutSec = 10
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "mqtt://broker.emqx.io:1883"
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = 15
	}
	if c.MQTT.ConnectTimeoutSec <= 0 {
		c.MQTT.ConnectTimeoutSec = 10
	}
	if c.MQTT.PublishTimeoutSec <= 0 {
		c.MQTT.PublishTimeoutSec = 5
	}
	if c.MQTT.DiscoveryTimeoutSec <= 0 {
		c.MQTT.DiscoveryTimeoutSec = 5
	}

	if c.Sensor.Driver == "" {
		c.Sensor.Driver = DriverIIO
	}
	if c.Sensor.IIOPath == "" {
		c.Sensor.IIOPath = "/sys/bus/iio/devices/iio:device0"
	}

	if c.App.PublishIntervalSec <= 0 {
		c.App.PublishIntervalSec = 2
	}
	if c.App.TopicSuffix == "" {
		c.App.TopicSuffix = "readings"
	}
}

// Validate reports the first configuration problem found, if any.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q: expected text or json", c.LogFormat)
	}

	switch c.WiFi.Driver {
	case DriverWPA, DriverSim:
	default:
		return fmt.Errorf("wifi.driver %q: expected %s or %s", c.WiFi.Driver, DriverWPA, DriverSim)
	}
	if c.WiFi.SSID == "" {
		return errors.New("wifi.ssid is required")
	}
	switch c.WiFi.Auth {
	case AuthPreShared:
		if c.WiFi.Username != "" {
			return errors.New("wifi.username is only valid with auth: enterprise")
		}
		if c.WiFi.ResolverOverride() != "" {
			return errors.New("wifi.dns_override is only valid with auth: enterprise")
		}
	case AuthEnterprise:
		if c.WiFi.Username == "" || c.WiFi.Password == "" {
			return errors.New("wifi.username and wifi.password are required for auth: enterprise")
		}
		if c.WiFi.Passphrase != "" {
			return errors.New("wifi.passphrase is only valid with auth: psk")
		}
	default:
		return fmt.Errorf("wifi.auth %q: expected %s or %s", c.WiFi.Auth, AuthPreShared, AuthEnterprise)
	}
	if o := c.WiFi.ResolverOverride(); o != "" && net.ParseIP(o) == nil {
		return fmt.Errorf("wifi.dns_override %q is not an IP address", c.WiFi.DNSOverride)
	}
	a := c.WiFi.Attach
	if a.PollIntervalMs < 0 || a.MaxDelayMs < 0 || a.MaxAttempts < 0 || a.TimeoutSec < 0 {
		return errors.New("wifi.attach values must not be negative")
	}
	if a.BackoffMultiplier != 0 && a.BackoffMultiplier < 1 {
		return fmt.Errorf("wifi.attach.backoff_multiplier %v must be >= 1", a.BackoffMultiplier)
	}

	if c.Registration.DialRetries < 0 {
		return errors.New("registration.dial_retries must not be negative")
	}
	if !c.Registration.Disabled {
		u, err := url.Parse(c.Registration.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("registration.url %q is not an http(s) URL", c.Registration.URL)
		}
	}

	if c.MQTT.Broker != BrokerMDNS {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("mqtt.broker %q is not a URL", c.MQTT.Broker)
		}
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
		default:
			return fmt.Errorf("mqtt.broker %q: unsupported scheme %q", c.MQTT.Broker, u.Scheme)
		}
	}
	if c.MQTT.TopicPrefix == "" {
		return errors.New("mqtt.topic_prefix is required")
	}
	if c.MQTT.KeepAliveSec > math.MaxUint16 {
		return fmt.Errorf("mqtt.keepalive_sec %d: must be at most %d", c.MQTT.KeepAliveSec, math.MaxUint16)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d: expected 0, 1 or 2", c.MQTT.QoS)
	}

	switch c.Sensor.Driver {
	case DriverIIO, DriverSim:
	default:
		return fmt.Errorf("sensor.driver %q: expected %s or %s", c.Sensor.Driver, DriverIIO, DriverSim)
	}

	if c.App.MaxCycles < 0 {
		return errors.New("app.max_cycles must not be negative")
	}

	return nil
}
