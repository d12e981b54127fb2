package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/sensorlink/internal/defaults"
)

const minimalYAML = "wifi:\n  ssid: lab\n  passphrase: hunter2\nmqtt:\n  topic_prefix: ece140/dev1\n"

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte(minimalYAML), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(minimalYAML), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(minimalYAML), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"wifi.driver", cfg.WiFi.Driver, DriverWPA},
		{"wifi.interface", cfg.WiFi.Interface, "wlan0"},
		{"wifi.auth", cfg.WiFi.Auth, AuthPreShared},
		{"registration.url", cfg.Registration.URL, "http://localhost:8000/api/register_device"},
		{"mqtt.broker", cfg.MQTT.Broker, "mqtt://broker.emqx.io:1883"},
		{"app.publish_interval_sec", cfg.App.PublishIntervalSec, 2},
		{"app.topic_suffix", cfg.App.TopicSuffix, "readings"},
		{"sensor.driver", cfg.Sensor.Driver, DriverIIO},
		{"log_format", cfg.LogFormat, "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("wifi:\n  ssid: lab\n  passphrase: ${SENSORLINK_TEST_PSK}\nmqtt:\n  topic_prefix: p\n"), 0600)
	t.Setenv("SENSORLINK_TEST_PSK", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WiFi.Passphrase != "secret123" {
		t.Errorf("passphrase = %q, want %q", cfg.WiFi.Passphrase, "secret123")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid psk", func(c *Config) {}, ""},
		{"valid enterprise", func(c *Config) {
			c.WiFi.Auth = AuthEnterprise
			c.WiFi.Passphrase = ""
			c.WiFi.Username = "jdoe"
			c.WiFi.Password = "pw"
			c.WiFi.DNSOverride = "8.8.8.8"
		}, ""},
		{"missing ssid", func(c *Config) { c.WiFi.SSID = "" }, "wifi.ssid"},
		{"unknown auth", func(c *Config) { c.WiFi.Auth = "wep" }, "wifi.auth"},
		{"enterprise without password", func(c *Config) {
			c.WiFi.Auth = AuthEnterprise
			c.WiFi.Passphrase = ""
			c.WiFi.Username = "jdoe"
		}, "wifi.username and wifi.password"},
		{"both credential variants", func(c *Config) {
			c.WiFi.Auth = AuthEnterprise
			c.WiFi.Username = "jdoe"
			c.WiFi.Password = "pw"
		}, "wifi.passphrase"},
		{"bad dns override", func(c *Config) {
			c.WiFi.Auth = AuthEnterprise
			c.WiFi.Passphrase = ""
			c.WiFi.Username = "jdoe"
			c.WiFi.Password = "pw"
			c.WiFi.DNSOverride = "dns.google"
		}, "not an IP address"},
		{"dns override with psk", func(c *Config) { c.WiFi.DNSOverride = "1.1.1.1" }, "only valid with auth: enterprise"},
		{"dns override disabled", func(c *Config) { c.WiFi.DNSOverride = DNSOverrideNone }, ""},
		{"shrinking backoff", func(c *Config) { c.WiFi.Attach.BackoffMultiplier = 0.5 }, "backoff_multiplier"},
		{"bad registration url", func(c *Config) { c.Registration.URL = "ftp://x" }, "registration.url"},
		{"negative dial retries", func(c *Config) { c.Registration.DialRetries = -1 }, "dial_retries"},
		{"registration disabled ignores url", func(c *Config) {
			c.Registration.Disabled = true
			c.Registration.URL = "::"
		}, ""},
		{"bad broker scheme", func(c *Config) { c.MQTT.Broker = "http://broker:1883" }, "unsupported scheme"},
		{"mdns broker", func(c *Config) { c.MQTT.Broker = BrokerMDNS }, ""},
		{"missing topic prefix", func(c *Config) { c.MQTT.TopicPrefix = "" }, "topic_prefix"},
		{"keepalive too long", func(c *Config) { c.MQTT.KeepAliveSec = 70000 }, "keepalive_sec"},
		{"keepalive at limit", func(c *Config) { c.MQTT.KeepAliveSec = 65535 }, ""},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad sensor driver", func(c *Config) { c.Sensor.Driver = "bmp085" }, "sensor.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.WiFi.SSID = "lab"
			cfg.WiFi.Passphrase = "hunter2"
			cfg.MQTT.TopicPrefix = "ece140/dev1"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_BundledExample(t *testing.T) {
	t.Setenv("SENSORLINK_SSID", "lab")
	t.Setenv("SENSORLINK_PASSPHRASE", "hunter2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if cfg.WiFi.SSID != "lab" || cfg.WiFi.Passphrase != "hunter2" {
		t.Errorf("wifi credentials not expanded: ssid=%q", cfg.WiFi.SSID)
	}
	if cfg.Metrics.Configured() {
		t.Error("example config should leave the metrics listener off")
	}
}

func TestApplyDefaults_EnterpriseDNS(t *testing.T) {
	tests := []struct {
		name     string
		auth     string
		override string
		want     string
	}{
		{"enterprise default", AuthEnterprise, "", DefaultEnterpriseDNS},
		{"enterprise explicit", AuthEnterprise, "1.1.1.1", "1.1.1.1"},
		{"enterprise disabled", AuthEnterprise, DNSOverrideNone, ""},
		{"psk has none", AuthPreShared, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{WiFi: WiFiConfig{Auth: tt.auth, DNSOverride: tt.override}}
			cfg.ApplyDefaults()
			if got := cfg.WiFi.ResolverOverride(); got != tt.want {
				t.Errorf("ResolverOverride() = %q, want %q", got, tt.want)
			}
		})
	}
}
