package metrics

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestCollector_Counters(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveAttachAttempt("psk", false)
	c.ObserveAttachAttempt("psk", false)
	c.ObserveAttachAttempt("psk", true)
	c.ObserveRegistration(errors.New("registration status 503"))
	c.ObserveBrokerConnect(nil)
	c.ObservePublish(nil)
	c.ObservePublish(errors.New("mqtt: not connected"))
	c.ObserveCycle()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"attach down", testutil.ToFloat64(c.AttachAttempts.WithLabelValues("psk", "down")), 2},
		{"attach up", testutil.ToFloat64(c.AttachAttempts.WithLabelValues("psk", "up")), 1},
		{"registration error", testutil.ToFloat64(c.Registrations.WithLabelValues("error")), 1},
		{"connect ok", testutil.ToFloat64(c.BrokerConnects.WithLabelValues("ok")), 1},
		{"publish ok", testutil.ToFloat64(c.Publishes.WithLabelValues("ok")), 1},
		{"publish error", testutil.ToFloat64(c.Publishes.WithLabelValues("error")), 1},
		{"cycles", testutil.ToFloat64(c.Cycles), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestCollector_LinkStateGauge(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveState("attaching")
	c.ObserveState("attached")

	for state, want := range map[string]float64{"disconnected": 0, "attaching": 0, "attached": 1} {
		if got := testutil.ToFloat64(c.LinkState.WithLabelValues(state)); got != want {
			t.Errorf("link_state{%s} = %v, want %v", state, got, want)
		}
	}
}

func TestCollector_ReadingGauges(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveReading(21.5, nil)
	if got := testutil.ToFloat64(c.Temperature); got != 21.5 {
		t.Errorf("temperature = %v", got)
	}
	p := 101325.0
	c.ObserveReading(22, &p)
	if got := testutil.ToFloat64(c.Pressure); got != p {
		t.Errorf("pressure = %v", got)
	}
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	second.ObserveCycle()
	if got := testutil.ToFloat64(first.Cycles); got != 1 {
		t.Errorf("shared cycles counter = %v, want 1", got)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.ObserveAttachAttempt("psk", true)
	c.ObserveState("attached")
	c.ObserveRegistration(nil)
	c.ObserveBrokerConnect(nil)
	c.ObservePublish(nil)
	c.ObserveCycle()
	c.ObserveReading(1, nil)
	if h := c.Health(); h.Status != "degraded" {
		t.Errorf("nil Health().Status = %q", h.Status)
	}
}

func TestServer_Routes(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveCycle()
	srv := httptest.NewServer(NewServer("127.0.0.1:0", c, nil).Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	var body strings.Builder
	_, _ = io.Copy(&body, resp.Body)
	resp.Body.Close()
	if !strings.Contains(body.String(), "sensorlink_cycles_total 1") {
		t.Errorf("/metrics missing cycles counter:\n%s", body.String())
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/healthz status = %d before attach, want 503", resp.StatusCode)
	}

	c.ObserveState("attached")
	c.ObserveBrokerConnect(nil)
	c.ObservePublish(nil)

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.StatusCode != http.StatusOK || h.Status != "ok" || h.LinkState != "attached" || !h.BrokerConnected {
		t.Errorf("/healthz = %d %+v", resp.StatusCode, h)
	}
	if h.LastPublish == nil {
		t.Error("last_publish not reported")
	}
}

func TestHealth_LinkLossClearsBroker(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveState("attached")
	c.ObserveBrokerConnect(nil)
	c.ObserveState("disconnected")

	h := c.Health()
	if h.Status != "degraded" || h.BrokerConnected {
		t.Errorf("Health() after link loss = %+v", h)
	}
}
