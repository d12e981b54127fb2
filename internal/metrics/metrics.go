// Package metrics exposes the device's counters and health over HTTP.
//
// A [Collector] implements the observer interfaces of the wifi and
// mqtt packages, so the connection manager and session report into it
// directly. Every method is safe on a nil *Collector, which keeps
// metrics optional for callers.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorlink"

// Link states tracked by the link_state gauge.
var linkStates = []string{"disconnected", "attaching", "attached"}

// Collector bundles the device metrics and the state behind /healthz.
type Collector struct {
	gatherer prometheus.Gatherer

	AttachAttempts *prometheus.CounterVec
	LinkState      *prometheus.GaugeVec
	Registrations  *prometheus.CounterVec
	BrokerConnects *prometheus.CounterVec
	Publishes      *prometheus.CounterVec
	Cycles         prometheus.Counter
	Temperature    prometheus.Gauge
	Pressure       prometheus.Gauge

	mu          sync.Mutex
	state       string
	lastPublish time.Time
	lastErr     string
	brokerUp    bool
}

// New registers the device metrics against reg, defaulting to the
// global registry when nil. Registering twice against the same
// registry reuses the existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	attempts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wifi_attach_polls_total",
		Help:      "Link status polls during attach, labeled by auth mode and whether the link was up.",
	}, []string{"mode", "result"}))
	if err != nil {
		return nil, err
	}
	linkState, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wifi_link_state",
		Help:      "1 for the current wireless attachment state, 0 otherwise.",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}
	registrations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Device registration attempts, labeled by result.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	connects, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_connects_total",
		Help:      "Broker connection attempts, labeled by result.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	publishes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_publishes_total",
		Help:      "Reading publishes, labeled by result.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	cycles, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Application loop cycles run.",
	}))
	if err != nil {
		return nil, err
	}
	temperature, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "temperature_celsius",
		Help:      "Last temperature read from the sensor.",
	}))
	if err != nil {
		return nil, err
	}
	pressure, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pressure_pascals",
		Help:      "Last pressure read from the sensor.",
	}))
	if err != nil {
		return nil, err
	}

	c := &Collector{
		gatherer:       gatherer,
		AttachAttempts: attempts,
		LinkState:      linkState,
		Registrations:  registrations,
		BrokerConnects: connects,
		Publishes:      publishes,
		Cycles:         cycles,
		Temperature:    temperature,
		Pressure:       pressure,
	}
	c.ObserveState("disconnected")
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveAttachAttempt records one status poll during attach.
func (c *Collector) ObserveAttachAttempt(mode string, connected bool) {
	if c == nil {
		return
	}
	result := "down"
	if connected {
		result = "up"
	}
	c.AttachAttempts.WithLabelValues(mode, result).Inc()
}

// ObserveState records the current attachment state.
func (c *Collector) ObserveState(state string) {
	if c == nil {
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.LinkState.WithLabelValues(s).Set(v)
	}
	c.mu.Lock()
	c.state = state
	if state != "attached" {
		c.brokerUp = false
	}
	c.mu.Unlock()
}

// ObserveRegistration records a registration outcome.
func (c *Collector) ObserveRegistration(err error) {
	if c == nil {
		return
	}
	c.Registrations.WithLabelValues(result(err)).Inc()
}

// ObserveBrokerConnect records a broker connect outcome.
func (c *Collector) ObserveBrokerConnect(err error) {
	if c == nil {
		return
	}
	c.BrokerConnects.WithLabelValues(result(err)).Inc()
	c.mu.Lock()
	c.brokerUp = err == nil
	c.mu.Unlock()
}

// ObservePublish records a reading publish outcome.
func (c *Collector) ObservePublish(err error) {
	if c == nil {
		return
	}
	c.Publishes.WithLabelValues(result(err)).Inc()
	c.mu.Lock()
	if err == nil {
		c.lastPublish = time.Now()
		c.lastErr = ""
	} else {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
}

// ObserveCycle counts one application loop cycle.
func (c *Collector) ObserveCycle() {
	if c == nil {
		return
	}
	c.Cycles.Inc()
}

// ObserveReading records the latest sensor values. pressure is nil
// when it was not read.
func (c *Collector) ObserveReading(temperature float64, pressure *float64) {
	if c == nil {
		return
	}
	c.Temperature.Set(temperature)
	if pressure != nil {
		c.Pressure.Set(*pressure)
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return g, nil
}
