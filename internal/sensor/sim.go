package sensor

import (
	"context"
	"sync"
)

// Sim replays a fixed cycle of temperatures. It is used by the sim
// driver and by tests.
type Sim struct {
	mu           sync.Mutex
	temperatures []float64
	pressure     float64
	next         int

	// InitErr, when set, is returned by Init.
	InitErr error
}

// NewSim returns a sensor that reports temperatures in order, wrapping
// around at the end, and a constant pressure in pascals.
func NewSim(temperatures []float64, pressure float64) *Sim {
	if len(temperatures) == 0 {
		temperatures = []float64{21.0}
	}
	return &Sim{temperatures: temperatures, pressure: pressure}
}

// Init implements [Sensor].
func (s *Sim) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InitErr
}

// ReadTemperature implements [Sensor]. A Sim whose Init failed keeps
// answering, as a bare sensor with no handshake would.
func (s *Sim) ReadTemperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.temperatures[s.next%len(s.temperatures)]
	s.next++
	return v, nil
}

// ReadPressure implements [Sensor].
func (s *Sim) ReadPressure() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure, nil
}
