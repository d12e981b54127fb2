// Package sensor reads environmental values from the board and shapes
// them into the JSON reading published each cycle.
package sensor

import (
	"context"
	"errors"
)

// ErrNotInitialized is returned by reads before a successful Init.
var ErrNotInitialized = errors.New("sensor not initialized")

// Sensor is a temperature and pressure source.
type Sensor interface {
	// Init probes the device. A failure means reads will fail too.
	Init(ctx context.Context) error

	// ReadTemperature returns degrees Celsius.
	ReadTemperature() (float64, error)

	// ReadPressure returns pascals.
	ReadPressure() (float64, error)
}

// Reading is the JSON payload for one publish cycle. The field set is
// producer-defined: pressure and mac_address are omitted when unset.
type Reading struct {
	Temperature float64  `json:"temperature"`
	Pressure    *float64 `json:"pressure,omitempty"`
	MACAddress  string   `json:"mac_address,omitempty"`
}

// WithPressure returns r with the pressure field set.
func (r Reading) WithPressure(pa float64) Reading {
	r.Pressure = &pa
	return r
}
