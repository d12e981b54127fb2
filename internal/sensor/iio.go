package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// DefaultIIOPath is the first IIO device on most boards.
const DefaultIIOPath = "/sys/bus/iio/devices/iio:device0"

// IIO reads a barometric sensor (BMP085, BMP180, BMP280 and friends)
// through the Linux Industrial I/O sysfs interface.
//
// Processed channels are preferred: in_temp_input is in milli degrees
// Celsius and in_pressure_input in kilopascals. When a driver only
// exposes raw channels the value is raw plus offset, times scale, in
// the same units.
type IIO struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
	name  string
}

// NewIIO returns a sensor for the IIO device directory dir.
func NewIIO(dir string, logger *slog.Logger) *IIO {
	if dir == "" {
		dir = DefaultIIOPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IIO{dir: dir, logger: logger}
}

// Init checks that the device exists and produces a temperature.
func (s *IIO) Init(ctx context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("iio device %s: %w", s.dir, err)
	}

	name, err := readString(filepath.Join(s.dir, "name"))
	if err != nil {
		name = "unknown"
	}

	if _, err := s.channel("temp", 0.001); err != nil {
		return fmt.Errorf("iio device %s (%s): %w", s.dir, name, err)
	}

	s.mu.Lock()
	s.ready, s.name = true, name
	s.mu.Unlock()

	s.logger.Info("sensor initialized", "driver", "iio", "device", name, "path", s.dir)
	return nil
}

// Name returns the kernel driver name read at Init.
func (s *IIO) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// ReadTemperature returns degrees Celsius.
func (s *IIO) ReadTemperature() (float64, error) {
	if !s.isReady() {
		return 0, ErrNotInitialized
	}
	return s.channel("temp", 0.001)
}

// ReadPressure returns pascals.
func (s *IIO) ReadPressure() (float64, error) {
	if !s.isReady() {
		return 0, ErrNotInitialized
	}
	return s.channel("pressure", 1000)
}

func (s *IIO) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// channel reads in_<ch>_input, falling back to raw/offset/scale, and
// multiplies by unit to convert to the caller's unit.
func (s *IIO) channel(ch string, unit float64) (float64, error) {
	v, err := readFloat(filepath.Join(s.dir, "in_"+ch+"_input"))
	if err == nil {
		return v * unit, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	raw, err := readFloat(filepath.Join(s.dir, "in_"+ch+"_raw"))
	if err != nil {
		return 0, err
	}
	offset, err := readFloat(filepath.Join(s.dir, "in_"+ch+"_offset"))
	if err != nil {
		offset = 0
	}
	scale, err := readFloat(filepath.Join(s.dir, "in_"+ch+"_scale"))
	if err != nil {
		scale = 1
	}
	return (raw + offset) * scale * unit, nil
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readFloat(path string) (float64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return v, nil
}
