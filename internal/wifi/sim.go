package wifi

import (
	"context"
	"net"
	"sync"
)

// SimDriver is an in-memory [Driver] for bench runs without a radio.
// After Begin, the first ConnectAfter status polls report the link as
// down and later polls report it up. Drop simulates link loss.
type SimDriver struct {
	mu           sync.Mutex
	mac          net.HardwareAddr
	connectAfter int

	begun      bool
	connected  bool
	polls      int
	ssid       string
	enterprise *EnterpriseIdentity
	calls      []string

	// BeginErr, when set, is returned by Begin. With BeginFailures > 0
	// only that many calls fail and later calls succeed.
	BeginErr      error
	BeginFailures int
}

// NewSimDriver returns a driver with the given MAC that connects on
// poll connectAfter+1.
func NewSimDriver(mac net.HardwareAddr, connectAfter int) *SimDriver {
	return &SimDriver{mac: mac, connectAfter: connectAfter}
}

func (s *SimDriver) record(call string) {
	s.calls = append(s.calls, call)
}

// Disconnect implements [Driver].
func (s *SimDriver) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("disconnect")
	s.begun, s.connected, s.polls = false, false, 0
	s.enterprise = nil
	return nil
}

// SetStationMode implements [Driver].
func (s *SimDriver) SetStationMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("station")
	return nil
}

// ConfigureEnterprise implements [Driver].
func (s *SimDriver) ConfigureEnterprise(ctx context.Context, id EnterpriseIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("enterprise")
	s.enterprise = &id
	return nil
}

// Begin implements [Driver].
func (s *SimDriver) Begin(ctx context.Context, ssid, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("begin")
	if s.BeginErr != nil {
		if s.BeginFailures == 0 {
			return s.BeginErr
		}
		s.BeginFailures--
		err := s.BeginErr
		if s.BeginFailures == 0 {
			s.BeginErr = nil
		}
		return err
	}
	s.begun, s.connected, s.polls = true, false, 0
	s.ssid = ssid
	return nil
}

// Status implements [Driver].
func (s *SimDriver) Status(ctx context.Context) (LinkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.begun {
		return LinkStatus{State: "DISCONNECTED"}, nil
	}
	if !s.connected {
		s.polls++
		if s.polls > s.connectAfter {
			s.connected = true
		}
	}
	if !s.connected {
		return LinkStatus{State: "SCANNING", SSID: s.ssid}, nil
	}
	return LinkStatus{Connected: true, State: "COMPLETED", SSID: s.ssid, IPAddress: "192.0.2.10"}, nil
}

// HardwareAddr implements [Driver].
func (s *SimDriver) HardwareAddr() (net.HardwareAddr, error) {
	return s.mac, nil
}

// Drop simulates losing the link. The next attach must Begin again.
func (s *SimDriver) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun, s.connected, s.polls = false, false, 0
}

// Calls returns the driver operations invoked so far.
func (s *SimDriver) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Enterprise returns the identity installed by ConfigureEnterprise.
func (s *SimDriver) Enterprise() *EnterpriseIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enterprise
}
