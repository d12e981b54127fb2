// Package wifi attaches the device to a wireless network and keeps
// track of whether the link is usable.
//
// A [Manager] owns the interface through a [Driver] and offers two
// attach strategies: pre-shared key and 802.1X enterprise credentials.
// Both block, polling the driver at a fixed interval until the link is
// up. With the default policies there is no attempt cap and no
// timeout: a network that never comes up blocks the caller until ctx
// is cancelled. A bounded [connwatch.Policy] turns that into
// [ErrAttachTimeout].
//
// After every successful attach the manager announces the device's
// hardware address through its [Registrar]. Registration is best
// effort: its outcome is logged and never fails the attach.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nugget/sensorlink/internal/connwatch"
)

// ErrAttachTimeout is returned when a bounded attach policy gives up.
var ErrAttachTimeout = errors.New("wifi attach timed out")

// ErrNoCredentials is returned by [Manager.Reattach] before any attach.
var ErrNoCredentials = errors.New("wifi: no previous attach to repeat")

// Default poll intervals per attach mode.
const (
	DefaultPreSharedInterval  = time.Second
	DefaultEnterpriseInterval = 500 * time.Millisecond
)

// Registrar announces the device to the backend once attached.
type Registrar interface {
	Register(ctx context.Context, id HardwareAddr) error
}

// Observer receives attach lifecycle events, typically for metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	ObserveAttachAttempt(mode string, connected bool)
	ObserveState(state string)
	ObserveRegistration(err error)
}

// Options configures a [Manager]. Zero values use the defaults.
type Options struct {
	// PreSharedPolicy defaults to polling every second, forever.
	PreSharedPolicy connwatch.Policy
	// EnterprisePolicy defaults to polling every 500ms, forever.
	EnterprisePolicy connwatch.Policy

	// DNSOverride, when set, becomes the resolver behind
	// [Manager.Resolver] after an enterprise attach. DHCP on
	// enterprise networks often hands out resolvers the device
	// cannot use.
	DNSOverride string

	// Registrar is called after each attach. Nil skips registration.
	Registrar Registrar

	Observer Observer
	Logger   *slog.Logger
}

// Manager is the connection manager for one wireless interface.
type Manager struct {
	driver   Driver
	opts     Options
	logger   *slog.Logger
	resolver *net.Resolver

	mu        sync.Mutex
	state     State
	creds     Credentials
	dnsServer string
}

// NewManager creates a manager in the Disconnected state.
func NewManager(driver Driver, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PreSharedPolicy.Interval <= 0 {
		opts.PreSharedPolicy.Interval = DefaultPreSharedInterval
	}
	if opts.EnterprisePolicy.Interval <= 0 {
		opts.EnterprisePolicy.Interval = DefaultEnterpriseInterval
	}
	m := &Manager{
		driver: driver,
		opts:   opts,
		logger: opts.Logger,
	}
	m.resolver = &net.Resolver{PreferGo: true, Dial: m.dialDNS}
	return m
}

// State returns the current attachment state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attached reports whether the link is currently attached.
func (m *Manager) Attached() bool {
	return m.State() == Attached
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev != s {
		m.logger.Debug("wifi state changed", "from", prev.String(), "to", s.String())
	}
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveState(s.String())
	}
}

// AttachPreShared attaches with a shared passphrase and blocks until
// the link is up. With the default policy it never gives up on its own.
// Calling it again while attached to the same network does not
// re-associate; it only repeats registration.
func (m *Manager) AttachPreShared(ctx context.Context, ssid, passphrase string) (State, error) {
	return m.Attach(ctx, PreSharedKey{SSID: ssid, Passphrase: passphrase})
}

// AttachEnterprise drops any current association, switches the
// interface to station mode, installs the 802.1X credentials and
// blocks until the link is up. On success the DNS override, if
// configured, is installed.
func (m *Manager) AttachEnterprise(ctx context.Context, ssid, username, password string) (State, error) {
	return m.Attach(ctx, EnterpriseIdentity{SSID: ssid, Username: username, Password: password})
}

// Attach dispatches to the strategy for creds.
func (m *Manager) Attach(ctx context.Context, creds Credentials) (State, error) {
	switch c := creds.(type) {
	case PreSharedKey:
		return m.attachPreShared(ctx, c)
	case EnterpriseIdentity:
		return m.attachEnterprise(ctx, c)
	default:
		return m.State(), fmt.Errorf("wifi: unsupported credentials %T", creds)
	}
}

// Reattach repeats the most recent attach, used after link loss.
func (m *Manager) Reattach(ctx context.Context) (State, error) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	if creds == nil {
		return m.State(), ErrNoCredentials
	}
	return m.Attach(ctx, creds)
}

func (m *Manager) attachPreShared(ctx context.Context, c PreSharedKey) (State, error) {
	if m.alreadyAttached(ctx, c) {
		m.logger.Info("wifi already attached", "ssid", c.SSID)
		m.register(ctx)
		return Attached, nil
	}

	m.logger.Info("connecting to wifi", "ssid", c.SSID, "mode", c.Mode())
	m.setState(Attaching)

	setup := []step{
		{"begin", func(ctx context.Context) error { return m.driver.Begin(ctx, c.SSID, c.Passphrase) }},
	}
	if err := m.await(ctx, c, m.opts.PreSharedPolicy, setup); err != nil {
		m.setState(Disconnected)
		return Disconnected, err
	}

	m.attached(ctx, c)
	return Attached, nil
}

func (m *Manager) attachEnterprise(ctx context.Context, c EnterpriseIdentity) (State, error) {
	m.logger.Info("connecting to wifi", "ssid", c.SSID, "mode", c.Mode(), "identity", c.Username)
	m.setState(Attaching)

	setup := []step{
		{"disconnect", m.driver.Disconnect},
		{"station mode", m.driver.SetStationMode},
		{"configure enterprise", func(ctx context.Context) error { return m.driver.ConfigureEnterprise(ctx, c) }},
		{"begin", func(ctx context.Context) error { return m.driver.Begin(ctx, c.SSID, "") }},
	}
	if err := m.await(ctx, c, m.opts.EnterprisePolicy, setup); err != nil {
		m.setState(Disconnected)
		return Disconnected, err
	}

	if m.opts.DNSOverride != "" {
		m.mu.Lock()
		m.dnsServer = m.opts.DNSOverride
		m.mu.Unlock()
		m.logger.Info("dns resolver overridden", "server", m.opts.DNSOverride)
	}

	m.attached(ctx, c)
	return Attached, nil
}

// alreadyAttached reports whether the manager is attached to the
// network in c and the driver still sees the link up.
func (m *Manager) alreadyAttached(ctx context.Context, c Credentials) bool {
	m.mu.Lock()
	same := m.state == Attached && m.creds == c
	m.mu.Unlock()
	if !same {
		return false
	}
	st, err := m.driver.Status(ctx)
	return err == nil && st.Connected
}

// step is one driver command issued before status polling starts.
type step struct {
	name string
	fn   func(ctx context.Context) error
}

// await runs the setup steps and then polls driver status under policy
// until the link is up. A failed step counts as a failed poll: the
// whole sequence is issued again on the next attempt, so a busy
// supplicant never ends an unbounded attach.
func (m *Manager) await(ctx context.Context, c Credentials, policy connwatch.Policy, setup []step) error {
	w := connwatch.New("wifi "+c.Network(), policy, m.logger)
	w.OnAttempt = func(attempt int, err error) {
		if m.opts.Observer != nil {
			m.opts.Observer.ObserveAttachAttempt(c.Mode(), err == nil)
		}
	}

	pending := true
	st, err := w.Until(ctx, func(ctx context.Context) error {
		if pending {
			for _, s := range setup {
				if err := s.fn(ctx); err != nil {
					m.logger.Warn("wifi driver command failed, retrying",
						"ssid", c.Network(), "step", s.name, "error", err)
					return fmt.Errorf("%s: %w", s.name, err)
				}
			}
			pending = false
		}
		ls, err := m.driver.Status(ctx)
		if err != nil {
			return err
		}
		if !ls.Connected {
			return fmt.Errorf("link %s", ls.State)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, connwatch.ErrTimeout) {
			return fmt.Errorf("%w: %v", ErrAttachTimeout, err)
		}
		return fmt.Errorf("wifi attach %q: %w", c.Network(), err)
	}

	m.logger.Info("connected to wifi",
		"ssid", c.Network(),
		"mode", c.Mode(),
		"polls", st.Attempts,
	)
	return nil
}

func (m *Manager) attached(ctx context.Context, c Credentials) {
	m.mu.Lock()
	m.creds = c
	m.mu.Unlock()
	m.setState(Attached)
	m.register(ctx)
}

// register announces the device. Failures are logged and swallowed.
func (m *Manager) register(ctx context.Context) {
	if m.opts.Registrar == nil {
		return
	}

	id, err := m.CurrentIdentity()
	if err == nil {
		err = m.opts.Registrar.Register(ctx, id)
	}
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveRegistration(err)
	}
	if err != nil {
		m.logger.Warn("device registration failed", "error", err)
		return
	}
	m.logger.Info("device registered", "mac_address", id.String())
}

// CurrentIdentity reads the interface hardware address. The value is
// read from the driver every time, never cached.
func (m *Manager) CurrentIdentity() (HardwareAddr, error) {
	hw, err := m.driver.HardwareAddr()
	if err != nil {
		return HardwareAddr{}, fmt.Errorf("read hardware address: %w", err)
	}
	return FromNet(hw)
}

// CheckLink probes the driver once. An attached link that the driver
// no longer reports as connected moves to Disconnected.
func (m *Manager) CheckLink(ctx context.Context) State {
	if m.State() != Attached {
		return m.State()
	}

	st, err := m.driver.Status(ctx)
	if err == nil && st.Connected {
		return Attached
	}

	if err != nil {
		m.logger.Warn("wifi link lost", "error", err)
	} else {
		m.logger.Warn("wifi link lost", "link_state", st.State)
	}
	m.setState(Disconnected)
	return Disconnected
}

// Resolver returns a resolver that follows the DNS override once it
// is installed and the system configuration before that.
func (m *Manager) Resolver() *net.Resolver {
	return m.resolver
}

// DNSServer returns the installed DNS override, or "".
func (m *Manager) DNSServer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dnsServer
}

func (m *Manager) dialDNS(ctx context.Context, network, address string) (net.Conn, error) {
	if s := m.DNSServer(); s != "" {
		address = net.JoinHostPort(s, "53")
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}
