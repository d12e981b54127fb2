package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sensorlink/internal/config"
)

var (
	// ErrNotAttached is returned by Connect and Loop while the network
	// link is down.
	ErrNotAttached = errors.New("mqtt: network not attached")

	// ErrNotConnected is returned by Publish when there is no usable
	// broker session, or when the publish could not complete in time.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrBrokerRejected is returned by Publish when the broker answers
	// with a failure reason code.
	ErrBrokerRejected = errors.New("mqtt: publish rejected by broker")
)

// Availability payloads for the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Defaults applied by NewSession to zero-valued options.
const (
	DefaultKeepAlive      = 15 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 5 * time.Second
)

// BrokerMDNS as the broker address selects mDNS discovery.
const BrokerMDNS = config.BrokerMDNS

// Link reports whether the network is attached. *wifi.Manager
// satisfies it.
type Link interface {
	Attached() bool
}

// Conn is a live broker connection. *autopaho.ConnectionManager
// satisfies it.
type Conn interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
	Done() <-chan struct{}
}

// Dialer opens a broker connection that lives until ctx is cancelled.
// onUp must be called each time the connection comes up, including
// reconnects made by the connection itself.
type Dialer func(ctx context.Context, cfg autopaho.ClientConfig, onUp func(Conn)) (Conn, error)

// DialAutopaho is the production [Dialer].
func DialAutopaho(ctx context.Context, cfg autopaho.ClientConfig, onUp func(Conn)) (Conn, error) {
	cfg.OnConnectionUp = func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
		onUp(cm)
	}
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// Observer receives session outcomes for metrics.
type Observer interface {
	ObserveBrokerConnect(err error)
	ObservePublish(err error)
}

// Options configures a Session.
type Options struct {
	// Broker is a URL (mqtt://, mqtts://, ssl://, tcp://) or
	// [BrokerMDNS].
	Broker   string
	Username string
	Password string

	ClientID    string
	TopicPrefix string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	QoS            byte

	// Discover resolves the broker URL when Broker is [BrokerMDNS].
	Discover func(ctx context.Context) (string, error)

	// Resolver, when set, resolves the broker host name for TCP and
	// TLS connections. *wifi.Manager supplies one that honours the
	// DNS override.
	Resolver *net.Resolver

	Dialer   Dialer
	Observer Observer
	Logger   *slog.Logger
}

// handle is one broker connection and the means to tear it down.
type handle struct {
	conn   Conn
	cancel context.CancelFunc
	broker string
}

// Session is the device's broker session. It is safe for concurrent
// use, though the application loop is its only driver.
type Session struct {
	link   Link
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
	h  *handle
}

// NewSession creates a session bound to link. It does not connect.
func NewSession(link Link, opts Options) *Session {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = DialAutopaho
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Discover == nil {
		opts.Discover = NewDiscoverer("", DefaultDiscoveryTimeout, opts.Logger).Discover
	}
	return &Session{
		link:   link,
		opts:   opts,
		logger: opts.Logger,
	}
}

// ClientID returns the client identity presented to the broker.
func (s *Session) ClientID() string { return s.opts.ClientID }

// Topic returns the full topic for suffix under the session prefix.
func (s *Session) Topic(suffix string) string {
	return s.opts.TopicPrefix + "/" + suffix
}

// StatusTopic is where availability is published.
func (s *Session) StatusTopic() string {
	return s.Topic("status")
}

// Connected reports whether the session holds a live broker handle.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

// Connect opens the broker session and waits up to the connect
// timeout for it to come up. It returns [ErrNotAttached] when the link
// is down. An existing live session is left alone.
func (s *Session) Connect(ctx context.Context) error {
	if !s.link.Attached() {
		return ErrNotAttached
	}

	s.mu.Lock()
	if s.usableLocked() {
		s.mu.Unlock()
		return nil
	}
	s.dropLocked()
	err := s.connectLocked(ctx)
	s.mu.Unlock()

	s.observeConnect(err)
	return err
}

// Loop keeps the session in step with the link. Call it once per
// application cycle. With the link down it releases any handle and
// returns [ErrNotAttached]. With the link up it replaces a dead
// handle, or creates one if none exists. Keepalive pings are sent by
// autopaho in the background.
func (s *Session) Loop(ctx context.Context) error {
	s.mu.Lock()

	if !s.link.Attached() {
		if s.h != nil {
			s.logger.Warn("mqtt link down, releasing broker session",
				"broker", s.h.broker)
			s.dropLocked()
		}
		s.mu.Unlock()
		return ErrNotAttached
	}

	if s.usableLocked() {
		s.mu.Unlock()
		return nil
	}
	if s.h != nil {
		s.logger.Warn("mqtt broker session ended, reconnecting",
			"broker", s.h.broker)
		s.dropLocked()
	}
	err := s.connectLocked(ctx)
	s.mu.Unlock()

	s.observeConnect(err)
	return err
}

// Publish sends payload to <prefix>/<suffix>. It fails immediately
// with [ErrNotConnected] while the link is down or no session exists,
// and never waits longer than the publish timeout.
func (s *Session) Publish(ctx context.Context, suffix string, payload []byte) error {
	err := s.publish(ctx, s.Topic(suffix), payload)
	if s.opts.Observer != nil {
		s.opts.Observer.ObservePublish(err)
	}
	return err
}

func (s *Session) publish(ctx context.Context, topic string, payload []byte) error {
	if !s.link.Attached() {
		return fmt.Errorf("%w: network not attached", ErrNotConnected)
	}

	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%w: no broker session", ErrNotConnected)
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	resp, err := h.conn.Publish(pctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     s.opts.QoS,
	})
	if resp != nil && resp.ReasonCode >= 0x80 {
		return fmt.Errorf("%w: %s reason code 0x%02x", ErrBrokerRejected, topic, resp.ReasonCode)
	}
	if err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrNotConnected, topic, err)
	}

	s.logger.Log(ctx, config.LevelTrace, "mqtt published",
		"topic", topic,
		"payload", string(payload),
	)
	return nil
}

// Close publishes "offline" and disconnects. Safe to call without a
// session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	h := s.h
	s.h = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	defer h.cancel()

	if !s.link.Attached() {
		return nil
	}
	s.announce(ctx, h.conn, StatusOffline)
	if err := h.conn.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	s.logger.Info("mqtt disconnected", "broker", h.broker)
	return nil
}

// connectLocked dials the broker and waits for the first connection.
// Callers hold s.mu and have released any previous handle.
func (s *Session) connectLocked(ctx context.Context) error {
	broker, err := s.resolveBroker(ctx)
	if err != nil {
		return err
	}
	u, err := url.Parse(broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	display := u.Redacted()

	// The connection outlives ctx; drop and Close end it explicitly.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cfg := s.clientConfig(u)
	cfg.OnConnectError = func(err error) {
		s.logger.Warn("mqtt connection error", "broker", display, "error", err)
	}

	conn, err := s.opts.Dialer(connCtx, cfg, func(c Conn) {
		s.logger.Info("mqtt connected to broker", "broker", display, "client_id", s.opts.ClientID)
		s.announce(connCtx, c, StatusOnline)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect %s: %w", display, err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer waitCancel()
	if err := conn.AwaitConnection(waitCtx); err != nil {
		cancel()
		return fmt.Errorf("mqtt connect %s: %w", display, err)
	}

	s.h = &handle{conn: conn, cancel: cancel, broker: display}
	return nil
}

func (s *Session) clientConfig(u *url.URL) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       uint16(s.opts.KeepAlive / time.Second),
		ConnectUsername: s.opts.Username,
		WillMessage: &paho.WillMessage{
			Topic:   s.StatusTopic(),
			Payload: []byte(StatusOffline),
			QoS:     1,
			Retain:  true,
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.opts.ClientID,
		},
	}
	if s.opts.Password != "" {
		cfg.ConnectPassword = []byte(s.opts.Password)
	}

	if tlsScheme(u.Scheme) {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	if s.opts.Resolver != nil && u.Scheme != "ws" && u.Scheme != "wss" {
		cfg.AttemptConnection = s.dialBroker
	}
	return cfg
}

// tlsScheme reports whether a broker URL scheme needs TLS.
func tlsScheme(scheme string) bool {
	switch scheme {
	case "mqtts", "ssl", "tls", "wss":
		return true
	}
	return false
}

// dialBroker opens the TCP (or TLS) connection to the broker, resolving
// the host through the session's resolver.
func (s *Session) dialBroker(ctx context.Context, cfg autopaho.ClientConfig, u *url.URL) (net.Conn, error) {
	addr := u.Host
	if u.Port() == "" {
		port := "1883"
		if tlsScheme(u.Scheme) {
			port = "8883"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	d := &net.Dialer{Resolver: s.opts.Resolver, Timeout: s.opts.ConnectTimeout}
	if cfg.TlsCfg == nil {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: cfg.TlsCfg.Clone()}
	return td.DialContext(ctx, "tcp", addr)
}

func (s *Session) resolveBroker(ctx context.Context) (string, error) {
	if s.opts.Broker != BrokerMDNS {
		return s.opts.Broker, nil
	}
	broker, err := s.opts.Discover(ctx)
	if err != nil {
		return "", fmt.Errorf("discover mqtt broker: %w", err)
	}
	s.logger.Info("mqtt broker discovered", "broker", broker)
	return broker, nil
}

// announce publishes a retained availability message.
func (s *Session) announce(ctx context.Context, c Conn, status string) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	if _, err := c.Publish(pctx, &paho.Publish{
		Topic:   s.StatusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
		return
	}
	s.logger.Debug("mqtt availability published", "status", status)
}

func (s *Session) usableLocked() bool {
	if s.h == nil {
		return false
	}
	select {
	case <-s.h.conn.Done():
		return false
	default:
		return true
	}
}

// dropLocked cancels the current connection without a graceful
// disconnect. The link is usually gone by the time it is called.
func (s *Session) dropLocked() {
	if s.h == nil {
		return
	}
	s.h.cancel()
	s.h = nil
}

func (s *Session) observeConnect(err error) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveBrokerConnect(err)
	}
	if err != nil && !errors.Is(err, ErrNotAttached) {
		s.logger.Warn("mqtt broker connect failed", "error", err)
	}
}
