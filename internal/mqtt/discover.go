package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service type and domain browsed for a broker.
const (
	ServiceType = "_mqtt._tcp"
	Domain      = "local."
)

// DefaultDiscoveryTimeout bounds one browse.
const DefaultDiscoveryTimeout = 5 * time.Second

// ErrBrokerNotFound is returned when no broker answered the browse.
var ErrBrokerNotFound = errors.New("no mqtt broker found via mdns")

// Discoverer finds a broker by browsing for _mqtt._tcp services.
type Discoverer struct {
	iface   string
	timeout time.Duration
	logger  *slog.Logger

	// browse is zeroconf.Browse bound to the service type; tests
	// replace it.
	browse func(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry) error
}

// NewDiscoverer creates a Discoverer. An empty iface browses on all
// multicast-capable interfaces.
func NewDiscoverer(iface string, timeout time.Duration, logger *slog.Logger) *Discoverer {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discoverer{iface: iface, timeout: timeout, logger: logger}
	d.browse = func(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry) error {
		return zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, d.browserOptions()...)
	}
	return d
}

// browserOptions restricts the browse to the configured interface.
func (d *Discoverer) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if d.iface != "" {
		iface, err := net.InterfaceByName(d.iface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			d.logger.Warn("mdns interface not found, browsing all", "iface", d.iface, "error", err)
		}
	}
	return opts
}

// Discover returns the URL of the first broker that answers with a
// usable address, or [ErrBrokerNotFound] after the timeout.
func (d *Discoverer) Discover(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		if err := d.browse(ctx, entries, removed); err != nil {
			d.logger.Debug("mdns browse ended", "error", err)
		}
	}()

	gone := (<-chan *zeroconf.ServiceEntry)(removed)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrBrokerNotFound
			}
			if u := entryToURL(entry); u != "" {
				d.logger.Debug("mdns broker answer",
					"instance", entry.Instance,
					"host", entry.HostName,
					"url", u,
				)
				return u, nil
			}
		case _, ok := <-gone:
			if !ok {
				gone = nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("%w within %s", ErrBrokerNotFound, d.timeout)
		}
	}
}

// entryToURL builds a broker URL from a service entry, preferring an
// IPv4 address over IPv6 over the advertised host name. Port 8883 is
// taken to mean TLS.
func entryToURL(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port <= 0 {
		return ""
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = entry.HostName
	default:
		return ""
	}

	scheme := "mqtt"
	if entry.Port == 8883 {
		scheme = "mqtts"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port))
}
