package wifi

import (
	"context"
	"net"
)

// State is the attachment state of the wireless link.
type State int

// Attachment states. Transitions go forward only, except that link
// loss returns an Attached manager to Disconnected.
const (
	Disconnected State = iota
	Attaching
	Attached
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

// LinkStatus is one reading of the interface's association state.
type LinkStatus struct {
	// Connected is true once the link is associated and has an
	// address, the point at which traffic can flow.
	Connected bool
	// State is the driver's raw state name, e.g. "COMPLETED" or
	// "SCANNING" for wpa_supplicant.
	State     string
	SSID      string
	IPAddress string
}

// Driver is the radio/supplicant underneath a [Manager]. Begin starts
// an association and returns without waiting; the manager polls
// Status until the link is up.
type Driver interface {
	// Disconnect drops any current association and forgets the
	// network being attached.
	Disconnect(ctx context.Context) error
	// SetStationMode puts the interface in client (station) mode.
	SetStationMode(ctx context.Context) error
	// ConfigureEnterprise installs the 802.1X identity, username and
	// password and enables EAP for the next Begin.
	ConfigureEnterprise(ctx context.Context, id EnterpriseIdentity) error
	// Begin starts associating with ssid. An empty passphrase means
	// the security settings were configured beforehand (enterprise)
	// or the network is open.
	Begin(ctx context.Context, ssid, passphrase string) error
	// Status reports the current association state.
	Status(ctx context.Context) (LinkStatus, error)
	// HardwareAddr reads the interface MAC address.
	HardwareAddr() (net.HardwareAddr, error)
}
