package wifi

import (
	"fmt"
	"net"
)

// HardwareAddr is the 6-byte MAC address of the wireless interface,
// the device's identity towards the backend and the broker.
type HardwareAddr [6]byte

// String renders the address as uppercase, colon-separated hex,
// always 17 characters: "00:1A:2B:3C:4D:5E".
func (a HardwareAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// MarshalText implements [encoding.TextMarshaler] so the address
// serializes as its canonical string in JSON payloads.
func (a HardwareAddr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// FromNet converts a [net.HardwareAddr]. Only 48-bit addresses are
// accepted.
func FromNet(hw net.HardwareAddr) (HardwareAddr, error) {
	var a HardwareAddr
	if len(hw) != len(a) {
		return a, fmt.Errorf("hardware address %q: want 6 bytes, got %d", hw.String(), len(hw))
	}
	copy(a[:], hw)
	return a, nil
}

// ParseHardwareAddr parses any form accepted by [net.ParseMAC] and
// returns the 48-bit address.
func ParseHardwareAddr(s string) (HardwareAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return HardwareAddr{}, err
	}
	return FromNet(hw)
}
