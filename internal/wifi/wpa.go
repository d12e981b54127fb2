package wifi

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/sensorlink/internal/config"
)

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// WPADriver drives wpa_supplicant through its wpa_cli control tool.
// It manages a single network block per attach.
type WPADriver struct {
	iface  string
	bin    string
	run    Runner
	lookup func(name string) (*net.Interface, error)
	logger *slog.Logger

	mu         sync.Mutex
	netID      int
	enterprise bool
}

// NewWPADriver creates a driver for iface. A nil runner uses
// [ExecRunner].
func NewWPADriver(iface string, run Runner, logger *slog.Logger) *WPADriver {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WPADriver{
		iface:  iface,
		bin:    "wpa_cli",
		run:    run,
		lookup: net.InterfaceByName,
		logger: logger,
		netID:  -1,
	}
}

// cmd runs one wpa_cli command against the interface. Only the
// command name is logged: arguments may carry secrets.
func (d *WPADriver) cmd(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-i", d.iface}, args...)
	out, err := d.run(ctx, d.bin, full...)
	reply := strings.TrimSpace(string(out))
	d.logger.Log(ctx, config.LevelTrace, "wpa_cli exchange",
		"iface", d.iface,
		"command", args[0],
		"reply", firstLine(reply),
	)
	if err != nil {
		return "", fmt.Errorf("wpa_cli %s: %w", args[0], err)
	}
	return reply, nil
}

// ok runs a command whose only success reply is "OK".
func (d *WPADriver) ok(ctx context.Context, args ...string) error {
	reply, err := d.cmd(ctx, args...)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("wpa_cli %s: %s", describe(args), reply)
	}
	return nil
}

// setNetwork sets one field of the current network block.
func (d *WPADriver) setNetwork(ctx context.Context, id int, field, value string) error {
	return d.ok(ctx, "set_network", strconv.Itoa(id), field, value)
}

// ensureNetwork returns the network block id, adding one if needed.
// Callers hold d.mu.
func (d *WPADriver) ensureNetwork(ctx context.Context) (int, error) {
	if d.netID >= 0 {
		return d.netID, nil
	}
	reply, err := d.cmd(ctx, "add_network")
	if err != nil {
		return -1, err
	}
	id, err := strconv.Atoi(reply)
	if err != nil {
		return -1, fmt.Errorf("wpa_cli add_network: unexpected reply %q", reply)
	}
	d.netID = id
	return id, nil
}

// Disconnect drops the association and removes all network blocks.
func (d *WPADriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ok(ctx, "disconnect"); err != nil {
		return err
	}
	if err := d.ok(ctx, "remove_network", "all"); err != nil {
		return err
	}
	d.netID = -1
	d.enterprise = false
	return nil
}

// SetStationMode makes the supplicant scan and associate as a client.
func (d *WPADriver) SetStationMode(ctx context.Context) error {
	return d.ok(ctx, "ap_scan", "1")
}

// ConfigureEnterprise sets up PEAP/MSCHAPv2 with the given identity.
func (d *WPADriver) ConfigureEnterprise(ctx context.Context, e EnterpriseIdentity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, err := d.ensureNetwork(ctx)
	if err != nil {
		return err
	}
	fields := [][2]string{
		{"key_mgmt", "WPA-EAP"},
		{"eap", "PEAP"},
		{"identity", quote(e.Username)},
		{"password", quote(e.Password)},
		{"phase2", quote("auth=MSCHAPV2")},
	}
	for _, f := range fields {
		if err := d.setNetwork(ctx, id, f[0], f[1]); err != nil {
			return err
		}
	}
	d.enterprise = true
	return nil
}

// Begin points the network block at ssid and selects it.
func (d *WPADriver) Begin(ctx context.Context, ssid, passphrase string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, err := d.ensureNetwork(ctx)
	if err != nil {
		return err
	}
	if err := d.setNetwork(ctx, id, "ssid", quote(ssid)); err != nil {
		return err
	}
	switch {
	case passphrase != "":
		if err := d.setNetwork(ctx, id, "key_mgmt", "WPA-PSK"); err != nil {
			return err
		}
		if err := d.setNetwork(ctx, id, "psk", quote(passphrase)); err != nil {
			return err
		}
	case !d.enterprise:
		if err := d.setNetwork(ctx, id, "key_mgmt", "NONE"); err != nil {
			return err
		}
	}
	if err := d.ok(ctx, "enable_network", strconv.Itoa(id)); err != nil {
		return err
	}
	return d.ok(ctx, "select_network", strconv.Itoa(id))
}

// Status parses `wpa_cli status`. The link counts as connected once
// the supplicant reports COMPLETED and DHCP has assigned an address.
func (d *WPADriver) Status(ctx context.Context) (LinkStatus, error) {
	reply, err := d.cmd(ctx, "status")
	if err != nil {
		return LinkStatus{}, err
	}
	return parseStatus(reply), nil
}

// HardwareAddr reads the MAC address of the interface.
func (d *WPADriver) HardwareAddr() (net.HardwareAddr, error) {
	iface, err := d.lookup(d.iface)
	if err != nil {
		return nil, err
	}
	return iface.HardwareAddr, nil
}

func parseStatus(reply string) LinkStatus {
	var st LinkStatus
	sc := bufio.NewScanner(strings.NewReader(reply))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "wpa_state":
			st.State = value
		case "ssid":
			st.SSID = value
		case "ip_address":
			st.IPAddress = value
		}
	}
	st.Connected = st.State == "COMPLETED" && st.IPAddress != ""
	return st
}

func quote(s string) string {
	return `"` + s + `"`
}

// describe names a command for error messages without its values.
func describe(args []string) string {
	if args[0] == "set_network" && len(args) >= 3 {
		return "set_network " + args[2]
	}
	return args[0]
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
