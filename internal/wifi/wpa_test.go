package wifi

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

// scriptedRunner answers wpa_cli commands from a table and records
// every invocation.
type scriptedRunner struct {
	replies map[string]string
	calls   [][]string
}

func (r *scriptedRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	// args[0:2] is "-i <iface>".
	cmd := args[2]
	if reply, ok := r.replies[cmd]; ok {
		return []byte(reply + "\n"), nil
	}
	return []byte("OK\n"), nil
}

func (r *scriptedRunner) commands() []string {
	var out []string
	for _, c := range r.calls {
		out = append(out, strings.Join(c[3:], " "))
	}
	return out
}

func TestWPADriver_BeginPreShared(t *testing.T) {
	r := &scriptedRunner{replies: map[string]string{"add_network": "3"}}
	d := NewWPADriver("wlan0", r.run, nil)

	if err := d.Begin(context.Background(), "lab", "hunter2"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	want := []string{
		"add_network",
		`set_network 3 ssid "lab"`,
		"set_network 3 key_mgmt WPA-PSK",
		`set_network 3 psk "hunter2"`,
		"enable_network 3",
		"select_network 3",
	}
	got := r.commands()
	if len(got) != len(want) {
		t.Fatalf("commands = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if r.calls[0][0] != "wpa_cli" || r.calls[0][1] != "-i" || r.calls[0][2] != "wlan0" {
		t.Errorf("invocation = %q, want wpa_cli -i wlan0 ...", r.calls[0])
	}
}

func TestWPADriver_EnterpriseSequence(t *testing.T) {
	r := &scriptedRunner{replies: map[string]string{"add_network": "0"}}
	d := NewWPADriver("wlan0", r.run, nil)
	ctx := context.Background()

	if err := d.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := d.SetStationMode(ctx); err != nil {
		t.Fatalf("SetStationMode() error = %v", err)
	}
	if err := d.ConfigureEnterprise(ctx, EnterpriseIdentity{SSID: "corp", Username: "jdoe", Password: "pw"}); err != nil {
		t.Fatalf("ConfigureEnterprise() error = %v", err)
	}
	if err := d.Begin(ctx, "corp", ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	got := strings.Join(r.commands(), "\n")
	for _, want := range []string{
		"disconnect",
		"remove_network all",
		"ap_scan 1",
		"set_network 0 key_mgmt WPA-EAP",
		`set_network 0 identity "jdoe"`,
		`set_network 0 password "pw"`,
		`set_network 0 ssid "corp"`,
		"select_network 0",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing command %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "key_mgmt NONE") || strings.Contains(got, "key_mgmt WPA-PSK") {
		t.Errorf("enterprise Begin overwrote key_mgmt:\n%s", got)
	}
	// add_network runs once: Begin reuses the enterprise network block.
	if strings.Count(got, "add_network") != 1 {
		t.Errorf("add_network ran %d times, want 1", strings.Count(got, "add_network"))
	}
}

func TestWPADriver_FailReply(t *testing.T) {
	r := &scriptedRunner{replies: map[string]string{"add_network": "1", "set_network": "FAIL"}}
	d := NewWPADriver("wlan0", r.run, nil)

	err := d.Begin(context.Background(), "lab", "s3cret")
	if err == nil {
		t.Fatal("Begin() should fail on FAIL reply")
	}
	if strings.Contains(err.Error(), "s3cret") || strings.Contains(err.Error(), "lab") {
		t.Errorf("error leaks values: %v", err)
	}
}

func TestWPADriver_RunnerError(t *testing.T) {
	d := NewWPADriver("wlan0", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exec: wpa_cli not found")
	}, nil)
	if _, err := d.Status(context.Background()); err == nil {
		t.Fatal("Status() should fail when wpa_cli cannot run")
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		connected bool
		state     string
	}{
		{
			name:      "completed with address",
			reply:     "bssid=aa:bb:cc:dd:ee:ff\nssid=lab\nwpa_state=COMPLETED\nip_address=10.0.0.12\naddress=00:1a:2b:3c:4d:5e",
			connected: true,
			state:     "COMPLETED",
		},
		{
			name:      "completed waiting for dhcp",
			reply:     "ssid=lab\nwpa_state=COMPLETED\n",
			connected: false,
			state:     "COMPLETED",
		},
		{
			name:      "scanning",
			reply:     "wpa_state=SCANNING\n",
			connected: false,
			state:     "SCANNING",
		},
		{
			name:  "garbage",
			reply: "Selected interface 'wlan0'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := parseStatus(tt.reply)
			if st.Connected != tt.connected || st.State != tt.state {
				t.Errorf("parseStatus() = %+v, want connected=%v state=%q", st, tt.connected, tt.state)
			}
		})
	}
}

func TestWPADriver_HardwareAddr(t *testing.T) {
	d := NewWPADriver("wlan0", nil, nil)
	d.lookup = func(name string) (*net.Interface, error) {
		if name != "wlan0" {
			t.Errorf("lookup(%q), want wlan0", name)
		}
		return &net.Interface{Name: name, HardwareAddr: testMAC}, nil
	}

	hw, err := d.HardwareAddr()
	if err != nil {
		t.Fatalf("HardwareAddr() error = %v", err)
	}
	id, _ := FromNet(hw)
	if id.String() != "00:1A:2B:3C:4D:5E" {
		t.Errorf("HardwareAddr() = %s", id)
	}
}
