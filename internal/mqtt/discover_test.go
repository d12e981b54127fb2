package mqtt

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
)

func TestEntryToURL(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  string
	}{
		{
			name:  "ipv4 preferred",
			entry: &zeroconf.ServiceEntry{HostName: "broker.local.", Port: 1883, AddrIPv4: []net.IP{net.ParseIP("192.0.2.50")}, AddrIPv6: []net.IP{net.ParseIP("2001:db8::1")}},
			want:  "mqtt://192.0.2.50:1883",
		},
		{
			name:  "ipv6 bracketed",
			entry: &zeroconf.ServiceEntry{Port: 1883, AddrIPv6: []net.IP{net.ParseIP("2001:db8::1")}},
			want:  "mqtt://[2001:db8::1]:1883",
		},
		{
			name:  "host name fallback with tls port",
			entry: &zeroconf.ServiceEntry{HostName: "broker.local.", Port: 8883},
			want:  "mqtts://broker.local.:8883",
		},
		{
			name:  "no address",
			entry: &zeroconf.ServiceEntry{Port: 1883},
		},
		{
			name:  "no port",
			entry: &zeroconf.ServiceEntry{HostName: "broker.local."},
		},
		{
			name: "nil",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryToURL(tt.entry); got != tt.want {
				t.Errorf("entryToURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscover_FirstUsableAnswer(t *testing.T) {
	d := NewDiscoverer("", time.Second, nil)
	d.browse = func(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry) error {
		answers := []*zeroconf.ServiceEntry{
			{HostName: "", Port: 1883},
			{HostName: "broker.local.", Port: 1883, AddrIPv4: []net.IP{net.ParseIP("192.0.2.7")}},
		}
		for _, a := range answers {
			select {
			case entries <- a:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}

	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got != "mqtt://192.0.2.7:1883" {
		t.Errorf("Discover() = %q", got)
	}
}

func TestDiscover_Timeout(t *testing.T) {
	d := NewDiscoverer("", 20*time.Millisecond, nil)
	d.browse = func(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry) error {
		<-ctx.Done()
		return ctx.Err()
	}

	if _, err := d.Discover(context.Background()); !errors.Is(err, ErrBrokerNotFound) {
		t.Fatalf("Discover() error = %v, want ErrBrokerNotFound", err)
	}
}

func TestDiscover_BrowseClosesEntries(t *testing.T) {
	d := NewDiscoverer("", time.Second, nil)
	d.browse = func(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry) error {
		close(removed)
		close(entries)
		return nil
	}

	if _, err := d.Discover(context.Background()); !errors.Is(err, ErrBrokerNotFound) {
		t.Fatalf("Discover() error = %v, want ErrBrokerNotFound", err)
	}
}
