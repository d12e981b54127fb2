package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/sensorlink/internal/wifi"
)

var testID = wifi.HardwareAddr{0x00, 0x1A, 0x2B, 0x3C, 0x4D, 0x5E}

func TestRegister_Success(t *testing.T) {
	var gotMethod, gotType, gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL+"/api/register_device", nil, nil)
	if err := c.Register(context.Background(), testID); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotType)
	}
	if gotPath != "/api/register_device" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["mac_address"] != "00:1A:2B:3C:4D:5E" {
		t.Errorf("mac_address = %q, want 00:1A:2B:3C:4D:5E", gotBody["mac_address"])
	}
}

func TestRegister_Non200(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"service unavailable", http.StatusServiceUnavailable},
		{"created is not success", http.StatusCreated},
		{"bad request", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, "backend says no")
			}))
			defer srv.Close()

			err := New(srv.URL, nil, nil).Register(context.Background(), testID)
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("Register() error = %v, want *HTTPError", err)
			}
			if httpErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", httpErr.StatusCode, tt.status)
			}
			if !strings.Contains(httpErr.Error(), "backend says no") {
				t.Errorf("Error() = %q, want body excerpt", httpErr.Error())
			}
		})
	}
}

func TestRegister_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	err = New("http://"+addr+"/api/register_device", nil, nil).Register(context.Background(), testID)
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Register() error = %v, want *TransportError", err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		t.Error("transport failure must not look like an HTTP status")
	}
}

func TestRegister_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(srv.URL, nil, nil).Register(ctx, testID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Register() error = %v, want context.Canceled", err)
	}
}

// countingBody counts Close calls on a response body.
type countingBody struct {
	io.ReadCloser
	closes *atomic.Int32
}

func (b countingBody) Close() error {
	b.closes.Add(1)
	return b.ReadCloser.Close()
}

type countingTransport struct {
	base   http.RoundTripper
	closes atomic.Int32
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = countingBody{ReadCloser: resp.Body, closes: &t.closes}
	return resp, nil
}

func TestRegister_BodyClosedOnce(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			io.WriteString(w, strings.Repeat("x", 10000))
		}))

		tr := &countingTransport{base: http.DefaultTransport}
		c := New(srv.URL, &http.Client{Transport: tr}, nil)
		_ = c.Register(context.Background(), testID)
		srv.Close()

		if got := tr.closes.Load(); got != 1 {
			t.Errorf("status %d: body closed %d times, want 1", status, got)
		}
	}
}

func TestNew_DefaultURL(t *testing.T) {
	if got := New("", nil, nil).URL(); got != DefaultURL {
		t.Errorf("URL() = %q, want %q", got, DefaultURL)
	}
}
