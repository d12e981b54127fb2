// Package registrar announces a device's hardware address to the
// registration backend.
//
// Registration is a single HTTP POST with a JSON body carrying the
// MAC address. Only 200 OK counts as success. The caller decides what
// a failure means; the connection manager logs it and moves on.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/sensorlink/internal/httpkit"
	"github.com/nugget/sensorlink/internal/wifi"
)

// DefaultURL is the registration endpoint used when none is configured.
const DefaultURL = "http://localhost:8000/api/register_device"

// DefaultTimeout bounds one registration request end to end.
const DefaultTimeout = 10 * time.Second

// HTTPError reports a response other than 200 OK.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registration status %d", e.StatusCode)
	}
	return fmt.Sprintf("registration status %d: %s", e.StatusCode, e.Body)
}

// TransportError reports a failure to get any response at all: DNS,
// dial, TLS, or a timeout.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "registration transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// request is the registration body.
type request struct {
	MACAddress wifi.HardwareAddr `json:"mac_address"`
}

// Client posts registrations to a fixed URL.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a Client for url. A nil httpClient gets a one-shot
// client from [httpkit.NewClient] with [DefaultTimeout].
func New(url string, httpClient *http.Client, logger *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithDisableKeepAlives(),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{url: url, httpClient: httpClient, logger: logger}
}

// URL returns the registration endpoint.
func (c *Client) URL() string { return c.url }

// Register posts id to the backend. It returns *HTTPError for a non-200
// response and *TransportError when no response arrived. The response
// body is drained and closed on every path.
func (c *Client) Register(ctx context.Context, id wifi.HardwareAddr) error {
	body, err := json.Marshal(request{MACAddress: id})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}

	c.logger.Debug("registration response",
		"url", c.url,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	// Each branch closes the body exactly once.
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}
