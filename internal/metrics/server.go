package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/sensorlink/internal/buildinfo"
)

// Health is the /healthz response body.
type Health struct {
	Status          string     `json:"status"`
	LinkState       string     `json:"link_state"`
	BrokerConnected bool       `json:"broker_connected"`
	LastPublish     *time.Time `json:"last_publish,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Uptime          string     `json:"uptime"`
	Version         string     `json:"version"`
}

// Health reports "ok" when the link is attached and the broker session
// is up, "degraded" otherwise.
func (c *Collector) Health() Health {
	h := Health{
		Status:    "degraded",
		LinkState: "disconnected",
		Uptime:    buildinfo.Uptime().Truncate(time.Second).String(),
		Version:   buildinfo.Version,
	}
	if c == nil {
		return h
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	h.LinkState = c.state
	h.BrokerConnected = c.brokerUp
	h.LastError = c.lastErr
	if !c.lastPublish.IsZero() {
		t := c.lastPublish
		h.LastPublish = &t
	}
	if c.state == "attached" && c.brokerUp {
		h.Status = "ok"
	}
	return h
}

// HealthHandler serves [Collector.Health] as JSON. A degraded device
// answers 503 so simple probes can rely on the status code.
func (c *Collector) HealthHandler(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := c.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, h, logger)
	})
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server serves /metrics, /healthz and /version.
type Server struct {
	addr      string
	collector *Collector
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a server listening on addr (host:port).
func NewServer(addr string, c *Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, collector: c, logger: logger}
}

// Mux returns the server's routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.collector.Handler())
	mux.Handle("GET /healthz", s.collector.HealthHandler(s.logger))
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, buildinfo.BuildInfo(), s.logger)
	})
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics server shutdown", "error", err)
		}
	}()

	s.logger.Info("starting metrics server", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
