package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/logger"
)

// PrometheusConfig holds Prometheus server configuration
type PrometheusConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// PrometheusHandler handles Prometheus metrics HTTP requests
type PrometheusHandler struct {
	collector *Collector
}

// NewPrometheusHandler creates a new Prometheus handler
func NewPrometheusHandler(collector *Collector) *PrometheusHandler {
	return &PrometheusHandler{
		collector: collector,
	}
}

// ServeHTTP handles HTTP requests for metrics
func (h *PrometheusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var out strings.Builder
	c := h.collector

	// Session metrics
	writeMetric(&out, "issi_sessions_total", "counter", "Total number of sessions opened", c.GetTotalSessions())
	writeHeader(&out, "issi_sessions_active", "gauge", "Number of open sessions by role")
	byRole := c.GetActiveSessionsByRole()
	for _, role := range sortedKeys(byRole) {
		fmt.Fprintf(&out, "issi_sessions_active{role=%q} %d\n", role, byRole[role])
	}

	// Packet metrics
	writeLabelled(&out, "issi_packets_received_total", "Total packets received by type", "type", c.GetPacketsReceivedByType())
	writeLabelled(&out, "issi_packets_sent_total", "Total packets sent by type", "type", c.GetPacketsSentByType())
	writeMetric(&out, "issi_bytes_received_total", "counter", "Total bytes received", c.GetBytesReceived())
	writeMetric(&out, "issi_bytes_sent_total", "counter", "Total bytes sent", c.GetBytesSent())

	// Spurt metrics
	writeMetric(&out, "issi_spurts_total", "counter", "Total talk spurts started", c.GetTotalSpurts())
	writeMetric(&out, "issi_spurts_active", "gauge", "Number of talk spurts in progress", c.GetActiveSpurts())

	// Protocol health
	writeMetric(&out, "issi_heartbeat_timeouts_total", "counter", "Total connection heartbeat timeouts", c.GetHeartbeatTimeouts())
	writeLabelled(&out, "issi_mute_corrections_total", "Total corrective MUTE/UNMUTE packets", "type", c.GetMuteCorrections())
	writeLabelled(&out, "issi_packets_rejected_total", "Total packets dropped by admission", "reason", c.GetRejectedPackets())
	writeLabelled(&out, "issi_illegal_transitions_total", "Total events refused by a state machine", "machine", c.GetIllegalTransitions())

	_, _ = w.Write([]byte(out.String()))
}

func writeHeader(out *strings.Builder, name, kind, help string) {
	fmt.Fprintf(out, "# HELP %s %s\n", name, help)
	fmt.Fprintf(out, "# TYPE %s %s\n", name, kind)
}

func writeMetric[T uint64 | int](out *strings.Builder, name, kind, help string, v T) {
	writeHeader(out, name, kind, help)
	fmt.Fprintf(out, "%s %d\n", name, v)
}

func writeLabelled(out *strings.Builder, name, help, label string, values map[string]uint64) {
	writeHeader(out, name, "counter", help)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(out, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

// PrometheusServer is an HTTP server for Prometheus metrics
type PrometheusServer struct {
	config    PrometheusConfig
	collector *Collector
	log       *logger.Logger
	server    *http.Server
}

// NewPrometheusServer creates a new Prometheus metrics server
func NewPrometheusServer(config PrometheusConfig, collector *Collector, log *logger.Logger) *PrometheusServer {
	if log == nil {
		log = logger.New(logger.Config{Level: "info", Format: "text"})
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	return &PrometheusServer{
		config:    config,
		collector: collector,
		log:       log.WithComponent("metrics"),
	}
}

// Start serves metrics until ctx is cancelled
func (s *PrometheusServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("Prometheus metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, NewPrometheusHandler(s.collector))

	// port 0 picks a free port; read it back from the listener
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("Starting Prometheus metrics server",
		logger.Int("port", listener.Addr().(*net.TCPAddr).Port),
		logger.String("path", s.config.Path))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down Prometheus metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown error: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Stop stops the Prometheus metrics server
func (s *PrometheusServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
}
