// Package api serves the gateway's operational HTTP surface: the SAT>IP
// device description document, a JSON stream-status endpoint for the
// external web UI, and Prometheus metrics. The web UI itself is an
// external collaborator; this package only publishes the interfaces it
// consumes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satpi/satpi-go/pkg/config"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/metrics"
	"github.com/satpi/satpi-go/pkg/session"
)

// Server provides the HTTP status/metrics surface.
type Server struct {
	cfg        *config.Config
	manager    *session.Manager
	deviceUUID string
	logger     *logger.Logger
	registry   *prometheus.Registry
	httpServer *http.Server
}

// StreamInfo is one stream's status for the /api/streams endpoint.
type StreamInfo struct {
	ID       int      `json:"id"`
	State    string   `json:"state"`
	Active   bool     `json:"active"`
	Session  string   `json:"session,omitempty"`
	Describe string   `json:"describe,omitempty"`
	Services []string `json:"services,omitempty"`
}

// NewServer creates the API server and registers the metrics collector.
func NewServer(cfg *config.Config, manager *session.Manager, collector *metrics.Collector, deviceUUID string, log *logger.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	return &Server{
		cfg:        cfg,
		manager:    manager,
		deviceUUID: deviceUUID,
		logger:     log,
		registry:   registry,
	}
}

// Start starts the HTTP server on addr.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/streams", s.handleStreams)
	mux.HandleFunc("/desc.xml", s.handleDeviceDescription)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleStreams returns every stream slot's status.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streams := s.manager.Streams()
	infos := make([]StreamInfo, 0, len(streams))
	for _, st := range streams {
		info := StreamInfo{
			ID:       st.ID,
			State:    st.Frontend.State().String(),
			Active:   st.Active(),
			Describe: st.Describe(),
		}
		if c := st.Client(); c != nil {
			info.Session = c.SessionID
		}
		for _, svc := range st.Services() {
			if svc.ServiceName != "" {
				info.Services = append(info.Services, svc.ServiceName)
			}
		}
		infos = append(infos, info)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		s.logger.Error("failed to encode streams response", "error", err)
	}
}

// handleDeviceDescription serves the SAT>IP device description document
// the (external) discovery layer points clients at.
func (s *Server) handleDeviceDescription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	capabilities := fmt.Sprintf("DVBS2-%d,DVBT-%d,DVBC-%d",
		len(s.manager.Streams()), len(s.manager.Streams()), len(s.manager.Streams()))

	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0" xmlns:satip="urn:ses-com:satip">
  <specVersion><major>1</major><minor>1</minor></specVersion>
  <device>
    <deviceType>urn:ses-com:device:SatIPServer:1</deviceType>
    <friendlyName>SatPI</friendlyName>
    <manufacturer>SatPI</manufacturer>
    <modelName>satpi-go</modelName>
    <UDN>uuid:%s</UDN>
    <satip:X_SATIPCAP>%s</satip:X_SATIPCAP>
  </device>
</root>
`, s.deviceUUID, capabilities)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	if _, err := w.Write([]byte(doc)); err != nil {
		s.logger.Error("failed to write device description", "error", err)
	}
}

// withLogging adds request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
