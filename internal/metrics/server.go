package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/objectfs/sessiond/pkg/utils"
)

// StatusSource supplies the health verdict and the /status document.
type StatusSource interface {
	Healthy() bool
	Status() interface{}
}

// Server exposes /metrics, /health and /status.
type Server struct {
	addr   string
	router *mux.Router
	logger *utils.StructuredLogger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the observability routes.
func NewServer(addr string, collector *Collector, source StatusSource, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	s := &Server{
		addr:   addr,
		router: mux.NewRouter(),
		logger: logger.WithComponent("metrics"),
	}

	path := "/metrics"
	if collector != nil && collector.config.Path != "" {
		path = collector.config.Path
	}
	if collector != nil {
		s.router.Handle(path, collector.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.healthHandler(source)).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.statusHandler(source)).Methods(http.MethodGet)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	s.logger.Info("Metrics server listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) healthHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if source != nil && !source.Healthy() {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": status, "service": "sessiond"})
	}
}

func (s *Server) statusHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if source == nil {
			writeJSON(w, http.StatusOK, map[string]string{})
			return
		}
		writeJSON(w, http.StatusOK, source.Status())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) // Ignore write error for status endpoints
}
