// Package health serves the /healthz endpoint of a running dispatch.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/pkgshift/pkg/dispatch"
)

// DefaultAddr is the listen address used when none is given.
const DefaultAddr = ":8080"

// Pinger checks connectivity to the ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports in-flight counts per phase.
type StatsSource interface {
	Stats() dispatch.Stats
}

// Server provides HTTP health check endpoints for a dispatch.
type Server struct {
	ledger Pinger
	stats  StatsSource
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new health check server. stats may be nil.
func NewServer(ledger Pinger, stats StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{ledger: ledger, stats: stats, logger: logger}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (string, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[Dispatcher] health server stopped", slog.String("error", err.Error()))
		}
	}()

	return ln.Addr().String(), nil
}

// Shutdown gracefully shuts down the health check server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Response is the JSON body of /healthz.
type Response struct {
	Status   string          `json:"status"`
	Ledger   string          `json:"ledger,omitempty"`
	Dispatch *dispatch.Stats `json:"dispatch,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if the ledger is reachable, 503 Service Unavailable otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := Response{Status: "healthy", Ledger: "connected"}
	if s.stats != nil {
		stats := s.stats.Stats()
		response.Dispatch = &stats
	}

	code := http.StatusOK
	if err := s.ledger.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Ledger = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
