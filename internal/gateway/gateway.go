// Package gateway serves the daemon's local status endpoints: /healthz for a
// cheap liveness probe and /statusz for the coordination state (lease
// liveness, pending message counts, last marker).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/basket/tether/internal/lease"
	"github.com/basket/tether/internal/marker"
	"github.com/basket/tether/internal/store"
)

// Status is the /statusz payload.
type Status struct {
	Uptime          string       `json:"uptime"`
	Lease           *LeaseStatus `json:"lease,omitempty"`
	PendingMessages int          `json:"pending_messages"`
	WaitingTasks    int          `json:"waiting_tasks"`
	LastMarker      *MarkerInfo  `json:"last_marker,omitempty"`
}

type LeaseStatus struct {
	SessionID       string `json:"session_id"`
	Live            bool   `json:"live"`
	PID             int    `json:"pid,omitempty"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at"`
}

type MarkerInfo struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// Server is the status HTTP server.
type Server struct {
	addr    string
	store   *store.Store
	leases  *lease.Manager
	markers *marker.Recorder
	logger  *slog.Logger
	started time.Time

	httpServer *http.Server
}

func NewServer(addr string, st *store.Store, lm *lease.Manager, rec *marker.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		store:   st,
		leases:  lm,
		markers: rec,
		logger:  logger,
		started: time.Now(),
	}
}

// Start binds the listener and serves in the background until ctx is
// canceled. A bind failure (port already taken) is returned synchronously so
// startup can fail with a nonzero exit.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return nil
}

// Handler returns the route mux; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := Status{Uptime: time.Since(s.started).Round(time.Second).String()}

	if current, ok, err := s.leases.Current(); err == nil && ok {
		live, _ := s.leases.IsLive()
		status.Lease = &LeaseStatus{
			SessionID:       current.SessionID,
			Live:            live,
			PID:             current.PID,
			LastHeartbeatAt: current.LastHeartbeatAt,
		}
	}

	if n, err := s.store.PendingCount(r.Context()); err == nil {
		status.PendingMessages = n
	}
	if n, err := s.store.WaitingCount(r.Context()); err == nil {
		status.WaitingTasks = n
	}
	if kind, at, ok := s.markers.LastMarker(); ok {
		status.LastMarker = &MarkerInfo{Kind: kind, At: at}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
