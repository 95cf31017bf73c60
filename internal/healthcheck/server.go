// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves liveness and readiness for a long-running watch.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Response is the JSON body of every endpoint.
type Response struct {
	Healthy   bool       `json:"healthy"`
	Status    string     `json:"status"`
	Version   uint64     `json:"version"`
	Keys      int        `json:"keys"`
	LoadedAt  *time.Time `json:"loadedAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

type loadState struct {
	version  uint64
	keys     int
	loadedAt time.Time
	lastErr  string
}

// Server reports whether configuration has been loaded and is being kept
// current. It is ready once the first load has succeeded and stays ready
// while later reloads fail, since the last good snapshot is still served.
type Server struct {
	port   int
	pprof  bool
	status atomic.Int32

	mu    sync.Mutex
	state loadState

	server *http.Server
}

type Config struct {
	// Port to listen on. Zero picks the default.
	Port int
	// Pprof also serves the runtime profiles under /debug/pprof/.
	Pprof bool
}

const DefaultPort = 8090

func NewServer(config Config) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	return &Server{port: config.Port, pprof: config.Pprof}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

// RecordLoad notes a successful load and marks the server healthy.
func (s *Server) RecordLoad(version uint64, keys int, loadedAt time.Time) {
	s.mu.Lock()
	s.state = loadState{version: version, keys: keys, loadedAt: loadedAt}
	s.mu.Unlock()
	s.SetStatus(StatusHealthy)
}

// RecordFailure notes a failed load. The previous snapshot stays in effect.
func (s *Server) RecordFailure(err error) {
	s.mu.Lock()
	s.state.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Server) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.version > 0
}

// Handler returns the mux serving /healthz, /readyz and /livez, plus the
// profiling endpoints when enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	if s.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start serves until ctx is done, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health check listen on port %d: %w", s.port, err)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("Starting health check server", slog.Int("port", s.port))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health check server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	slog.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) response(ok bool) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Response{
		Healthy:   ok,
		Status:    s.GetStatus().String(),
		Version:   s.state.version,
		Keys:      s.state.keys,
		LastError: s.state.lastErr,
	}
	if !s.state.loadedAt.IsZero() {
		t := s.state.loadedAt
		r.LoadedAt = &t
	}
	return r
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	s.write(w, s.GetStatus() == StatusHealthy)
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	s.write(w, s.IsReady())
}

func (s *Server) livezHandler(w http.ResponseWriter, _ *http.Request) {
	s.write(w, s.GetStatus() != StatusUnhealthy)
}

func (s *Server) write(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(s.response(ok)); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
