// Package profiling serves pprof endpoints on the master process.
package profiling

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/util"
)

// Server provides pprof profiling endpoints
type Server struct {
	cfg *config.ProfilingConfig

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new profiling server
func NewServer(cfg *config.ProfilingConfig) *Server {
	return &Server{
		cfg: cfg,
	}
}

// Handler returns the pprof mux
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"} {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	return mux
}

// Start binds the listener and serves in the background. It is a no-op when
// profiling is disabled or already started.
func (s *Server) Start() error {
	if s.cfg == nil || !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("profiling listen on %s: %w", s.cfg.Bind, err)
	}
	srv := &http.Server{Handler: Handler()}
	s.server = srv
	s.listener = ln

	util.Infof("pprof profiling server listening on %s", ln.Addr())

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.Errorf("Profiling server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, nil when not running
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts down the profiling server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	util.Info("Stopping profiling server")
	err := s.server.Close()
	s.server = nil
	s.listener = nil
	return err
}
