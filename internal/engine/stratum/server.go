// Package stratum is the listener engine: it accepts stratum miners on every
// configured port of a coin and reports their shares to the worker runtime.
package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/engine"
	"github.com/tos-network/pool-portal/internal/policy"
	"github.com/tos-network/pool-portal/internal/util"
)

// Security constants
const (
	MaxRequestSize   = 10240
	MaxRequestBuffer = MaxRequestSize + 64
)

const (
	defaultRefreshInterval = 5 * time.Second
	initialTimeout         = 30 * time.Second
	idleTimeout            = 5 * time.Minute
	extraNonce2Size        = 4

	// Jobs kept for late submissions after a new job is broadcast.
	maxRecentJobs = 16
)

// Server serves one coin on all of its ports.
type Server struct {
	pool      *config.PoolConfig
	backend   Backend
	authorize engine.AuthorizeFunc
	sink      engine.EventSink
	policy    *policy.PolicyServer
	forkID    int
	log       *zap.SugaredLogger

	// listen binds a configured port
	listen          func(ctx context.Context, port int) (net.Listener, error)
	refreshInterval time.Duration

	listeners []net.Listener

	sessions      sync.Map // id -> *Session
	sessionSeq    uint64
	extraNonceSeq uint32

	jobsMu     sync.RWMutex
	currentJob *Job
	jobs       map[string]*Job
	jobOrder   []string
	jobSeq     uint64

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New is the engine factory for coins served by a registered backend.
func New(opts engine.Options) (engine.Engine, error) {
	backend, err := backendFor(opts.Pool)
	if err != nil {
		return nil, err
	}
	return NewServer(opts, backend), nil
}

// NewServer creates a server over an explicit backend.
func NewServer(opts engine.Options, backend Backend) *Server {
	return &Server{
		pool:      opts.Pool,
		backend:   backend,
		authorize: opts.Authorize,
		sink:      opts.Sink,
		policy:    policy.NewPolicyServer(policy.ConfigFromBanning(opts.Pool.Banning)),
		forkID:    opts.ForkID,
		log:       util.With("system", "Stratum", "coin", opts.Pool.Coin.Name, "thread", opts.ForkID+1),
		listen: func(ctx context.Context, port int) (net.Listener, error) {
			return listenShared(ctx, net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
		},
		refreshInterval: defaultRefreshInterval,
		jobs:            make(map[string]*Job),
		quit:            make(chan struct{}),
	}
}

// Start fetches the first job and begins listening on every port.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	ports := s.pool.PortNumbers()
	if len(ports) == 0 {
		return fmt.Errorf("no ports configured")
	}

	if err := s.refresh(""); err != nil {
		s.log.Warnf("Initial job refresh failed: %v", err)
	}

	for _, port := range ports {
		ln, err := s.listen(s.ctx, port)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to bind stratum port %d: %w", port, err)
		}
		s.listeners = append(s.listeners, ln)
		s.log.Infof("Stratum server listening on port %d", port)

		s.wg.Add(1)
		go s.acceptLoop(ln, port)
	}

	s.policy.Start()

	s.wg.Add(1)
	go s.refreshLoop()

	return nil
}

// Stop shuts down the server
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.quit)
		if s.cancel != nil {
			s.cancel()
		}
		s.closeListeners()
		s.sessions.Range(func(key, value interface{}) bool {
			value.(*Session).conn.Close()
			return true
		})
	})
	s.wg.Wait()
	s.policy.Stop()
	s.log.Info("Stratum server stopped")
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// AddBannedIP bans ip locally and drops its sessions.
func (s *Server) AddBannedIP(ip string) {
	s.policy.BanIP(ip)
	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		if session.ip == ip {
			session.conn.Close()
		}
		return true
	})
}

// ProcessBlockNotify re-checks the block template after a new block was announced.
func (s *Server) ProcessBlockNotify(hash, source string) {
	s.log.Debugf("Block notification via %s: %s", source, hash)
	if err := s.refresh(hash); err != nil {
		s.log.Warnf("Job refresh after block notify failed: %v", err)
	}
}

func (s *Server) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.refresh(""); err != nil {
				s.log.Debugf("Job refresh failed: %v", err)
			}
		}
	}
}

// refresh asks the backend for work and broadcasts it when it changed.
func (s *Server) refresh(hint string) error {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	job, changed, err := s.backend.Refresh(ctx, hint)
	if err != nil {
		return err
	}
	if job == nil || (!changed && s.getCurrentJob() != nil) {
		return nil
	}
	s.BroadcastJob(job)
	return nil
}

// BroadcastJob makes job current and sends it to every subscribed miner.
func (s *Server) BroadcastJob(job *Job) {
	s.jobsMu.Lock()
	s.jobSeq++
	if job.ID == "" {
		job.ID = strconv.FormatUint(s.jobSeq, 16)
	}
	s.currentJob = job
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	if job.CleanJobs {
		for _, id := range s.jobOrder[:len(s.jobOrder)-1] {
			delete(s.jobs, id)
		}
		s.jobOrder = s.jobOrder[len(s.jobOrder)-1:]
	}
	for len(s.jobOrder) > maxRecentJobs {
		delete(s.jobs, s.jobOrder[0])
		s.jobOrder = s.jobOrder[1:]
	}
	s.jobsMu.Unlock()

	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		if session.isSubscribed() {
			session.sendJob(job)
		}
		return true
	})
	s.log.Debugf("Broadcasted job %s at height %d", job.ID, job.Height)
}

func (s *Server) getCurrentJob() *Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	return s.currentJob
}

func (s *Server) getJob(id string) *Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	return s.jobs[id]
}

// acceptLoop handles incoming connections
func (s *Server) acceptLoop(ln net.Listener, port int) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Warnf("Accept error on port %d: %v", port, err)
			return
		}

		ip := extractIP(conn.RemoteAddr().String())
		if s.policy.IsBanned(ip) {
			s.log.Debugf("Rejected banned IP: %s", ip)
			conn.Close()
			continue
		}
		if !s.policy.ApplyConnectionLimit(ip) {
			s.log.Debugf("Connection limit exceeded for IP: %s", ip)
			conn.Close()
			continue
		}

		session := s.createSession(conn, ip, port)
		s.sessions.Store(session.id, session)

		s.wg.Add(1)
		go s.handleSession(session)
	}
}

// SessionCount returns number of connected sessions
func (s *Server) SessionCount() int {
	count := 0
	s.sessions.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// extractIP extracts the IP address from a remote address string (ip:port)
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func newReader(conn net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(conn, MaxRequestBuffer)
}
