// Package api provides the REST API server and the live stats feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/newrelic"
	"github.com/tos-network/pool-portal/internal/stats"
	"github.com/tos-network/pool-portal/internal/storage"
	"github.com/tos-network/pool-portal/internal/util"
)

// Provider is the statistics source behind the API
type Provider interface {
	GetGlobalStats(ctx context.Context) (*stats.GlobalStats, error)
	Stats() *stats.GlobalStats
	History() []stats.Snapshot
	GetCoins() []string
	GetBlocks() map[string]storage.BlockRecord
	GetBalanceByAddress(ctx context.Context, address string) (*stats.Balances, error)
	GetPayout(ctx context.Context, address string) (string, error)
	GetTotalSharesByAddress(ctx context.Context, address string) (float64, error)
}

// Server is the API server
type Server struct {
	cfg      config.ServerConfig
	interval time.Duration
	stats    Provider
	agent    *newrelic.Agent
	router   *gin.Engine
	server   *http.Server
	live     *liveFeed
	log      *zap.SugaredLogger

	mu       sync.Mutex
	listener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BlockResponse is a block in the blocks list
type BlockResponse struct {
	Coin string `json:"coin"`
	storage.BlockRecord
}

// NewServer creates a new API server
func NewServer(portal *config.Config, provider Provider, agent *newrelic.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:      portal.Server,
		interval: portal.Stats.UpdateInterval,
		stats:    provider,
		agent:    agent,
		router:   router,
		live:     newLiveFeed(),
		log:      util.With("system", "Server"),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())
	if s.agent.IsEnabled() {
		s.router.Use(newRelicMiddleware(s.agent))
	}

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/coins", s.handleCoins)
		api.GET("/blocks", s.handleBlocks)
		api.GET("/history", s.handleHistory)
		api.GET("/balances/:address", s.handleBalances)
		api.GET("/payout/:address", s.handlePayout)
		api.GET("/shares/:address", s.handleShares)
		if s.cfg.WebSocket {
			api.GET("/live", s.handleLive)
		}
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	origins := s.cfg.CORSOrigins
	return func(c *gin.Context) {
		origin := allowedOrigin(origins, c.GetHeader("Origin"))
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func allowedOrigin(origins []string, origin string) string {
	for _, o := range origins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func newRelicMiddleware(agent *newrelic.Agent) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.FullPath()
		if name == "" {
			name = "NotFound"
		}
		txn := agent.StartTransaction(c.Request.Method + " " + name)
		if txn == nil {
			c.Next()
			return
		}
		defer txn.End()

		txn.SetWebRequestHTTP(c.Request)
		c.Request = c.Request.WithContext(agent.NewContext(c.Request.Context(), txn))
		c.Next()

		txn.AddAttribute("http.statusCode", c.Writer.Status())
		for _, e := range c.Errors {
			agent.NoticeError(txn, e.Err)
		}
	}
}

// Start begins refreshing stats and serves the API until Stop. A bind failure
// is returned while the refresh loop keeps running, so the stats history and
// live metrics stay current.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.refreshLoop(ctx)

	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("could not start website on %s: %w", s.cfg.Bind, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: s.router}
	srv := s.server
	s.mu.Unlock()

	s.log.Infof("API server listening on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("API server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts down the API server
func (s *Server) Stop() {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		srv.Close()
	}
	s.live.close()
	s.wg.Wait()
}

func (s *Server) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh recomputes the stats and pushes them to live subscribers.
func (s *Server) Refresh(ctx context.Context) {
	global, err := s.stats.GetGlobalStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Errorf("Error getting global stats: %v", err)
		}
		return
	}
	for name, c := range global.Pools {
		s.agent.UpdatePoolMetrics(name, c.Hashrate, c.WorkerCount)
	}
	s.live.broadcast(global)
}

// currentStats returns the cached view, computing it on first use.
func (s *Server) currentStats(c *gin.Context) (*stats.GlobalStats, bool) {
	if cur := s.stats.Stats(); cur != nil {
		return cur, true
	}
	cur, err := s.stats.GetGlobalStats(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(500, gin.H{"error": "Failed to get pool stats"})
		return nil, false
	}
	return cur, true
}

// handleStats returns the last computed view of every coin
func (s *Server) handleStats(c *gin.Context) {
	cur, ok := s.currentStats(c)
	if !ok {
		return
	}
	c.JSON(200, cur)
}

func (s *Server) handleCoins(c *gin.Context) {
	c.JSON(200, gin.H{"coins": s.stats.GetCoins()})
}

// handleBlocks returns pending and confirmed blocks, highest first
func (s *Server) handleBlocks(c *gin.Context) {
	if _, ok := s.currentStats(c); !ok {
		return
	}
	all := s.stats.GetBlocks()
	blocks := make([]BlockResponse, 0, len(all))
	for key, b := range all {
		coin := key
		if i := strings.LastIndex(key, "-"); i > 0 {
			coin = key[:i]
		}
		blocks = append(blocks, BlockResponse{Coin: coin, BlockRecord: b})
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Height != blocks[j].Height {
			return blocks[i].Height > blocks[j].Height
		}
		return blocks[i].Coin < blocks[j].Coin
	})
	c.JSON(200, gin.H{"blocks": blocks})
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(200, gin.H{"history": s.stats.History()})
}

func validAddress(address string) bool {
	return address != "" && len(address) <= 128 && !strings.ContainsAny(address, " \t\r\n")
}

// handleBalances returns every coin's balances of an address
func (s *Server) handleBalances(c *gin.Context) {
	address := c.Param("address")
	if !validAddress(address) {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}
	balances, err := s.stats.GetBalanceByAddress(c.Request.Context(), address)
	if err != nil {
		c.Error(err)
		c.JSON(500, gin.H{"error": "Failed to get balances"})
		return
	}
	c.JSON(200, balances)
}

func (s *Server) handlePayout(c *gin.Context) {
	address := c.Param("address")
	if !validAddress(address) {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}
	payout, err := s.stats.GetPayout(c.Request.Context(), address)
	if err != nil {
		c.Error(err)
		c.JSON(500, gin.H{"error": "Failed to get payout"})
		return
	}
	c.JSON(200, gin.H{"address": address, "payout": payout})
}

func (s *Server) handleShares(c *gin.Context) {
	address := c.Param("address")
	if !validAddress(address) {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}
	shares, err := s.stats.GetTotalSharesByAddress(c.Request.Context(), address)
	if err != nil {
		c.Error(err)
		c.JSON(500, gin.H{"error": "Failed to get shares"})
		return
	}
	c.JSON(200, gin.H{"address": address, "shares": shares})
}
