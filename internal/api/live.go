package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tos-network/pool-portal/internal/stats"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePongWait     = 60 * time.Second
	livePingPeriod   = livePongWait * 9 / 10
	liveQueueSize    = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// liveClient is one /api/live subscriber
type liveClient struct {
	conn  *websocket.Conn
	queue chan []byte
	quit  chan struct{}
	once  sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

// liveFeed pushes every computed stats view to its subscribers
type liveFeed struct {
	mu      sync.Mutex
	clients map[*liveClient]struct{}
	last    []byte
	closed  bool
}

func newLiveFeed() *liveFeed {
	return &liveFeed{clients: make(map[*liveClient]struct{})}
}

func (f *liveFeed) add(c *liveClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	if f.last != nil {
		c.queue <- f.last
	}
	return true
}

func (f *liveFeed) remove(c *liveClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
}

func (f *liveFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// broadcast queues stats for every subscriber. Slow subscribers skip updates.
func (f *liveFeed) broadcast(g *stats.GlobalStats) {
	data, err := json.Marshal(g)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = data
	for c := range f.clients {
		select {
		case c.queue <- data:
		default:
		}
	}
}

func (f *liveFeed) close() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[*liveClient]struct{})
	f.closed = true
	f.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// handleLive upgrades to a websocket that receives every stats refresh
func (s *Server) handleLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugf("Live feed upgrade failed: %v", err)
		return
	}

	client := &liveClient{
		conn:  conn,
		queue: make(chan []byte, liveQueueSize),
		quit:  make(chan struct{}),
	}
	if !s.live.add(client) {
		conn.Close()
		return
	}
	defer s.live.remove(client)

	go s.liveReader(client)

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-client.quit:
			return
		case data := <-client.queue:
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// liveReader drains client frames so pongs and closes are processed.
func (s *Server) liveReader(client *liveClient) {
	defer client.close()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(livePongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(livePongWait))
		return nil
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
