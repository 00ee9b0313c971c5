package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/stats"
	"github.com/tos-network/pool-portal/internal/storage"
)

func setupServer(t *testing.T) (*Server, *stats.Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	rc := config.RedisConfig{Host: mr.Host(), Port: port}

	portal := &config.Config{
		Redis: rc,
		Server: config.ServerConfig{
			Enabled:     true,
			Bind:        "127.0.0.1:0",
			CORSOrigins: []string{"https://pool.example"},
			WebSocket:   true,
		},
		Stats: config.StatsConfig{HashrateWindow: 300 * time.Second, HistoricalRetention: time.Hour, UpdateInterval: time.Hour},
	}
	pools := map[string]*config.PoolConfig{
		"litecoin": {Coin: config.CoinConfig{Name: "litecoin", Symbol: "LTC", Algorithm: "scrypt", BlockTime: 150}, Redis: rc},
	}

	agg, err := stats.NewAggregator(portal, pools, nil)
	if err != nil {
		mr.Close()
		t.Fatalf("NewAggregator() error = %v", err)
	}
	t.Cleanup(func() {
		agg.Close()
		mr.Close()
	})
	return NewServer(portal, agg, nil), agg, mr
}

func get(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := setupServer(t)
	w := get(t, s, "/health", nil)
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("GET /health = %d %s", w.Code, w.Body.String())
	}
}

func TestStatsComputedOnFirstRequest(t *testing.T) {
	s, _, mr := setupServer(t)
	keys := storage.CoinKeys("litecoin")
	mr.HSet(keys.Stats(), storage.FieldValidShares, "42")

	w := get(t, s, "/api/stats", nil)
	if w.Code != 200 {
		t.Fatalf("GET /api/stats = %d", w.Code)
	}
	var got stats.GlobalStats
	decode(t, w, &got)
	coin := got.Pools["litecoin"]
	if coin == nil || coin.PoolStats.ValidShares != 42 {
		t.Errorf("litecoin stats = %+v, want 42 valid shares", coin)
	}
}

func TestCoins(t *testing.T) {
	s, _, _ := setupServer(t)
	var got struct {
		Coins []string `json:"coins"`
	}
	decode(t, get(t, s, "/api/coins", nil), &got)
	if len(got.Coins) != 1 || got.Coins[0] != "litecoin" {
		t.Errorf("coins = %v, want [litecoin]", got.Coins)
	}
}

func TestBlocksSortedByHeight(t *testing.T) {
	s, _, mr := setupServer(t)
	keys := storage.CoinKeys("litecoin")
	mr.SAdd(keys.BlocksPending(), storage.BlockRecord{Height: 10, BlockHash: "aa"}.Encode())
	mr.SAdd(keys.BlocksConfirmed(), storage.BlockRecord{Height: 8, BlockHash: "bb"}.Encode())
	mr.SAdd(keys.BlocksPending(), storage.BlockRecord{Height: 12, BlockHash: "cc"}.Encode())

	var got struct {
		Blocks []BlockResponse `json:"blocks"`
	}
	decode(t, get(t, s, "/api/blocks", nil), &got)
	if len(got.Blocks) != 3 {
		t.Fatalf("blocks = %+v, want 3", got.Blocks)
	}
	for i, want := range []int64{12, 10, 8} {
		if got.Blocks[i].Height != want || got.Blocks[i].Coin != "litecoin" {
			t.Errorf("blocks[%d] = %+v, want litecoin height %d", i, got.Blocks[i], want)
		}
	}
}

func TestAddressEndpoints(t *testing.T) {
	s, _, mr := setupServer(t)
	keys := storage.CoinKeys("litecoin")
	mr.HSet(keys.Balances(), "Laddr.rig1", "1.5")
	mr.HSet(keys.Balances(), "Lother.rig1", "9")
	share := storage.ShareKey{Time: 1, Worker: "Laddr.rig1"}.Encode()
	mr.HSet(keys.SharesCurrent(), share, "64")

	var balances stats.Balances
	decode(t, get(t, s, "/api/balances/Laddr", nil), &balances)
	if balances.TotalHeld != 1.5 || len(balances.Balances) != 1 {
		t.Errorf("balances = %+v, want 1.5 held over one worker", balances)
	}

	var payout struct {
		Payout string `json:"payout"`
	}
	decode(t, get(t, s, "/api/payout/Laddr", nil), &payout)
	if payout.Payout != "1.50000000" {
		t.Errorf("payout = %q, want 1.50000000", payout.Payout)
	}

	var shares struct {
		Shares float64 `json:"shares"`
	}
	decode(t, get(t, s, "/api/shares/Laddr", nil), &shares)
	if shares.Shares != 64 {
		t.Errorf("shares = %v, want 64", shares.Shares)
	}
}

func TestInvalidAddress(t *testing.T) {
	s, _, _ := setupServer(t)
	long := strings.Repeat("a", 200)
	for _, path := range []string{"/api/balances/", "/api/payout/", "/api/shares/"} {
		if w := get(t, s, path+long, nil); w.Code != 400 {
			t.Errorf("GET %s<long> = %d, want 400", path, w.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	s, _, _ := setupServer(t)

	tests := []struct {
		origin string
		want   string
	}{
		{"https://pool.example", "https://pool.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		w := get(t, s, "/health", map[string]string{"Origin": tt.origin})
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("Allow-Origin for %s = %q, want %q", tt.origin, got, tt.want)
		}
	}

	req := httptest.NewRequest("OPTIONS", "/api/stats", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != 204 {
		t.Errorf("OPTIONS = %d, want 204", w.Code)
	}

	if got := allowedOrigin([]string{"*"}, "https://any.example"); got != "*" {
		t.Errorf("allowedOrigin(*) = %q, want *", got)
	}
}

func TestHistoryAfterRefresh(t *testing.T) {
	s, _, _ := setupServer(t)
	s.Refresh(context.Background())

	var got struct {
		History []stats.Snapshot `json:"history"`
	}
	decode(t, get(t, s, "/api/history", nil), &got)
	if len(got.History) != 1 {
		t.Errorf("history len = %d, want 1", len(got.History))
	}
}

func TestLiveFeed(t *testing.T) {
	s, _, mr := setupServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.live.close()

	s.Refresh(context.Background())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	read := func() stats.GlobalStats {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var g stats.GlobalStats
		if err := json.Unmarshal(data, &g); err != nil {
			t.Fatalf("decode live message: %v", err)
		}
		return g
	}

	// The last view is replayed on subscribe.
	if g := read(); g.Pools["litecoin"] == nil {
		t.Errorf("replayed view = %+v", g)
	}

	mr.HSet(storage.CoinKeys("litecoin").Stats(), storage.FieldValidBlocks, "3")
	s.Refresh(context.Background())
	if g := read(); g.Pools["litecoin"].PoolStats.ValidBlocks != 3 {
		t.Errorf("pushed validBlocks = %v, want 3", g.Pools["litecoin"].PoolStats.ValidBlocks)
	}
}

func TestStartStop(t *testing.T) {
	s, _, _ := setupServer(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	s.Stop()

	busy, _, _ := setupServer(t)
	if err := busy.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer busy.Stop()

	s2, agg, mr := setupServer(t)
	s2.cfg.Bind = busy.Addr().String()
	s2.interval = 10 * time.Millisecond
	if err := s2.Start(context.Background()); err == nil {
		t.Error("Start() on a bound port should fail")
	}
	defer s2.Stop()
	if s2.Addr() != nil {
		t.Errorf("Addr() = %v, want nil after bind failure", s2.Addr())
	}

	// Stats keep refreshing without a listener.
	mr.HSet(storage.CoinKeys("litecoin").Stats(), storage.FieldValidShares, "7")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if cur := agg.Stats(); cur != nil && cur.Pools["litecoin"] != nil && cur.Pools["litecoin"].PoolStats.ValidShares == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stats were not refreshed after bind failure")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
