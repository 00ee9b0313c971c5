package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/stats"
)

func testStats() *stats.GlobalStats {
	return &stats.GlobalStats{
		Time: 1700000000,
		Pools: map[string]*stats.CoinStats{
			"litecoin": {
				Name:        "litecoin",
				Symbol:      "LTC",
				Algorithm:   "scrypt",
				Hashrate:    1.5e9,
				WorkerCount: 3,
				MinerCount:  2,
				PoolStats:   stats.PoolCounters{ValidShares: 100, NetworkDiff: 42},
				Blocks:      stats.BlockCounts{Pending: 1, Confirmed: 4},
			},
		},
	}
}

func TestPoints(t *testing.T) {
	points := Points(testStats(), time.Unix(1700000000, 0))
	if len(points) != 1 {
		t.Fatalf("len(points) = %d, want 1", len(points))
	}

	line := write.PointToLineProtocol(points[0], time.Second)
	for _, want := range []string{
		"pool_stats,algorithm=scrypt,coin=litecoin,symbol=LTC ",
		"workers=3i",
		"valid_shares=100",
		"pending_blocks=1i",
		" 1700000000\n",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

type fakeWriter struct {
	points  []*write.Point
	flushed bool
}

func (w *fakeWriter) WritePoint(p *write.Point) { w.points = append(w.points, p) }
func (w *fakeWriter) Flush()                    { w.flushed = true }

func TestExport(t *testing.T) {
	w := &fakeWriter{}
	s := &Sink{writer: w}
	s.Export(context.Background(), testStats())
	if len(w.points) != 1 {
		t.Errorf("exported %d points, want 1", len(w.points))
	}
	if got := w.points[0].Time(); !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("point time = %v, want stats time", got)
	}
}

func TestNewSinkWritesToServer(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"name":"influxdb","message":"ready","status":"pass","checks":[]}`)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			lines = append(lines, string(body))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, err := NewSink(&config.InfluxConfig{Enabled: true, URL: srv.URL, Token: "t", Org: "pool", Bucket: "stats"})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	s.Export(context.Background(), testStats())
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(lines) == 0 || !strings.Contains(lines[0], "pool_stats,") {
		t.Errorf("written = %q, want a pool_stats line", lines)
	}
}

func TestNewSinkUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"name":"influxdb","message":"starting","status":"fail","checks":[]}`)
	}))
	defer srv.Close()

	if _, err := NewSink(&config.InfluxConfig{URL: srv.URL, Org: "pool", Bucket: "stats"}); err == nil {
		t.Error("NewSink() should fail on an unhealthy server")
	}
}
