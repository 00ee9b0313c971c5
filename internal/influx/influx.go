// Package influx exports computed pool statistics to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/stats"
	"github.com/tos-network/pool-portal/internal/util"
)

const healthTimeout = 5 * time.Second

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes one pool_stats point per coin for every stats refresh
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	log    *zap.SugaredLogger
}

// NewSink connects to InfluxDB and checks its health.
func NewSink(cfg *config.InfluxConfig) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	log := util.With("system", "Stats", "component", "influx")
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go logErrors(writeAPI, log)

	return &Sink{client: client, writer: writeAPI, log: log}, nil
}

func logErrors(w api.WriteAPI, log *zap.SugaredLogger) {
	for err := range w.Errors() {
		log.Warnf("InfluxDB write failed: %v", err)
	}
}

// Export implements stats.Sink
func (s *Sink) Export(ctx context.Context, g *stats.GlobalStats) {
	at := time.Unix(g.Time, 0)
	if g.Time == 0 {
		at = time.Now()
	}
	for _, p := range Points(g, at) {
		s.writer.WritePoint(p)
	}
}

// Points builds the pool_stats points of one stats view.
func Points(g *stats.GlobalStats, at time.Time) []*write.Point {
	points := make([]*write.Point, 0, len(g.Pools))
	for name, c := range g.Pools {
		tags := map[string]string{
			"coin":      name,
			"symbol":    c.Symbol,
			"algorithm": c.Algorithm,
		}
		fields := map[string]interface{}{
			"hashrate":         c.Hashrate,
			"workers":          c.WorkerCount,
			"miners":           c.MinerCount,
			"valid_shares":     c.PoolStats.ValidShares,
			"invalid_shares":   c.PoolStats.InvalidShares,
			"valid_blocks":     c.PoolStats.ValidBlocks,
			"invalid_blocks":   c.PoolStats.InvalidBlocks,
			"pending_blocks":   c.Blocks.Pending,
			"confirmed_blocks": c.Blocks.Confirmed,
			"orphaned_blocks":  c.Blocks.Orphaned,
			"network_hashrate": c.PoolStats.NetworkSols,
			"network_diff":     c.PoolStats.NetworkDiff,
			"luck_hours":       c.LuckHours,
		}
		points = append(points, write.NewPoint("pool_stats", tags, fields, at))
	}
	return points
}

// Close flushes pending points and closes the client
func (s *Sink) Close() {
	s.writer.Flush()
	s.client.Close()
}
