// Package stats rebuilds pool statistics from the shared store.
package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/algo"
	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/storage"
	"github.com/tos-network/pool-portal/internal/util"
)

const (
	confirmedLimit = 50
	paymentsLimit  = 100
	diff1Hashes    = 1 << 32
)

// Sink receives every computed stats view.
type Sink interface {
	Export(ctx context.Context, stats *GlobalStats)
}

// Dialer opens a store connection.
type Dialer func(cfg config.RedisConfig) (*storage.RedisClient, error)

// DialRedis is the default Dialer.
func DialRedis(cfg config.RedisConfig) (*storage.RedisClient, error) {
	return storage.NewRedisClient(cfg.Addr(), cfg.Password, cfg.DB, cfg.Cluster)
}

type group struct {
	addr  string
	coins []string
	store *storage.RedisClient
}

// Aggregator computes GlobalStats and keeps the snapshot history.
type Aggregator struct {
	portal  *config.Config
	pools   map[string]*config.PoolConfig
	groups  []*group
	byCoin  map[string]*storage.RedisClient
	history *storage.RedisClient
	sink    Sink
	log     *zap.SugaredLogger
	now     func() time.Time

	mu        sync.RWMutex
	current   *GlobalStats
	snapshots []Snapshot
}

// NewAggregator opens one connection per distinct store address used by the
// coins, plus the portal store that holds the snapshot history.
func NewAggregator(portal *config.Config, pools map[string]*config.PoolConfig, dial Dialer) (*Aggregator, error) {
	if dial == nil {
		dial = DialRedis
	}
	a := &Aggregator{
		portal: portal,
		pools:  pools,
		byCoin: make(map[string]*storage.RedisClient),
		log:    util.With("system", "Stats"),
		now:    time.Now,
	}

	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)

	byAddr := make(map[string]*group)
	for _, name := range names {
		rc := pools[name].Redis
		g, ok := byAddr[rc.Addr()]
		if !ok {
			store, err := dial(rc)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("stats store for %s: %w", name, err)
			}
			g = &group{addr: rc.Addr(), store: store}
			byAddr[rc.Addr()] = g
			a.groups = append(a.groups, g)
		}
		g.coins = append(g.coins, name)
		a.byCoin[name] = g.store
	}

	if g, ok := byAddr[portal.Redis.Addr()]; ok {
		a.history = g.store
	} else {
		store, err := dial(portal.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("stats history store: %w", err)
		}
		a.history = store
		a.groups = append(a.groups, &group{addr: portal.Redis.Addr(), store: store})
	}
	return a, nil
}

// SetSink installs an exporter for computed stats.
func (a *Aggregator) SetSink(s Sink) {
	a.sink = s
}

// Close closes every store connection
func (a *Aggregator) Close() {
	for _, g := range a.groups {
		g.store.Close()
	}
}

// GetCoins returns every configured coin, sorted.
func (a *Aggregator) GetCoins() []string {
	coins := make([]string, 0, len(a.pools))
	for name := range a.pools {
		coins = append(coins, name)
	}
	sort.Strings(coins)
	return coins
}

// Stats returns the last computed view, or nil.
func (a *Aggregator) Stats() *GlobalStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// History returns the retained snapshots, oldest first.
func (a *Aggregator) History() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Snapshot(nil), a.snapshots...)
}

func (a *Aggregator) retentionHorizon(now time.Time) int64 {
	return now.Unix() - int64(a.portal.Stats.HistoricalRetention.Seconds())
}

// LoadHistory reads retained snapshots from the store. Malformed entries are skipped.
func (a *Aggregator) LoadHistory(ctx context.Context) error {
	horizon := a.retentionHorizon(a.now())
	a.log.Debug("Gathering statistics for website API")
	replies, err := a.history.Client().ZRangeByScore(ctx, storage.KeyStatHistory, &redis.ZRangeBy{
		Min: strconv.FormatInt(horizon, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return fmt.Errorf("error when trying to grab historical stats: %w", err)
	}

	snaps := make([]Snapshot, 0, len(replies))
	for _, r := range replies {
		var s Snapshot
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			a.log.Warnf("Skipping malformed history entry: %v", err)
			continue
		}
		snaps = append(snaps, s)
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Time < snaps[j].Time })

	a.mu.Lock()
	a.snapshots = snaps
	a.mu.Unlock()
	return nil
}

type coinReplies struct {
	hashrates       *redis.StringSliceCmd
	stats           *redis.StringStringMapCmd
	pendingCount    *redis.IntCmd
	confirmedCount  *redis.IntCmd
	kickedCount     *redis.IntCmd
	pending         *redis.StringSliceCmd
	confirmed       *redis.StringSliceCmd
	roundShares     *redis.StringStringMapCmd
	pendingConfirms *redis.StringStringMapCmd
	payments        *redis.StringSliceCmd
	roundTimes      *redis.StringStringMapCmd
}

func (a *Aggregator) queueCoin(ctx context.Context, pipe redis.Pipeliner, coin string, windowStart int64) *coinReplies {
	k := storage.CoinKeys(coin)
	ws := strconv.FormatInt(windowStart, 10)
	pipe.ZRemRangeByScore(ctx, k.Hashrate(), "-inf", "("+ws)
	return &coinReplies{
		hashrates:       pipe.ZRangeByScore(ctx, k.Hashrate(), &redis.ZRangeBy{Min: ws, Max: "+inf"}),
		stats:           pipe.HGetAll(ctx, k.Stats()),
		pendingCount:    pipe.SCard(ctx, k.BlocksPending()),
		confirmedCount:  pipe.SCard(ctx, k.BlocksConfirmed()),
		kickedCount:     pipe.SCard(ctx, k.BlocksKicked()),
		pending:         pipe.SMembers(ctx, k.BlocksPending()),
		confirmed:       pipe.SMembers(ctx, k.BlocksConfirmed()),
		roundShares:     pipe.HGetAll(ctx, k.SharesCurrent()),
		pendingConfirms: pipe.HGetAll(ctx, k.PendingConfirms()),
		payments:        pipe.ZRange(ctx, k.Payments(), -paymentsLimit, -1),
		roundTimes:      pipe.HGetAll(ctx, k.TimesCurrent()),
	}
}

// GetGlobalStats recomputes the view of every coin, caches it and appends a
// snapshot to the history.
func (a *Aggregator) GetGlobalStats(ctx context.Context) (*GlobalStats, error) {
	now := a.now()
	window := a.portal.Stats.HashrateWindow.Seconds()
	windowStart := now.Unix() - int64(window)

	global := &GlobalStats{
		Time:  now.Unix(),
		Algos: make(map[string]*AlgoStats),
		Pools: make(map[string]*CoinStats),
	}

	for _, g := range a.groups {
		if len(g.coins) == 0 {
			continue
		}
		replies := make([]*coinReplies, len(g.coins))
		_, err := g.store.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, coin := range g.coins {
				replies[i] = a.queueCoin(ctx, pipe, coin, windowStart)
			}
			return nil
		})
		if err != nil && err != redis.Nil {
			a.log.Errorf("Error with getting global stats from %s: %v", g.addr, err)
			return nil, fmt.Errorf("global stats from %s: %w", g.addr, err)
		}
		for i, coin := range g.coins {
			global.Pools[coin] = a.buildCoin(coin, replies[i], window)
		}
	}

	for _, c := range global.Pools {
		global.Global.Workers += c.WorkerCount
		as, ok := global.Algos[c.Algorithm]
		if !ok {
			as = &AlgoStats{}
			global.Algos[c.Algorithm] = as
		}
		as.Hashrate += c.Hashrate
		as.Workers += c.WorkerCount
	}
	for _, as := range global.Algos {
		as.HashrateString = util.ReadableHashRate(as.Hashrate)
	}

	a.record(ctx, global, now)
	if a.sink != nil {
		a.sink.Export(ctx, global)
	}
	return global, nil
}

func (a *Aggregator) record(ctx context.Context, global *GlobalStats, now time.Time) {
	snap := global.snapshot()
	horizon := a.retentionHorizon(now)

	a.mu.Lock()
	a.current = global
	a.snapshots = append(a.snapshots, snap)
	i := 0
	for i < len(a.snapshots) && a.snapshots[i].Time < horizon {
		i++
	}
	a.snapshots = a.snapshots[i:]
	a.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		a.log.Errorf("Error encoding stats snapshot: %v", err)
		return
	}
	_, err = a.history.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, storage.KeyStatHistory, &redis.Z{Score: float64(snap.Time), Member: string(payload)})
		pipe.ZRemRangeByScore(ctx, storage.KeyStatHistory, "-inf", "("+strconv.FormatInt(horizon, 10))
		return nil
	})
	if err != nil {
		a.log.Errorf("Error adding stats to historics: %v", err)
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// MinerOf returns the address part of a worker name.
func MinerOf(worker string) string {
	miner, _, _ := strings.Cut(worker, ".")
	return miner
}

func luck(networkHashrate, hashrate, blockTime float64) (days, hours float64) {
	my := hashrate / 1000000 * 2
	if my <= 0 || networkHashrate <= 0 {
		return 0, 0
	}
	seconds := networkHashrate / my * blockTime
	return util.RoundTo(seconds/(24*60*60), 3), util.RoundTo(seconds/(60*60), 3)
}

func parseBlocks(members []string) []storage.BlockRecord {
	blocks := make([]storage.BlockRecord, 0, len(members))
	for _, m := range members {
		b, err := storage.ParseBlockRecord(m)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Height > blocks[j].Height })
	return blocks
}

func (a *Aggregator) buildCoin(name string, r *coinReplies, window float64) *CoinStats {
	pool := a.pools[name]
	counters := r.stats.Val()
	c := &CoinStats{
		Name:      name,
		Symbol:    strings.ToUpper(pool.Coin.Symbol),
		Algorithm: pool.Coin.Algorithm,
		PoolStats: PoolCounters{
			ValidShares:   parseFloat(counters[storage.FieldValidShares]),
			ValidBlocks:   parseFloat(counters[storage.FieldValidBlocks]),
			InvalidShares: parseFloat(counters[storage.FieldInvalidShares]),
			InvalidBlocks: parseFloat(counters[storage.FieldInvalidBlocks]),
			TotalPaid:     parseFloat(counters[storage.FieldTotalPaid]),
			NetworkSols:   parseFloat(counters[storage.FieldNetworkSols]),
			NetworkDiff:   parseFloat(counters[storage.FieldNetworkDiff]),
		},
		Blocks: BlockCounts{
			Pending:   r.pendingCount.Val(),
			Confirmed: r.confirmedCount.Val(),
			Orphaned:  r.kickedCount.Val(),
		},
		Pending: PendingBlocks{
			Blocks:   parseBlocks(r.pending.Val()),
			Confirms: r.pendingConfirms.Val(),
		},
		CurrentRoundShares: make(map[string]float64),
		CurrentRoundTimes:  make(map[string]float64),
		Payments:           []json.RawMessage{},
	}
	confirmed := parseBlocks(r.confirmed.Val())
	if len(confirmed) > confirmedLimit {
		confirmed = confirmed[:confirmedLimit]
	}
	c.Confirmed.Blocks = confirmed

	payments := r.payments.Val()
	for i := len(payments) - 1; i >= 0; i-- {
		if json.Valid([]byte(payments[i])) {
			c.Payments = append(c.Payments, json.RawMessage(payments[i]))
		}
	}

	workers := make(map[string]*WorkerStats)
	miners := make(map[string]*MinerStats)
	var poolShares float64
	for _, member := range r.hashrates.Val() {
		sample, err := storage.ParseHashrateSample(member)
		if err != nil {
			continue
		}
		w, ok := workers[sample.Worker]
		if !ok {
			w = &WorkerStats{MinerStats: MinerStats{Name: sample.Worker}}
			workers[sample.Worker] = w
		}
		minerName := MinerOf(sample.Worker)
		m, ok := miners[minerName]
		if !ok {
			m = &MinerStats{Name: minerName}
			miners[minerName] = m
		}
		w.Diff = math.Abs(sample.Difficulty)
		if sample.Difficulty > 0 {
			poolShares += sample.Difficulty
			w.Shares += sample.Difficulty
			m.Shares += sample.Difficulty
		} else {
			w.InvalidShares -= sample.Difficulty
			m.InvalidShares -= sample.Difficulty
		}
	}

	shareMultiplier := diff1Hashes / algo.Multiplier(pool.Coin.Algorithm)
	c.Hashrate = shareMultiplier * poolShares / window
	c.HashrateString = util.ReadableHashRate(c.Hashrate)

	networkHashrate := c.PoolStats.NetworkSols * 1.2
	blockTime := pool.Coin.BlockTime
	if blockTime <= 0 {
		blockTime = 160
	}
	c.LuckDays, c.LuckHours = luck(networkHashrate, c.Hashrate, blockTime)

	for field, value := range r.roundShares.Val() {
		key, err := storage.ParseShareKey(field)
		if err != nil {
			continue
		}
		v := parseFloat(value)
		c.CurrentRoundShares[key.Worker] += v
		c.ShareCount += v
		if w, ok := workers[key.Worker]; ok {
			w.CurrRoundShares += v
		}
		if m, ok := miners[MinerOf(key.Worker)]; ok {
			m.CurrRoundShares += v
		}
	}

	for worker, value := range r.roundTimes.Val() {
		t := parseFloat(value)
		c.CurrentRoundTimes[worker] = t
		if t > c.MaxRoundTime {
			c.MaxRoundTime = t
		}
		if m, ok := miners[MinerOf(worker)]; ok && m.CurrRoundTime < t {
			m.CurrRoundTime = t
		}
	}
	c.MaxRoundTimeString = util.ReadableSeconds(c.MaxRoundTime)

	c.Workers = make([]*WorkerStats, 0, len(workers))
	for _, w := range workers {
		w.Hashrate = shareMultiplier * w.Shares / window
		w.HashrateString = util.ReadableHashRate(w.Hashrate)
		w.LuckDays, w.LuckHours = luck(networkHashrate, w.Hashrate, blockTime)
		if m, ok := miners[MinerOf(w.Name)]; ok {
			w.CurrRoundTime = m.CurrRoundTime
		}
		c.Workers = append(c.Workers, w)
	}
	sort.Slice(c.Workers, func(i, j int) bool {
		return strings.ToLower(c.Workers[i].Name) < strings.ToLower(c.Workers[j].Name)
	})

	c.Miners = make([]*MinerStats, 0, len(miners))
	for _, m := range miners {
		m.Hashrate = shareMultiplier * m.Shares / window
		m.HashrateString = util.ReadableHashRate(m.Hashrate)
		m.LuckDays, m.LuckHours = luck(networkHashrate, m.Hashrate, blockTime)
		c.Miners = append(c.Miners, m)
	}
	sort.Slice(c.Miners, func(i, j int) bool {
		if c.Miners[i].Shares != c.Miners[j].Shares {
			return c.Miners[i].Shares > c.Miners[j].Shares
		}
		return c.Miners[i].Name < c.Miners[j].Name
	})

	c.WorkerCount = len(c.Workers)
	c.MinerCount = len(c.Miners)
	return c
}

// GetBlocks merges every coin's pending and confirmed blocks from the last
// computed view, keyed "coin-height".
func (a *Aggregator) GetBlocks() map[string]storage.BlockRecord {
	all := make(map[string]storage.BlockRecord)
	cur := a.Stats()
	if cur == nil {
		return all
	}
	for name, c := range cur.Pools {
		for _, b := range c.Pending.Blocks {
			all[fmt.Sprintf("%s-%d", name, b.Height)] = b
		}
		for _, b := range c.Confirmed.Blocks {
			all[fmt.Sprintf("%s-%d", name, b.Height)] = b
		}
	}
	return all
}
