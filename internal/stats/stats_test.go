package stats

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/storage"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupAggregator(t *testing.T) (*Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	rc := config.RedisConfig{Host: mr.Host(), Port: port}

	portal := &config.Config{
		Redis: rc,
		Stats: config.StatsConfig{HashrateWindow: 600 * time.Second, HistoricalRetention: time.Hour, UpdateInterval: time.Minute},
	}
	pools := map[string]*config.PoolConfig{
		"testcoin":   {Coin: config.CoinConfig{Name: "testcoin", Symbol: "tst", Algorithm: "sha256", BlockTime: 160}, Redis: rc},
		"scryptcoin": {Coin: config.CoinConfig{Name: "scryptcoin", Symbol: "scr", Algorithm: "scrypt", BlockTime: 60}, Redis: rc},
	}

	a, err := NewAggregator(portal, pools, nil)
	if err != nil {
		mr.Close()
		t.Fatalf("NewAggregator() error = %v", err)
	}
	a.now = func() time.Time { return now }
	t.Cleanup(func() {
		a.Close()
		mr.Close()
	})
	return a, mr
}

func addSample(t *testing.T, mr *miniredis.Miniredis, coin string, at time.Time, worker string, diff float64) {
	t.Helper()
	s := storage.HashrateSample{Time: at.UnixMilli(), Difficulty: diff, Worker: worker}
	if _, err := mr.ZAdd(storage.CoinKeys(coin).Hashrate(), float64(at.Unix()), s.Encode()); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
}

func TestGroupsShareConnection(t *testing.T) {
	a, _ := setupAggregator(t)
	if len(a.groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(a.groups))
	}
	if len(a.groups[0].coins) != 2 {
		t.Errorf("coins = %v, want both coins in one group", a.groups[0].coins)
	}
	if a.history != a.groups[0].store {
		t.Error("history store should reuse the coin connection")
	}
}

func TestSingleShareHashrate(t *testing.T) {
	a, mr := setupAggregator(t)
	addSample(t, mr, "testcoin", now, "Laddr.rig1", 100)

	gs, err := a.GetGlobalStats(context.Background())
	if err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	c := gs.Pools["testcoin"]
	want := math.Pow(2, 32) * 100 / 600
	if math.Abs(c.Hashrate-want) > 1e-6 {
		t.Errorf("Hashrate = %v, want %v", c.Hashrate, want)
	}
	if c.HashrateString != "715.83 MH" {
		t.Errorf("HashrateString = %q, want 715.83 MH", c.HashrateString)
	}
	if c.Symbol != "TST" {
		t.Errorf("Symbol = %q, want TST", c.Symbol)
	}
	if gs.Global.Workers != 1 {
		t.Errorf("Global.Workers = %d, want 1", gs.Global.Workers)
	}
	if gs.Algos["sha256"] == nil || gs.Algos["sha256"].HashrateString != "715.83 MH" {
		t.Errorf("Algos[sha256] = %+v", gs.Algos["sha256"])
	}
}

func TestWindowPrunesOldSamples(t *testing.T) {
	a, mr := setupAggregator(t)
	key := storage.CoinKeys("testcoin").Hashrate()
	addSample(t, mr, "testcoin", now.Add(-601*time.Second), "Laddr.old", 50)
	addSample(t, mr, "testcoin", now.Add(-600*time.Second), "Laddr.edge", 10)
	addSample(t, mr, "testcoin", now, "Laddr.rig1", 10)

	gs, err := a.GetGlobalStats(context.Background())
	if err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	members, _ := mr.ZMembers(key)
	if len(members) != 2 {
		t.Errorf("len(hashrate) = %d, want 2 after pruning", len(members))
	}
	if gs.Pools["testcoin"].WorkerCount != 2 {
		t.Errorf("WorkerCount = %d, want 2", gs.Pools["testcoin"].WorkerCount)
	}
}

func TestWorkerAndMinerTotals(t *testing.T) {
	a, mr := setupAggregator(t)
	addSample(t, mr, "testcoin", now.Add(-3*time.Second), "Bminer.rig2", 8)
	addSample(t, mr, "testcoin", now.Add(-2*time.Second), "Bminer.rig1", 8)
	addSample(t, mr, "testcoin", now.Add(-2*time.Second), "Aminer.rig1", 4)
	addSample(t, mr, "testcoin", now.Add(-1*time.Second), "Aminer.rig1", -4)

	k := storage.CoinKeys("testcoin")
	mr.HSet(k.SharesCurrent(),
		storage.ShareKey{Time: 1, Worker: "Bminer.rig1"}.Encode(), "8",
		storage.ShareKey{Time: 2, Worker: "Bminer.rig1"}.Encode(), "8",
		storage.ShareKey{Time: 3, Worker: "Aminer.rig1"}.Encode(), "4",
		"garbage", "99",
	)
	mr.HSet(k.TimesCurrent(), "Bminer.rig1", "120.5", "Bminer.rig2", "30", "Aminer.rig1", "3700")
	mr.HSet(k.Stats(), storage.FieldValidShares, "3", storage.FieldInvalidShares, "1", storage.FieldNetworkSols, "1000")

	gs, err := a.GetGlobalStats(context.Background())
	if err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	c := gs.Pools["testcoin"]

	if c.WorkerCount != 3 || c.MinerCount != 2 {
		t.Fatalf("WorkerCount = %d, MinerCount = %d, want 3 and 2", c.WorkerCount, c.MinerCount)
	}
	names := []string{c.Workers[0].Name, c.Workers[1].Name, c.Workers[2].Name}
	if names[0] != "Aminer.rig1" || names[1] != "Bminer.rig1" || names[2] != "Bminer.rig2" {
		t.Errorf("workers = %v, want sorted by name", names)
	}
	if c.Miners[0].Name != "Bminer" || c.Miners[0].Shares != 16 {
		t.Errorf("Miners[0] = %+v, want Bminer with 16 shares", c.Miners[0])
	}
	if c.Miners[1].InvalidShares != 4 || c.Miners[1].Shares != 4 {
		t.Errorf("Miners[1] = %+v, want 4 shares and 4 invalid", c.Miners[1])
	}
	if c.CurrentRoundShares["Bminer.rig1"] != 16 || c.ShareCount != 20 {
		t.Errorf("CurrentRoundShares = %v, ShareCount = %v", c.CurrentRoundShares, c.ShareCount)
	}
	if c.Workers[1].CurrRoundShares != 16 {
		t.Errorf("Bminer.rig1 CurrRoundShares = %v, want 16", c.Workers[1].CurrRoundShares)
	}
	if c.MaxRoundTime != 3700 || c.MaxRoundTimeString != "1h 1m 40s" {
		t.Errorf("MaxRoundTime = %v (%s)", c.MaxRoundTime, c.MaxRoundTimeString)
	}
	if c.Workers[2].CurrRoundTime != 120.5 {
		t.Errorf("Bminer.rig2 CurrRoundTime = %v, want miner max 120.5", c.Workers[2].CurrRoundTime)
	}
	if c.PoolStats.ValidShares != 3 || c.PoolStats.InvalidShares != 1 {
		t.Errorf("PoolStats = %+v", c.PoolStats)
	}

	hashrate := math.Pow(2, 32) * 20 / 600
	days, hours := luck(1000*1.2, hashrate, 160)
	if c.LuckDays != days || c.LuckHours != hours || days == 0 {
		t.Errorf("luck = %v/%v, want %v/%v", c.LuckDays, c.LuckHours, days, hours)
	}
}

func TestLuckWithoutNetworkData(t *testing.T) {
	if d, h := luck(0, 1e9, 160); d != 0 || h != 0 {
		t.Errorf("luck(0, ...) = %v, %v, want 0, 0", d, h)
	}
	if d, h := luck(1e12, 0, 160); d != 0 || h != 0 {
		t.Errorf("luck(..., 0) = %v, %v, want 0, 0", d, h)
	}
	// 1.2e12 / (2e9/1e6*2) * 160 = 4.8e10 seconds
	d, h := luck(1.2e12, 2e9, 160)
	if h != round3(4.8e10/3600) || d != round3(4.8e10/86400) {
		t.Errorf("luck() = %v, %v", d, h)
	}
}

func round3(v float64) float64 {
	return math.Floor(v*1000+0.5) / 1000
}

func TestBlocksAndPayments(t *testing.T) {
	a, mr := setupAggregator(t)
	k := storage.CoinKeys("testcoin")
	for h := int64(1); h <= 3; h++ {
		mr.SAdd(k.BlocksPending(), storage.BlockRecord{Height: 100 + h, BlockHash: "p" + strconv.FormatInt(h, 10)}.Encode())
	}
	for h := int64(1); h <= 60; h++ {
		mr.SAdd(k.BlocksConfirmed(), storage.BlockRecord{Height: h, BlockHash: "c"}.Encode())
	}
	mr.SAdd(k.BlocksKicked(), storage.BlockRecord{Height: 7}.Encode())
	mr.SAdd(k.BlocksPending(), "not json")
	mr.HSet(k.PendingConfirms(), "p3", "4")
	mr.ZAdd(k.Payments(), 1, `{"time":1,"paid":1.5}`)
	mr.ZAdd(k.Payments(), 2, `{"time":2,"paid":2.5}`)
	mr.ZAdd(k.Payments(), 3, `broken`)

	gs, err := a.GetGlobalStats(context.Background())
	if err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	c := gs.Pools["testcoin"]
	if c.Blocks.Pending != 4 || c.Blocks.Confirmed != 60 || c.Blocks.Orphaned != 1 {
		t.Errorf("Blocks = %+v", c.Blocks)
	}
	if len(c.Pending.Blocks) != 3 || c.Pending.Blocks[0].Height != 103 {
		t.Errorf("Pending.Blocks = %+v, want 3 sorted by height desc", c.Pending.Blocks)
	}
	if c.Pending.Confirms["p3"] != "4" {
		t.Errorf("Pending.Confirms = %v", c.Pending.Confirms)
	}
	if len(c.Confirmed.Blocks) != 50 || c.Confirmed.Blocks[0].Height != 60 {
		t.Errorf("len(Confirmed.Blocks) = %d, want 50 newest", len(c.Confirmed.Blocks))
	}
	if len(c.Payments) != 2 || string(c.Payments[0]) != `{"time":2,"paid":2.5}` {
		t.Errorf("Payments = %s, want newest first", c.Payments)
	}

	blocks := a.GetBlocks()
	if len(blocks) != 53 {
		t.Errorf("len(GetBlocks()) = %d, want 53", len(blocks))
	}
	if b, ok := blocks["testcoin-103"]; !ok || b.BlockHash != "p3" {
		t.Errorf("GetBlocks()[testcoin-103] = %+v", b)
	}
}

func TestGetGlobalStatsIdempotent(t *testing.T) {
	a, mr := setupAggregator(t)
	addSample(t, mr, "testcoin", now.Add(-10*time.Second), "Laddr.rig1", 64)
	addSample(t, mr, "scryptcoin", now.Add(-20*time.Second), "Saddr.rig1", 2)
	mr.SAdd(storage.CoinKeys("testcoin").BlocksPending(), storage.BlockRecord{Height: 5}.Encode())

	ctx := context.Background()
	first, err := a.GetGlobalStats(ctx)
	if err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	second, err := a.GetGlobalStats(ctx)
	if err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	for name, c := range first.Pools {
		d := second.Pools[name]
		if c.Hashrate != d.Hashrate || c.WorkerCount != d.WorkerCount || c.Blocks != d.Blocks {
			t.Errorf("%s changed between runs: %+v vs %+v", name, c, d)
		}
	}
	if first.Pools["scryptcoin"].Hashrate != math.Pow(2, 32)/65536*2/600 {
		t.Errorf("scryptcoin Hashrate = %v", first.Pools["scryptcoin"].Hashrate)
	}
}

func TestHistoryRetention(t *testing.T) {
	a, mr := setupAggregator(t)
	ctx := context.Background()

	stale := Snapshot{Time: now.Add(-2 * time.Hour).Unix(), Pools: map[string]PoolSnapshot{}}
	kept := Snapshot{Time: now.Add(-30 * time.Minute).Unix(), Pools: map[string]PoolSnapshot{"testcoin": {WorkerCount: 3}}}
	mr.ZAdd(storage.KeyStatHistory, float64(stale.Time), `{"time":`+strconv.FormatInt(stale.Time, 10)+`,"pools":{}}`)
	mr.ZAdd(storage.KeyStatHistory, float64(kept.Time), `{"time":`+strconv.FormatInt(kept.Time, 10)+`,"pools":{"testcoin":{"hashrate":0,"workerCount":3,"blocks":{"pending":0,"confirmed":0,"orphaned":0}}}}`)
	mr.ZAdd(storage.KeyStatHistory, float64(kept.Time+1), `{malformed`)

	if err := a.LoadHistory(ctx); err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	h := a.History()
	if len(h) != 1 || h[0].Time != kept.Time || h[0].Pools["testcoin"].WorkerCount != 3 {
		t.Fatalf("History() = %+v, want the retained entry only", h)
	}

	if _, err := a.GetGlobalStats(ctx); err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	h = a.History()
	if len(h) != 2 || h[1].Time != now.Unix() {
		t.Errorf("History() = %+v, want appended snapshot", h)
	}
	if _, ok := h[1].Pools["scryptcoin"]; !ok {
		t.Error("snapshot should include every coin")
	}

	members, _ := mr.ZMembers(storage.KeyStatHistory)
	if len(members) != 3 {
		t.Errorf("len(statHistory) = %d, want 3 after pruning the stale entry", len(members))
	}

	a.now = func() time.Time { return now.Add(45 * time.Minute) }
	if _, err := a.GetGlobalStats(ctx); err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	h = a.History()
	if len(h) != 2 || h[0].Time != now.Unix() {
		t.Errorf("History() = %+v, want the 30m-old entry pruned", h)
	}
}

func TestHistoryKeepsEntryAtHorizon(t *testing.T) {
	a, mr := setupAggregator(t)
	ctx := context.Background()

	edge := now.Add(-time.Hour).Unix()
	mr.ZAdd(storage.KeyStatHistory, float64(edge), `{"time":`+strconv.FormatInt(edge, 10)+`,"pools":{}}`)
	mr.ZAdd(storage.KeyStatHistory, float64(edge-1), `{"time":`+strconv.FormatInt(edge-1, 10)+`,"pools":{}}`)

	if err := a.LoadHistory(ctx); err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if h := a.History(); len(h) != 1 || h[0].Time != edge {
		t.Fatalf("History() = %+v, want only the entry at the horizon", h)
	}

	if _, err := a.GetGlobalStats(ctx); err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	h := a.History()
	if len(h) != 2 || h[0].Time != edge {
		t.Errorf("History() = %+v, want the horizon entry kept in memory", h)
	}
	members, _ := mr.ZMembers(storage.KeyStatHistory)
	if len(members) != 2 {
		t.Errorf("len(statHistory) = %d, want 2 with the horizon entry kept", len(members))
	}
	if score, err := mr.ZScore(storage.KeyStatHistory, `{"time":`+strconv.FormatInt(edge, 10)+`,"pools":{}}`); err != nil || int64(score) != edge {
		t.Errorf("ZScore(horizon entry) = %v, %v, want %d", score, err, edge)
	}
}

type recordingSink struct {
	got []*GlobalStats
}

func (r *recordingSink) Export(ctx context.Context, s *GlobalStats) {
	r.got = append(r.got, s)
}

func TestSinkReceivesStats(t *testing.T) {
	a, _ := setupAggregator(t)
	sink := &recordingSink{}
	a.SetSink(sink)

	gs, err := a.GetGlobalStats(context.Background())
	if err != nil {
		t.Fatalf("GetGlobalStats() error = %v", err)
	}
	if len(sink.got) != 1 || sink.got[0] != gs {
		t.Errorf("sink got %d exports", len(sink.got))
	}
	if a.Stats() != gs {
		t.Error("Stats() should return the cached view")
	}
}

func TestGetCoins(t *testing.T) {
	a, _ := setupAggregator(t)
	coins := a.GetCoins()
	if len(coins) != 2 || coins[0] != "scryptcoin" || coins[1] != "testcoin" {
		t.Errorf("GetCoins() = %v", coins)
	}
}
