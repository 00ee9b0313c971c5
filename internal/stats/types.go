package stats

import (
	"github.com/goccy/go-json"

	"github.com/tos-network/pool-portal/internal/storage"
)

// GlobalStats is one computed view over every coin.
type GlobalStats struct {
	Time   int64                 `json:"time"`
	Global GlobalTotals          `json:"global"`
	Algos  map[string]*AlgoStats `json:"algos"`
	Pools  map[string]*CoinStats `json:"pools"`
}

// GlobalTotals sums across coins
type GlobalTotals struct {
	Workers int `json:"workers"`
}

// AlgoStats sums coins sharing an algorithm
type AlgoStats struct {
	Workers        int     `json:"workers"`
	Hashrate       float64 `json:"hashrate"`
	HashrateString string  `json:"hashrateString"`
}

// PoolCounters mirrors the coin's statistics hash
type PoolCounters struct {
	ValidShares   float64 `json:"validShares"`
	ValidBlocks   float64 `json:"validBlocks"`
	InvalidShares float64 `json:"invalidShares"`
	InvalidBlocks float64 `json:"invalidBlocks"`
	TotalPaid     float64 `json:"totalPaid"`
	NetworkSols   float64 `json:"networkSols"`
	NetworkDiff   float64 `json:"networkDiff"`
}

// BlockCounts sizes the block sets
type BlockCounts struct {
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Orphaned  int64 `json:"orphaned"`
}

// PendingBlocks lists unconfirmed blocks, highest first
type PendingBlocks struct {
	Blocks   []storage.BlockRecord `json:"blocks"`
	Confirms map[string]string     `json:"confirms"`
}

// ConfirmedBlocks lists the most recent confirmed blocks, highest first
type ConfirmedBlocks struct {
	Blocks []storage.BlockRecord `json:"blocks"`
}

// CoinStats is the view of one coin
type CoinStats struct {
	Name               string             `json:"name"`
	Symbol             string             `json:"symbol"`
	Algorithm          string             `json:"algorithm"`
	PoolStats          PoolCounters       `json:"poolStats"`
	Blocks             BlockCounts        `json:"blocks"`
	Pending            PendingBlocks      `json:"pending"`
	Confirmed          ConfirmedBlocks    `json:"confirmed"`
	Payments           []json.RawMessage  `json:"payments"`
	CurrentRoundShares map[string]float64 `json:"currentRoundShares"`
	CurrentRoundTimes  map[string]float64 `json:"currentRoundTimes"`
	MaxRoundTime       float64            `json:"maxRoundTime"`
	MaxRoundTimeString string             `json:"maxRoundTimeString"`
	ShareCount         float64            `json:"shareCount"`
	Hashrate           float64            `json:"hashrate"`
	HashrateString     string             `json:"hashrateString"`
	LuckDays           float64            `json:"luckDays"`
	LuckHours          float64            `json:"luckHours"`
	MinerCount         int                `json:"minerCount"`
	WorkerCount        int                `json:"workerCount"`
	Workers            []*WorkerStats     `json:"workers"`
	Miners             []*MinerStats      `json:"miners"`
}

// MinerStats aggregates every worker of one address
type MinerStats struct {
	Name            string  `json:"name"`
	Shares          float64 `json:"shares"`
	InvalidShares   float64 `json:"invalidshares"`
	CurrRoundShares float64 `json:"currRoundShares"`
	CurrRoundTime   float64 `json:"currRoundTime"`
	Hashrate        float64 `json:"hashrate"`
	HashrateString  string  `json:"hashrateString"`
	LuckDays        float64 `json:"luckDays"`
	LuckHours       float64 `json:"luckHours"`
}

// WorkerStats is one mining worker
type WorkerStats struct {
	MinerStats
	Diff    float64 `json:"diff"`
	Paid    float64 `json:"paid"`
	Balance float64 `json:"balance"`
}

// Snapshot is the historical form of GlobalStats
type Snapshot struct {
	Time  int64                   `json:"time"`
	Pools map[string]PoolSnapshot `json:"pools"`
}

// PoolSnapshot keeps the charted fields of one coin
type PoolSnapshot struct {
	Hashrate    float64     `json:"hashrate"`
	WorkerCount int         `json:"workerCount"`
	Blocks      BlockCounts `json:"blocks"`
}

// Balances is the per-address account view
type Balances struct {
	TotalHeld     float64         `json:"totalHeld"`
	TotalPaid     float64         `json:"totalPaid"`
	TotalImmature float64         `json:"totalImmature"`
	Balances      []WorkerBalance `json:"balances"`
}

// WorkerBalance is one worker's account on one coin
type WorkerBalance struct {
	Coin     string  `json:"coin"`
	Worker   string  `json:"worker"`
	Balance  float64 `json:"balance"`
	Paid     float64 `json:"paid"`
	Immature float64 `json:"immature"`
}

func (g *GlobalStats) snapshot() Snapshot {
	s := Snapshot{Time: g.Time, Pools: make(map[string]PoolSnapshot, len(g.Pools))}
	for name, c := range g.Pools {
		s.Pools[name] = PoolSnapshot{Hashrate: c.Hashrate, WorkerCount: c.WorkerCount, Blocks: c.Blocks}
	}
	return s
}
