// Package payments hosts the block confirmation tracker: it follows every
// pending block of a coin until the daemon matures or orphans it.
package payments

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/daemon"
	"github.com/tos-network/pool-portal/internal/newrelic"
	"github.com/tos-network/pool-portal/internal/notify"
	"github.com/tos-network/pool-portal/internal/storage"
	"github.com/tos-network/pool-portal/internal/util"
)

// Tracker defaults
const (
	DefaultInterval         = 60 * time.Second
	DefaultMinConfirmations = 100
)

// Daemon is the coin daemon view the tracker needs
type Daemon interface {
	GetBlock(ctx context.Context, hash string) (*daemon.BlockInfo, error)
	GetMiningInfo(ctx context.Context) (*daemon.MiningInfo, error)
}

// Result counts what one pass did
type Result struct {
	Confirmed int
	Kicked    int
	Pending   int
}

// Processor tracks the blocks of one coin
type Processor struct {
	pool     *config.PoolConfig
	store    *storage.RedisClient
	daemon   Daemon
	notifier *notify.Notifier
	agent    *newrelic.Agent
	keys     storage.Keys
	log      *zap.SugaredLogger

	interval         time.Duration
	minConfirmations int64
}

// NewProcessor creates a tracker for pool
func NewProcessor(pool *config.PoolConfig, store *storage.RedisClient, d Daemon, notifier *notify.Notifier, agent *newrelic.Agent) *Processor {
	p := &Processor{
		pool:             pool,
		store:            store,
		daemon:           d,
		notifier:         notifier,
		agent:            agent,
		keys:             storage.CoinKeys(pool.Coin.Name),
		log:              util.With("system", "Payments", "coin", pool.Coin.Name),
		interval:         DefaultInterval,
		minConfirmations: DefaultMinConfirmations,
	}
	if pool.PaymentProcessing.Interval > 0 {
		p.interval = pool.PaymentProcessing.Interval
	}
	if pool.PaymentProcessing.MinConfirmations > 0 {
		p.minConfirmations = pool.PaymentProcessing.MinConfirmations
	}
	return p
}

// Run processes blocks immediately and then on every interval until ctx ends.
func (p *Processor) Run(ctx context.Context) {
	p.log.Infof("Block confirmation tracking every %s (%d confirmations)", p.interval, p.minConfirmations)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.ProcessBlocks(ctx); err != nil && ctx.Err() == nil {
			p.log.Warnf("Block processing failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessBlocks refreshes network stats and moves every pending block that
// the daemon matured or orphaned.
func (p *Processor) ProcessBlocks(ctx context.Context) (Result, error) {
	var res Result
	client := p.store.Client()

	if info, err := p.daemon.GetMiningInfo(ctx); err != nil {
		p.log.Warnf("Failed to get mining info: %v", err)
	} else {
		err := client.HSet(ctx, p.keys.Stats(),
			storage.FieldNetworkSols, info.NetworkHashPS,
			storage.FieldNetworkDiff, info.Difficulty,
		).Err()
		if err != nil {
			p.log.Warnf("Failed to store network stats: %v", err)
		}
	}

	members, err := client.SMembers(ctx, p.keys.BlocksPending()).Result()
	if err != nil {
		return res, err
	}

	blocks := make(map[string]storage.BlockRecord, len(members))
	order := make([]string, 0, len(members))
	for _, m := range members {
		b, err := storage.ParseBlockRecord(m)
		if err != nil {
			p.log.Warnf("Skipping malformed pending block %q: %v", m, err)
			continue
		}
		blocks[m] = b
		order = append(order, m)
	}
	sort.Slice(order, func(i, j int) bool { return blocks[order[i]].Height < blocks[order[j]].Height })

	infos := p.fetchBlocks(ctx, blocks)

	for _, member := range order {
		b := blocks[member]
		info, err := infos[b.BlockHash].info, infos[b.BlockHash].err

		switch {
		case errors.Is(err, daemon.ErrBlockNotFound) || (err == nil && info.Confirmations < 0):
			p.log.Warnf("Block %d orphaned (%s)", b.Height, b.BlockHash)
			if err := p.move(ctx, member, p.keys.BlocksKicked(), b.BlockHash); err != nil {
				return res, err
			}
			p.notifier.NotifyOrphanBlock(notify.Block{
				Coin:   p.pool.Coin.Name,
				Symbol: p.pool.Coin.Symbol,
				Height: b.Height,
				Hash:   b.BlockHash,
				Worker: b.Worker,
				Reward: b.BlockReward,
			})
			p.agent.RecordBlockOrphaned(p.pool.Coin.Name, b.Height, b.BlockHash)
			res.Kicked++
		case err != nil:
			p.log.Warnf("Error getting block %d (%s): %v", b.Height, b.BlockHash, err)
			res.Pending++
		case info.Confirmations >= p.minConfirmations:
			p.log.Infof("Block %d matured with %d confirmations (reward: %v)", b.Height, info.Confirmations, b.BlockReward)
			if err := p.move(ctx, member, p.keys.BlocksConfirmed(), b.BlockHash); err != nil {
				return res, err
			}
			res.Confirmed++
		default:
			err := client.HSet(ctx, p.keys.PendingConfirms(), b.BlockHash, strconv.FormatInt(info.Confirmations, 10)).Err()
			if err != nil {
				return res, err
			}
			res.Pending++
		}
	}

	if res.Confirmed > 0 || res.Kicked > 0 {
		p.log.Infof("Processed blocks: %d confirmed, %d kicked, %d pending", res.Confirmed, res.Kicked, res.Pending)
	}
	return res, nil
}

type blockResult struct {
	info *daemon.BlockInfo
	err  error
}

// fetchBlocks looks up every distinct block hash concurrently.
func (p *Processor) fetchBlocks(ctx context.Context, blocks map[string]storage.BlockRecord) map[string]blockResult {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]blockResult, len(blocks))
	)
	for _, b := range blocks {
		hash := b.BlockHash
		mu.Lock()
		_, seen := out[hash]
		if !seen {
			out[hash] = blockResult{}
		}
		mu.Unlock()
		if seen {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := p.daemon.GetBlock(ctx, hash)
			mu.Lock()
			out[hash] = blockResult{info: info, err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// move transfers a block out of the pending set and drops its confirmation count.
func (p *Processor) move(ctx context.Context, member, dest, hash string) error {
	client := p.store.Client()
	if p.store.Cluster() {
		// Cross-slot SMOVE is not allowed on a cluster.
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, p.keys.BlocksPending(), member)
			pipe.SAdd(ctx, dest, member)
			pipe.HDel(ctx, p.keys.PendingConfirms(), hash)
			return nil
		})
		return err
	}
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SMove(ctx, p.keys.BlocksPending(), dest, member)
		pipe.HDel(ctx, p.keys.PendingConfirms(), hash)
		return nil
	})
	return err
}
