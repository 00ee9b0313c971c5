// Package shares records shares and found blocks into a coin's round ledger.
package shares

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/engine"
	"github.com/tos-network/pool-portal/internal/storage"
	"github.com/tos-network/pool-portal/internal/util"
)

// MaxContinuousGap is the longest pause, in seconds, still counted as continuous mining.
const MaxContinuousGap = 900

// Processor is the round ledger of one coin.
type Processor struct {
	pool  *config.PoolConfig
	keys  storage.Keys
	store *storage.RedisClient
	log   *zap.SugaredLogger
	now   func() time.Time
}

// Round is a read of the current round ledger.
type Round struct {
	TimesStart map[string]string
	TimesShare map[string]string
	Shares     map[string]string
	Times      map[string]string
}

type pipeliner interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// NewProcessor creates the round ledger for pool.
func NewProcessor(pool *config.PoolConfig, store *storage.RedisClient, forkID int) *Processor {
	return &Processor{
		pool:  pool,
		keys:  storage.CoinKeys(pool.Coin.Name),
		store: store,
		log:   util.With("system", "Pool", "coin", pool.Coin.Name, "thread", forkID+1),
		now:   time.Now,
	}
}

// CheckStore logs when the store is unusable for the ledger. It never fails the caller.
func (p *Processor) CheckStore(ctx context.Context) {
	if err := p.store.CheckVersion(ctx); err != nil {
		p.log.Errorf("Redis version check failed: %v", err)
		return
	}
	p.log.Debugf("Share processing setup with redis (%s)", p.store.Addr())
}

func (p *Processor) roundKeys() []string {
	return []string{p.keys.TimesStart(), p.keys.TimesShare(), p.keys.SharesCurrent(), p.keys.TimesCurrent()}
}

func (p *Processor) readRound(ctx context.Context, c pipeliner) (*Round, error) {
	var cmds []*redis.StringStringMapCmd
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range p.roundKeys() {
			cmds = append(cmds, pipe.HGetAll(ctx, k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not get time data from database: %w", err)
	}
	return &Round{
		TimesStart: cmds[0].Val(),
		TimesShare: cmds[1].Val(),
		Shares:     cmds[2].Val(),
		Times:      cmds[3].Val(),
	}, nil
}

// Snapshot reads the current round.
func (p *Processor) Snapshot(ctx context.Context) (*Round, error) {
	return p.readRound(ctx, p.store.Client())
}

// HandleShare records one share event. On a single node the whole update runs
// as one server-side script, so concurrent writers never lose an increment.
// Cluster stores cannot script across slots; there the write is a batch issued
// after the read.
func (p *Processor) HandleShare(ctx context.Context, isValidShare, isValidBlock bool, data *engine.ShareData) error {
	solo := p.pool.IsSoloPort(data.Port)
	now := p.now()

	if !p.store.Cluster() {
		keys, args := p.scriptArgs(isValidShare, isValidBlock, solo, data, now)
		if err := recordShare.Run(ctx, p.store.Client(), keys, args...).Err(); err != nil {
			return fmt.Errorf("error with share processor script: %w", err)
		}
		return nil
	}

	rdb := p.store.Client()
	round, err := p.readRound(ctx, rdb)
	if err != nil {
		return err
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		p.queue(ctx, pipe, round, isValidShare, isValidBlock, solo, data, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error with share processor multi: %w", err)
	}
	return nil
}

func parseMillis(v string) int64 {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return int64(n)
}

// queue adds every write caused by one share to pipe. It is the cluster
// counterpart of recordShare.
func (p *Processor) queue(ctx context.Context, pipe redis.Pipeliner, round *Round, isValidShare, isValidBlock, solo bool, data *engine.ShareData, now time.Time) {
	k := p.keys
	nowMs := now.UnixMilli()
	worker := data.Worker

	var (
		shareField string
		credit     float64
		credited   bool
	)

	if isValidShare {
		lastStart := parseMillis(round.TimesStart[worker])
		lastShare := parseMillis(round.TimesShare[worker])
		if lastStart <= 0 {
			lastStart, lastShare = nowMs, nowMs
		}
		if lastShare <= 0 {
			lastShare = nowMs
		}

		credit = util.RoundTo(math.Max(float64(nowMs-lastShare), 0)/1000, 4)
		if credit < MaxContinuousGap {
			credited = true
			pipe.HIncrByFloat(ctx, k.TimesCurrent(), worker, credit)
		}

		shareField = storage.ShareKey{Time: nowMs, Worker: worker, SoloMined: solo}.Encode()
		pipe.HIncrByFloat(ctx, k.SharesCurrent(), shareField, data.Difficulty)

		if !isValidBlock {
			pipe.HSet(ctx, k.TimesStart(), worker, lastStart)
			pipe.HSet(ctx, k.TimesShare(), worker, nowMs)
		}
		pipe.HIncrBy(ctx, k.Stats(), storage.FieldValidShares, 1)
	} else {
		pipe.HIncrBy(ctx, k.Stats(), storage.FieldInvalidShares, 1)
	}

	if isValidBlock {
		pipe.Del(ctx, k.TimesStart())
		pipe.Del(ctx, k.TimesShare())
		p.copyRound(ctx, pipe, round, data.Height, shareField, data.Difficulty, worker, credit, credited)
		pipe.SAdd(ctx, k.BlocksPending(), blockRecord(data, solo, nowMs).Encode())
		pipe.HIncrBy(ctx, k.Stats(), storage.FieldValidBlocks, 1)
	} else if data.BlockHash != "" {
		pipe.HIncrBy(ctx, k.Stats(), storage.FieldInvalidBlocks, 1)
	}

	pipe.ZAdd(ctx, k.Hashrate(), &redis.Z{Score: float64(now.Unix()), Member: hashrateSample(isValidShare, solo, data, nowMs).Encode()})
}

func blockRecord(data *engine.ShareData, solo bool, nowMs int64) storage.BlockRecord {
	difficulty := data.BlockDiff
	if difficulty <= 0 {
		difficulty = data.Difficulty
	}
	return storage.BlockRecord{
		Time:        nowMs,
		Height:      data.Height,
		BlockHash:   data.BlockHash,
		BlockReward: data.BlockReward,
		TxHash:      data.TxHash,
		Difficulty:  difficulty,
		Worker:      data.Worker,
		SoloMined:   solo,
	}
}

func hashrateSample(isValidShare, solo bool, data *engine.ShareData, nowMs int64) storage.HashrateSample {
	difficulty := data.Difficulty
	if !isValidShare {
		difficulty = -difficulty
	}
	return storage.HashrateSample{Time: nowMs, Difficulty: difficulty, Worker: data.Worker, SoloMined: solo}
}

// copyRound retires the round by value. The copied ledgers include this
// share's own contribution, which earlier commands in the batch also wrote to
// the current keys that are deleted here.
func (p *Processor) copyRound(ctx context.Context, pipe redis.Pipeliner, round *Round, height int64, shareField string, diff float64, worker string, credit float64, credited bool) {
	k := p.keys

	shares := make(map[string]interface{}, len(round.Shares)+1)
	for f, v := range round.Shares {
		shares[f] = v
	}
	if shareField != "" {
		prev, _ := strconv.ParseFloat(round.Shares[shareField], 64)
		shares[shareField] = prev + diff
	}

	times := make(map[string]interface{}, len(round.Times)+1)
	for w, v := range round.Times {
		times[w] = v
	}
	if credited {
		prev, _ := strconv.ParseFloat(round.Times[worker], 64)
		times[worker] = util.RoundTo(prev+credit, 4)
	}

	pipe.Del(ctx, k.SharesCurrent())
	pipe.Del(ctx, k.TimesCurrent())
	if len(shares) > 0 {
		pipe.HSet(ctx, k.SharesRound(height), shares)
	}
	if len(times) > 0 {
		pipe.HSet(ctx, k.TimesRound(height), times)
	}
}
