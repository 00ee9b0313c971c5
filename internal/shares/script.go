package shares

import (
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/pool-portal/internal/engine"
	"github.com/tos-network/pool-portal/internal/storage"
)

// recordShare applies one share to the round ledger atomically.
//
// KEYS: timesStart, timesShare, sharesCurrent, timesCurrent, stats, hashrate,
// blocksPending, sharesRound, timesRound.
// ARGV: worker, nowMs, valid, block, shareField, difficulty, blockRecord,
// invalidBlock, score, sample, maxGap.
var recordShare = redis.NewScript(`
local worker = ARGV[1]
local now = ARGV[2]

if ARGV[3] == "1" then
	local startRaw = redis.call("HGET", KEYS[1], worker)
	local shareRaw = redis.call("HGET", KEYS[2], worker)
	local lastStart = tonumber(startRaw or "") or 0
	local lastShare = tonumber(shareRaw or "") or 0
	local startValue = startRaw
	if lastStart <= 0 then
		startValue = now
		lastShare = tonumber(now)
	end
	if lastShare <= 0 then
		lastShare = tonumber(now)
	end

	local gap = tonumber(now) - lastShare
	if gap < 0 then
		gap = 0
	end
	local credit = math.floor(gap / 1000 * 10000 + 0.5) / 10000
	if credit < tonumber(ARGV[11]) then
		redis.call("HINCRBYFLOAT", KEYS[4], worker, string.format("%.4f", credit))
	end

	redis.call("HINCRBYFLOAT", KEYS[3], ARGV[5], ARGV[6])
	if ARGV[4] ~= "1" then
		redis.call("HSET", KEYS[1], worker, startValue)
		redis.call("HSET", KEYS[2], worker, now)
	end
	redis.call("HINCRBY", KEYS[5], "validShares", 1)
else
	redis.call("HINCRBY", KEYS[5], "invalidShares", 1)
end

if ARGV[4] == "1" then
	redis.call("DEL", KEYS[1], KEYS[2])
	if redis.call("EXISTS", KEYS[3]) == 1 then
		redis.call("RENAME", KEYS[3], KEYS[8])
	end
	if redis.call("EXISTS", KEYS[4]) == 1 then
		redis.call("RENAME", KEYS[4], KEYS[9])
	end
	redis.call("SADD", KEYS[7], ARGV[7])
	redis.call("HINCRBY", KEYS[5], "validBlocks", 1)
elseif ARGV[8] == "1" then
	redis.call("HINCRBY", KEYS[5], "invalidBlocks", 1)
end

redis.call("ZADD", KEYS[6], ARGV[9], ARGV[10])
return 1
`)

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (p *Processor) scriptArgs(isValidShare, isValidBlock, solo bool, data *engine.ShareData, now time.Time) ([]string, []interface{}) {
	k := p.keys
	nowMs := now.UnixMilli()

	keys := []string{
		k.TimesStart(), k.TimesShare(), k.SharesCurrent(), k.TimesCurrent(),
		k.Stats(), k.Hashrate(), k.BlocksPending(),
		k.SharesRound(data.Height), k.TimesRound(data.Height),
	}

	var block string
	if isValidBlock {
		block = blockRecord(data, solo, nowMs).Encode()
	}
	args := []interface{}{
		data.Worker,
		strconv.FormatInt(nowMs, 10),
		flag(isValidShare),
		flag(isValidBlock),
		storage.ShareKey{Time: nowMs, Worker: data.Worker, SoloMined: solo}.Encode(),
		strconv.FormatFloat(data.Difficulty, 'f', -1, 64),
		block,
		flag(!isValidBlock && data.BlockHash != ""),
		strconv.FormatInt(now.Unix(), 10),
		hashrateSample(isValidShare, solo, data, nowMs).Encode(),
		strconv.Itoa(MaxContinuousGap),
	}
	return keys, args
}
