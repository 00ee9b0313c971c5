package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tos-network/pool-portal/internal/storage"
	"github.com/tos-network/pool-portal/internal/util"
)

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globReplacer.Replace(s)
}

func belongsTo(worker, miner string) bool {
	return worker == miner || strings.HasPrefix(worker, miner+".")
}

// GetBalanceByAddress scans every coin's balance, payout and immature hashes
// for the workers of address.
func (a *Aggregator) GetBalanceByAddress(ctx context.Context, address string) (*Balances, error) {
	miner := MinerOf(address)
	match := globEscape(miner) + "*"

	out := &Balances{Balances: []WorkerBalance{}}
	var totalHeld, totalPaid, totalImmature float64

	for _, coin := range a.GetCoins() {
		store := a.byCoin[coin]
		k := storage.CoinKeys(coin)

		immature, err := store.HScanAll(ctx, k.Immature(), match)
		if err != nil {
			return nil, fmt.Errorf("there was an error getting balances: %w", err)
		}
		balances, err := store.HScanAll(ctx, k.Balances(), match)
		if err != nil {
			return nil, fmt.Errorf("there was an error getting balances: %w", err)
		}
		payouts, err := store.HScanAll(ctx, k.Payouts(), match)
		if err != nil {
			return nil, fmt.Errorf("there was an error getting balances: %w", err)
		}

		workers := make(map[string]*WorkerBalance)
		get := func(name string) *WorkerBalance {
			w, ok := workers[name]
			if !ok {
				w = &WorkerBalance{Coin: coin, Worker: name}
				workers[name] = w
			}
			return w
		}
		for name, v := range payouts {
			if !belongsTo(name, miner) {
				continue
			}
			amount := parseFloat(v)
			get(name).Paid = util.CoinsRound(amount)
			totalPaid += amount
		}
		for name, v := range balances {
			if !belongsTo(name, miner) {
				continue
			}
			amount := parseFloat(v)
			get(name).Balance = util.CoinsRound(amount)
			totalHeld += amount
		}
		for name, v := range immature {
			if !belongsTo(name, miner) {
				continue
			}
			amount := parseFloat(v)
			get(name).Immature = util.SatoshisToCoins(amount)
			totalImmature += amount
		}

		names := make([]string, 0, len(workers))
		for name := range workers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out.Balances = append(out.Balances, *workers[name])
		}
	}

	out.TotalHeld = util.CoinsRound(totalHeld)
	out.TotalPaid = util.CoinsRound(totalPaid)
	out.TotalImmature = util.SatoshisToCoins(totalImmature)
	return out, nil
}

// GetPayout returns the address's total held balance formatted with 8 decimals.
func (a *Aggregator) GetPayout(ctx context.Context, address string) (string, error) {
	b, err := a.GetBalanceByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%.8f", util.CoinsRound(b.TotalHeld)), nil
}

// GetTotalSharesByAddress sums the current round shares of address across coins.
func (a *Aggregator) GetTotalSharesByAddress(ctx context.Context, address string) (float64, error) {
	miner := MinerOf(address)
	match := `*"worker":"` + globEscape(miner) + `*`

	var total float64
	for _, coin := range a.GetCoins() {
		fields, err := a.byCoin[coin].HScanAll(ctx, storage.CoinKeys(coin).SharesCurrent(), match)
		if err != nil {
			return 0, fmt.Errorf("round shares of %s: %w", coin, err)
		}
		for field, v := range fields {
			key, err := storage.ParseShareKey(field)
			if err != nil || !belongsTo(key.Worker, miner) {
				continue
			}
			total += parseFloat(v)
		}
	}
	return total, nil
}
