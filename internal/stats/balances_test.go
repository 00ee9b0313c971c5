package stats

import (
	"context"
	"testing"

	"github.com/tos-network/pool-portal/internal/storage"
)

func TestGetBalanceByAddress(t *testing.T) {
	a, mr := setupAggregator(t)
	ctx := context.Background()

	tk := storage.CoinKeys("testcoin")
	sk := storage.CoinKeys("scryptcoin")
	mr.HSet(tk.Balances(), "Laddr.rig1", "1.25", "Laddr.rig2", "0.75", "Lother.rig1", "100", "Laddrfoo.rig1", "7")
	mr.HSet(tk.Payouts(), "Laddr.rig1", "2")
	mr.HSet(tk.Immature(), "Laddr.rig1", "150000000")
	mr.HSet(sk.Balances(), "Laddr", "0.5")

	b, err := a.GetBalanceByAddress(ctx, "Laddr.anything")
	if err != nil {
		t.Fatalf("GetBalanceByAddress() error = %v", err)
	}
	if b.TotalHeld != 2.5 {
		t.Errorf("TotalHeld = %v, want 2.5", b.TotalHeld)
	}
	if b.TotalPaid != 2 {
		t.Errorf("TotalPaid = %v, want 2", b.TotalPaid)
	}
	if b.TotalImmature != 1.5 {
		t.Errorf("TotalImmature = %v, want 1.5", b.TotalImmature)
	}
	if len(b.Balances) != 3 {
		t.Fatalf("len(Balances) = %d, want 3: %+v", len(b.Balances), b.Balances)
	}
	first := b.Balances[0]
	if first.Coin != "scryptcoin" || first.Worker != "Laddr" || first.Balance != 0.5 {
		t.Errorf("Balances[0] = %+v", first)
	}
	rig1 := b.Balances[1]
	if rig1.Worker != "Laddr.rig1" || rig1.Paid != 2 || rig1.Immature != 1.5 || rig1.Balance != 1.25 {
		t.Errorf("Balances[1] = %+v", rig1)
	}

	payout, err := a.GetPayout(ctx, "Laddr")
	if err != nil {
		t.Fatalf("GetPayout() error = %v", err)
	}
	if payout != "2.50000000" {
		t.Errorf("GetPayout() = %q, want 2.50000000", payout)
	}
}

func TestGetBalanceUnknownAddress(t *testing.T) {
	a, _ := setupAggregator(t)
	b, err := a.GetBalanceByAddress(context.Background(), "Nobody")
	if err != nil {
		t.Fatalf("GetBalanceByAddress() error = %v", err)
	}
	if b.TotalHeld != 0 || len(b.Balances) != 0 {
		t.Errorf("GetBalanceByAddress() = %+v, want empty", b)
	}
	payout, _ := a.GetPayout(context.Background(), "Nobody")
	if payout != "0.00000000" {
		t.Errorf("GetPayout() = %q, want 0.00000000", payout)
	}
}

func TestGetTotalSharesByAddress(t *testing.T) {
	a, mr := setupAggregator(t)

	mr.HSet(storage.CoinKeys("testcoin").SharesCurrent(),
		storage.ShareKey{Time: 1, Worker: "Laddr.rig1"}.Encode(), "8",
		storage.ShareKey{Time: 2, Worker: "Laddr.rig2"}.Encode(), "4",
		storage.ShareKey{Time: 3, Worker: "Laddrfoo.rig1"}.Encode(), "1000",
		storage.ShareKey{Time: 4, Worker: "Other.rig1"}.Encode(), "1000",
	)
	mr.HSet(storage.CoinKeys("scryptcoin").SharesCurrent(),
		storage.ShareKey{Time: 5, Worker: "Laddr"}.Encode(), "0.5",
	)

	total, err := a.GetTotalSharesByAddress(context.Background(), "Laddr.rig9")
	if err != nil {
		t.Fatalf("GetTotalSharesByAddress() error = %v", err)
	}
	if total != 12.5 {
		t.Errorf("GetTotalSharesByAddress() = %v, want 12.5 summed across coins", total)
	}
}

func TestGlobEscape(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Laddr", "Laddr"},
		{"a*b", `a\*b`},
		{"a?[b]", `a\?\[b\]`},
		{`a\b`, `a\\b`},
	}
	for _, tt := range tests {
		if got := globEscape(tt.in); got != tt.want {
			t.Errorf("globEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMinerOf(t *testing.T) {
	if got := MinerOf("Laddr.rig1.extra"); got != "Laddr" {
		t.Errorf("MinerOf() = %q, want Laddr", got)
	}
	if got := MinerOf("Laddr"); got != "Laddr" {
		t.Errorf("MinerOf() = %q, want Laddr", got)
	}
}
