package util

import (
	"math"
	"testing"
)

func TestRoundTo(t *testing.T) {
	tests := []struct {
		n      float64
		digits int
		want   float64
	}{
		{1.005, 2, 1.01},
		{2.5, 0, 3},
		{12.34567, 4, 12.3457},
		{0.1 + 0.2, 1, 0.3},
		{0, 8, 0},
		{123.456, 0, 123},
	}

	for _, tt := range tests {
		if got := RoundTo(tt.n, tt.digits); got != tt.want {
			t.Errorf("RoundTo(%v, %d) = %v, want %v", tt.n, tt.digits, got, tt.want)
		}
	}
}

func TestSatoshisToCoins(t *testing.T) {
	if got := SatoshisToCoins(150000000); got != 1.5 {
		t.Errorf("SatoshisToCoins(150000000) = %v, want 1.5", got)
	}
	if got := SatoshisToCoins(1); got != 0.00000001 {
		t.Errorf("SatoshisToCoins(1) = %v, want 0.00000001", got)
	}
	if got := CoinsToSatoshis(1.5); got != 150000000 {
		t.Errorf("CoinsToSatoshis(1.5) = %v, want 150000000", got)
	}
}

func TestCoinsRound(t *testing.T) {
	if got := CoinsRound(0.123456789); got != 0.12345679 {
		t.Errorf("CoinsRound() = %v, want 0.12345679", got)
	}
}

func TestReadableHashRate(t *testing.T) {
	tests := []struct {
		hashrate float64
		want     string
	}{
		{math.Pow(2, 32) * 100 / 600, "715.83 MH"},
		{0, "0.00 KH"},
		{500, "0.50 KH"},
		{1500000, "1.50 MH"},
		{2.5e12, "2.50 TH"},
		{1e21, "1000.00 EH"},
		{1e24, "1000000.00 EH"},
	}

	for _, tt := range tests {
		if got := ReadableHashRate(tt.hashrate); got != tt.want {
			t.Errorf("ReadableHashRate(%v) = %q, want %q", tt.hashrate, got, tt.want)
		}
	}
}

func TestReadableSeconds(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0s"},
		{59.4, "59s"},
		{59.6, "1m 0s"},
		{3661, "1h 1m 1s"},
		{90061, "1d 1h 1m 1s"},
		{86400, "1d 0h 0m 0s"},
	}

	for _, tt := range tests {
		if got := ReadableSeconds(tt.seconds); got != tt.want {
			t.Errorf("ReadableSeconds(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}
