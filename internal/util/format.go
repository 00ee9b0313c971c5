package util

import (
	"fmt"
	"math"
	"strconv"
)

const (
	// Magnitude is the number of base units in one coin.
	Magnitude = 100000000
	// CoinPrecision is the number of decimals kept for coin amounts.
	CoinPrecision = 8
)

var hashUnits = []string{" KH", " MH", " GH", " TH", " PH", " EH"}

// RoundTo rounds n to the given number of decimal digits, half away from zero for
// positive values. The product is first trimmed to 11 decimals so that values
// such as 1.005 round the way a human expects.
func RoundTo(n float64, digits int) float64 {
	m := math.Pow(10, float64(digits))
	scaled, err := strconv.ParseFloat(strconv.FormatFloat(n*m, 'f', 11, 64), 64)
	if err != nil {
		scaled = n * m
	}
	r, _ := strconv.ParseFloat(strconv.FormatFloat(math.Floor(scaled+0.5)/m, 'f', digits, 64), 64)
	return r
}

// CoinsRound rounds a coin amount to CoinPrecision decimals.
func CoinsRound(n float64) float64 {
	return RoundTo(n, CoinPrecision)
}

// SatoshisToCoins converts base units to coins.
func SatoshisToCoins(satoshis float64) float64 {
	return RoundTo(satoshis/Magnitude, CoinPrecision)
}

// CoinsToSatoshis converts coins to base units.
func CoinsToSatoshis(coins float64) int64 {
	return int64(math.Floor(coins*Magnitude + 0.5))
}

// ReadableHashRate formats hashes per second as e.g. "715.83 MH".
func ReadableHashRate(hashrate float64) string {
	i := -1
	for {
		hashrate /= 1000
		i++
		if hashrate <= 1000 || i == len(hashUnits)-1 {
			break
		}
	}
	return fmt.Sprintf("%.2f%s", hashrate, hashUnits[i])
}

// ReadableSeconds formats a duration in seconds as "1d 2h 3m 4s", dropping
// leading zero units.
func ReadableSeconds(t float64) string {
	seconds := int64(math.Floor(t + 0.5))
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	hours -= days * 24
	minutes -= days*24*60 + hours*60
	seconds -= days*24*60*60 + hours*60*60 + minutes*60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
