// Package algo lists the proof-of-work algorithms the portal can account for.
package algo

import "strings"

// FamilyBitcoin covers every algorithm served by the bitcoin-style stratum engine.
const FamilyBitcoin = "bitcoin"

// Properties describes how share difficulty maps onto hashes for one algorithm.
type Properties struct {
	Name string
	// Multiplier scales difficulty 1 relative to sha256 (2^32 hashes per diff-1 share).
	Multiplier float64
	Family     string
}

var table = map[string]Properties{}

func add(multiplier float64, names ...string) {
	for _, n := range names {
		table[n] = Properties{Name: n, Multiplier: multiplier, Family: FamilyBitcoin}
	}
}

func init() {
	add(1, "sha256", "sha256d", "x11", "x13", "x15", "x16r", "x16s", "nist5", "quark", "qubit", "blake", "blake2s", "skein", "c11", "lyra2re2", "sha1")
	add(1<<16, "scrypt", "scrypt-n", "scrypt-og", "scrypt-jane")
	add(1<<8, "keccak", "groestl", "fugue")
}

// Lookup returns properties for the algorithm, matched case-insensitively.
func Lookup(name string) (Properties, bool) {
	p, ok := table[strings.ToLower(name)]
	return p, ok
}

// Supported reports whether the algorithm is known.
func Supported(name string) bool {
	_, ok := Lookup(name)
	return ok
}

// Multiplier returns the algorithm multiplier, or 1 if unknown.
func Multiplier(name string) float64 {
	if p, ok := Lookup(name); ok {
		return p.Multiplier
	}
	return 1
}
