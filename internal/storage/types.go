package storage

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ShareKey is the field name of one share in the round ledger.
type ShareKey struct {
	Time      int64  `json:"time"`
	Worker    string `json:"worker"`
	SoloMined bool   `json:"soloMined"`
}

// BlockRecord is a found block as stored in the block sets
type BlockRecord struct {
	Time        int64   `json:"time"`
	Height      int64   `json:"height"`
	BlockHash   string  `json:"blockHash"`
	BlockReward float64 `json:"blockReward"`
	TxHash      string  `json:"txHash"`
	Difficulty  float64 `json:"difficulty"`
	Worker      string  `json:"worker"`
	SoloMined   bool    `json:"soloMined"`
}

// HashrateSample is one entry of the hashrate series. Difficulty is negative
// for invalid shares.
type HashrateSample struct {
	Time       int64   `json:"time"`
	Difficulty float64 `json:"difficulty"`
	Worker     string  `json:"worker"`
	SoloMined  bool    `json:"soloMined"`
}

// Encode returns the JSON form used as a hash field or set member.
func (k ShareKey) Encode() string {
	return mustEncode(k)
}

// Encode returns the JSON form used as a set member.
func (b BlockRecord) Encode() string {
	return mustEncode(b)
}

// Encode returns the JSON form used as a sorted set member.
func (s HashrateSample) Encode() string {
	return mustEncode(s)
}

func mustEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storage: encode %T: %v", v, err))
	}
	return string(b)
}

// ParseShareKey decodes a round ledger field.
func ParseShareKey(s string) (ShareKey, error) {
	var k ShareKey
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return k, fmt.Errorf("malformed share key %q: %w", s, err)
	}
	if k.Worker == "" {
		return k, fmt.Errorf("malformed share key %q: missing worker", s)
	}
	return k, nil
}

// ParseBlockRecord decodes a block set member.
func ParseBlockRecord(s string) (BlockRecord, error) {
	var b BlockRecord
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return b, fmt.Errorf("malformed block record %q: %w", s, err)
	}
	return b, nil
}

// ParseHashrateSample decodes a hashrate series member.
func ParseHashrateSample(s string) (HashrateSample, error) {
	var h HashrateSample
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return h, fmt.Errorf("malformed hashrate sample %q: %w", s, err)
	}
	if h.Worker == "" {
		return h, fmt.Errorf("malformed hashrate sample %q: missing worker", s)
	}
	return h, nil
}
