package storage

import "strconv"

// KeyStatHistory holds serialized stats snapshots scored by unix time.
const KeyStatHistory = "statHistory"

// Keys names every store key of one coin.
type Keys struct {
	coin string
}

// CoinKeys returns the key schema for coin
func CoinKeys(coin string) Keys {
	return Keys{coin: coin}
}

func (k Keys) key(suffix string) string {
	return k.coin + ":" + suffix
}

func (k Keys) TimesStart() string      { return k.key("times:timesStart") }
func (k Keys) TimesShare() string      { return k.key("times:timesShare") }
func (k Keys) TimesCurrent() string    { return k.key("times:timesCurrent") }
func (k Keys) SharesCurrent() string   { return k.key("shares:roundCurrent") }
func (k Keys) Stats() string           { return k.key("statistics:basic") }
func (k Keys) Hashrate() string        { return k.key("statistics:hashrate") }
func (k Keys) BlocksPending() string   { return k.key("blocks:pending") }
func (k Keys) BlocksConfirmed() string { return k.key("blocks:confirmed") }
func (k Keys) BlocksKicked() string    { return k.key("blocks:kicked") }
func (k Keys) PendingConfirms() string { return k.key("blocks:pendingConfirms") }
func (k Keys) Balances() string        { return k.key("balances") }
func (k Keys) Payouts() string         { return k.key("payouts") }
func (k Keys) Immature() string        { return k.key("immature") }
func (k Keys) Payments() string        { return k.key("payments") }

// TimesRound is the retired times ledger of the round closed at height.
func (k Keys) TimesRound(height int64) string {
	return k.key("times:times" + strconv.FormatInt(height, 10))
}

// SharesRound is the retired share ledger of the round closed at height.
func (k Keys) SharesRound(height int64) string {
	return k.key("shares:round" + strconv.FormatInt(height, 10))
}

// Fields of the statistics:basic hash.
const (
	FieldValidShares   = "validShares"
	FieldInvalidShares = "invalidShares"
	FieldValidBlocks   = "validBlocks"
	FieldInvalidBlocks = "invalidBlocks"
	FieldTotalPaid     = "totalPaid"
	FieldNetworkSols   = "networkSols"
	FieldNetworkDiff   = "networkDiff"
)
