package pricefeed

import (
	"math/big"
	"time"
)

// Feed describes the price pair an aggregator reports.
type Feed struct {
	BaseAsset  string
	QuoteAsset string
	Pair       string
	Decimals   uint8
	JSONPath   string
	Active     bool
}

// RoundData is one reported answer, in the shape of a Chainlink
// aggregator's latestRoundData. Answer is a signed fixed-point integer with
// the aggregator's decimals; invalid sources may report zero or negatives.
type RoundData struct {
	RoundID         uint64
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// Snapshot captures a fetched price before it is scaled and reported.
type Snapshot struct {
	Pair        string
	Price       float64
	Source      string
	CollectedAt time.Time
}
