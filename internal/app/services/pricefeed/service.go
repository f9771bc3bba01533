package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/pricefeed"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// Oracle reports the exchange rate of the native unit in the fiat reference
// unit as a fixed-point integer with Decimals() fractional digits.
type Oracle interface {
	Decimals() uint8
	LatestRoundData(ctx context.Context) (pricefeed.RoundData, error)
}

var (
	ErrNoData        = errors.New("no price data reported")
	ErrRoundNotFound = errors.New("price round not found")
)

// Aggregator is an in-process oracle that keeps every reported round.
type Aggregator struct {
	mu     sync.RWMutex
	feed   pricefeed.Feed
	rounds []pricefeed.RoundData
	log    *logger.Logger
	now    func() time.Time
}

var _ Oracle = (*Aggregator)(nil)

// NewAggregator constructs an aggregator for feed. If initial is non-nil it
// is reported as round 1.
func NewAggregator(feed pricefeed.Feed, initial *big.Int, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewDefault("pricefeed")
	}
	a := &Aggregator{
		feed: feed,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if initial != nil {
		a.UpdateAnswer(initial)
	}
	return a
}

// WithClock overrides the timestamp source for reported rounds.
func (a *Aggregator) WithClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now != nil {
		a.now = now
	}
}

// Feed returns the feed definition.
func (a *Aggregator) Feed() pricefeed.Feed { return a.feed }

// Decimals returns the number of fractional digits in answers.
func (a *Aggregator) Decimals() uint8 { return a.feed.Decimals }

// UpdateAnswer reports a new answer as the next round. Validation of the
// value is left to consumers, the way an on-chain aggregator stores what it
// is given.
func (a *Aggregator) UpdateAnswer(answer *big.Int) pricefeed.RoundData {
	a.mu.Lock()
	now := a.now()
	id := uint64(len(a.rounds) + 1)
	rd := pricefeed.RoundData{
		RoundID:         id,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       now,
		UpdatedAt:       now,
		AnsweredInRound: id,
	}
	a.rounds = append(a.rounds, rd)
	a.mu.Unlock()

	a.log.WithField("pair", a.feed.Pair).
		WithField("round_id", id).
		WithField("answer", answer.String()).
		Debug("price answer reported")
	return copyRound(rd)
}

// LatestRoundData returns the most recent round.
func (a *Aggregator) LatestRoundData(ctx context.Context) (pricefeed.RoundData, error) {
	if err := ctx.Err(); err != nil {
		return pricefeed.RoundData{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.rounds) == 0 {
		return pricefeed.RoundData{}, ErrNoData
	}
	return copyRound(a.rounds[len(a.rounds)-1]), nil
}

// GetRoundData returns a historic round.
func (a *Aggregator) GetRoundData(ctx context.Context, roundID uint64) (pricefeed.RoundData, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if roundID == 0 || roundID > uint64(len(a.rounds)) {
		return pricefeed.RoundData{}, fmt.Errorf("%w: %d", ErrRoundNotFound, roundID)
	}
	return copyRound(a.rounds[roundID-1]), nil
}

func copyRound(rd pricefeed.RoundData) pricefeed.RoundData {
	if rd.Answer != nil {
		rd.Answer = new(big.Int).Set(rd.Answer)
	}
	return rd
}
