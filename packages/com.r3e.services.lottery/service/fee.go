package lottery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	pricefeedsvc "github.com/R3E-Network/lottery_layer/internal/app/services/pricefeed"
)

var (
	ten            = big.NewInt(10)
	centsTo18Scale = new(big.Int).Exp(ten, big.NewInt(16), nil)
)

// FeeCalculator converts the fiat entry target into native base units using
// the oracle price. Results round up so the house never undercharges.
type FeeCalculator struct {
	oracle         pricefeedsvc.Oracle
	entryFeeCents  uint64
	nativeDecimals uint8
	maxPriceAge    time.Duration
	now            func() time.Time
}

// NewFeeCalculator builds a calculator. Zero values fall back to the
// defaults ($50, 18 native decimals). maxPriceAge of zero disables the
// staleness check.
func NewFeeCalculator(oracle pricefeedsvc.Oracle, entryFeeCents uint64, nativeDecimals uint8, maxPriceAge time.Duration) *FeeCalculator {
	if entryFeeCents == 0 {
		entryFeeCents = DefaultEntryFeeCents
	}
	if nativeDecimals == 0 {
		nativeDecimals = DefaultNativeDecimals
	}
	return &FeeCalculator{
		oracle:         oracle,
		entryFeeCents:  entryFeeCents,
		nativeDecimals: nativeDecimals,
		maxPriceAge:    maxPriceAge,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// EntranceFee returns the smallest native amount worth at least the entry
// target at the current oracle price.
func (f *FeeCalculator) EntranceFee(ctx context.Context) (*uint256.Int, error) {
	if f.oracle == nil {
		return nil, fmt.Errorf("%w: no oracle configured", ErrOracle)
	}
	rd, err := f.oracle.LatestRoundData(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracle, err)
	}
	if rd.Answer == nil || rd.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer", ErrOracle)
	}
	if rd.UpdatedAt.IsZero() {
		return nil, fmt.Errorf("%w: round %d has no timestamp", ErrOracle, rd.RoundID)
	}
	if f.maxPriceAge > 0 && f.now().Sub(rd.UpdatedAt) > f.maxPriceAge {
		return nil, fmt.Errorf("%w: answer older than %s", ErrOracle, f.maxPriceAge)
	}

	price18 := scaleTo18(rd.Answer, f.oracle.Decimals())
	if price18.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price rounds to zero", ErrOracle)
	}

	target := new(big.Int).Mul(new(big.Int).SetUint64(f.entryFeeCents), centsTo18Scale)
	num := new(big.Int).Mul(target, pow10(int64(f.nativeDecimals)))

	// ceil(num / price18)
	fee := new(big.Int).Add(num, new(big.Int).Sub(price18, big.NewInt(1)))
	fee.Quo(fee, price18)

	out, overflow := uint256.FromBig(fee)
	if overflow {
		return nil, fmt.Errorf("%w: fee overflows 256 bits", ErrOracle)
	}
	return out, nil
}

func scaleTo18(answer *big.Int, decimals uint8) *big.Int {
	switch {
	case decimals < 18:
		return new(big.Int).Mul(answer, pow10(int64(18-decimals)))
	case decimals > 18:
		return new(big.Int).Quo(answer, pow10(int64(decimals-18)))
	default:
		return new(big.Int).Set(answer)
	}
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(n), nil)
}

// WithClock overrides the clock used for the staleness check.
func (f *FeeCalculator) WithClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}
