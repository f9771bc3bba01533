package lottery

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/random"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
)

// Store persists the history of settled rounds.
type Store interface {
	RecordResult(ctx context.Context, result RoundResult) (RoundResult, error)
	GetResult(ctx context.Context, round uint64) (RoundResult, error)
	// ListResults returns the most recent results first.
	ListResults(ctx context.Context, limit int) ([]RoundResult, error)
}

// Bank holds custody of participant funds and the pool.
type Bank interface {
	Balance(asset gasbank.Asset, addr util.Uint160) *uint256.Int
	Transfer(ctx context.Context, asset gasbank.Asset, from, to util.Uint160, amount *uint256.Int) error
}

// RandomnessProvider accepts randomness requests and later calls back
// FulfillRandomness.
type RandomnessProvider interface {
	RequestRandomness(ctx context.Context, consumer util.Uint160, keyHash util.Uint256, fee, seed *uint256.Int) (random.RequestID, error)
}

// Publisher receives committed lottery events.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, evt Event)

func (f PublisherFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }
