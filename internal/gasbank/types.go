package gasbank

import (
	"context"
	"time"

	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Asset identifies a balance class held by the ledger.
type Asset string

const (
	// AssetNative is the pooled unit participants pay entrance fees in.
	AssetNative Asset = "native"
	// AssetFeeToken pays for randomness requests.
	AssetFeeToken Asset = "fee_token"
)

const (
	// Transaction types
	TxTypeDeposit  = "deposit"
	TxTypeTransfer = "transfer"
)

// Transaction is a journal entry for a committed balance movement.
type Transaction struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Asset     Asset        `json:"asset"`
	From      util.Uint160 `json:"from"`
	To        util.Uint160 `json:"to"`
	Amount    *uint256.Int `json:"amount"`
	CreatedAt time.Time    `json:"created_at"`
}

// Receiver is implemented by contract-like recipients that want to inspect
// (and possibly reject) incoming transfers. OnPayment runs before the
// recipient is credited; a non-nil error aborts the transfer.
type Receiver interface {
	OnPayment(ctx context.Context, asset Asset, from util.Uint160, amount *uint256.Int) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, asset Asset, from util.Uint160, amount *uint256.Int) error

// OnPayment calls f.
func (f ReceiverFunc) OnPayment(ctx context.Context, asset Asset, from util.Uint160, amount *uint256.Int) error {
	return f(ctx, asset, from, amount)
}
