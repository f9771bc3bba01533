package gasbank

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/lottery_layer/pkg/testutil"
)

func TestLedger_DepositAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	alice, bob := testutil.Account(0), testutil.Account(1)

	require.NoError(t, l.Deposit(ctx, AssetNative, alice, uint256.NewInt(100)))
	require.NoError(t, l.Transfer(ctx, AssetNative, alice, bob, uint256.NewInt(40)))

	assert.Equal(t, uint64(60), l.Balance(AssetNative, alice).Uint64())
	assert.Equal(t, uint64(40), l.Balance(AssetNative, bob).Uint64())
	assert.True(t, l.Balance(AssetFeeToken, alice).IsZero(), "assets are isolated")

	txs := l.Transactions(bob)
	require.Len(t, txs, 1)
	assert.Equal(t, TxTypeTransfer, txs[0].Type)
	assert.NotEmpty(t, txs[0].ID)
}

func TestLedger_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	alice, bob := testutil.Account(0), testutil.Account(1)

	require.NoError(t, l.Deposit(ctx, AssetNative, alice, uint256.NewInt(5)))
	err := l.Transfer(ctx, AssetNative, alice, bob, uint256.NewInt(6))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(5), l.Balance(AssetNative, alice).Uint64())
	assert.True(t, l.Balance(AssetNative, bob).IsZero())
}

func TestLedger_ReceiverRejects(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	alice, vault := testutil.Account(0), testutil.Account(1)
	require.NoError(t, l.Deposit(ctx, AssetNative, alice, uint256.NewInt(10)))

	l.RegisterReceiver(vault, ReceiverFunc(func(context.Context, Asset, util.Uint160, *uint256.Int) error {
		return errors.New("no thanks")
	}))

	err := l.Transfer(ctx, AssetNative, alice, vault, uint256.NewInt(10))
	require.ErrorIs(t, err, ErrTransferRejected)
	assert.Equal(t, uint64(10), l.Balance(AssetNative, alice).Uint64())
	assert.True(t, l.Balance(AssetNative, vault).IsZero())

	l.UnregisterReceiver(vault)
	require.NoError(t, l.Transfer(ctx, AssetNative, alice, vault, uint256.NewInt(10)))
	assert.Equal(t, uint64(10), l.Balance(AssetNative, vault).Uint64())
}

func TestLedger_ReceiverSeesPreTransferBalances(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	alice, vault := testutil.Account(0), testutil.Account(1)
	require.NoError(t, l.Deposit(ctx, AssetNative, alice, uint256.NewInt(7)))

	var seen uint64
	l.RegisterReceiver(vault, ReceiverFunc(func(_ context.Context, _ Asset, from util.Uint160, amount *uint256.Int) error {
		seen = l.Balance(AssetNative, vault).Uint64()
		assert.Equal(t, alice, from)
		assert.Equal(t, uint64(7), amount.Uint64())
		return nil
	}))

	require.NoError(t, l.Transfer(ctx, AssetNative, alice, vault, uint256.NewInt(7)))
	assert.Zero(t, seen)
	assert.Equal(t, uint64(7), l.Balance(AssetNative, vault).Uint64())
}

func TestLedger_DepositOverflow(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	alice := testutil.Account(0)
	max := new(uint256.Int).SetAllOne()

	require.NoError(t, l.Deposit(ctx, AssetNative, alice, max))
	require.ErrorIs(t, l.Deposit(ctx, AssetNative, alice, uint256.NewInt(1)), ErrOverflow)
}
