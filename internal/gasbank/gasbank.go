// Package gasbank provides the custody ledger for the lottery.
//
// Every balance the system moves lives here: participant native balances,
// the lottery's pooled balance (held under the lottery's own address) and
// the fee-token balances used to pay for randomness.
//
// Transfer flow:
// 1. Check the sender holds the amount
// 2. Run the recipient's Receiver hook, if one is registered (ledger unlocked)
// 3. Re-check, debit the sender and credit the recipient atomically
// 4. Append a journal entry
package gasbank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransferRejected    = errors.New("transfer rejected by recipient")
	ErrOverflow            = errors.New("balance overflow")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Ledger holds balances per asset and address.
type Ledger struct {
	mu        sync.Mutex
	balances  map[Asset]map[util.Uint160]*uint256.Int
	receivers map[util.Uint160]Receiver
	journal   []Transaction
	log       *logger.Logger
	now       func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewDefault("gasbank")
	}
	return &Ledger{
		balances:  make(map[Asset]map[util.Uint160]*uint256.Int),
		receivers: make(map[util.Uint160]Receiver),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the journal timestamp source.
func (l *Ledger) WithClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// =============================================================================
// Core Balance Operations
// =============================================================================

// Balance returns a copy of the balance of addr in asset.
func (l *Ledger) Balance(asset Asset, addr util.Uint160) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.balanceLocked(asset, addr))
}

// Deposit credits addr with amount of asset. Deposits bypass receiver hooks.
func (l *Ledger) Deposit(ctx context.Context, asset Asset, to util.Uint160, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(asset, to)
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return ErrOverflow
	}
	l.setLocked(asset, to, sum)
	l.recordLocked(TxTypeDeposit, asset, util.Uint160{}, to, amount)

	l.log.WithField("asset", asset).
		WithField("to", to.StringLE()).
		WithField("amount", amount.Dec()).
		Debug("deposit credited")
	return nil
}

// Transfer moves amount of asset from one address to another. Either the
// whole amount moves or nothing does.
func (l *Ledger) Transfer(ctx context.Context, asset Asset, from, to util.Uint160, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	if bal := l.balanceLocked(asset, from); bal.Lt(amount) {
		l.mu.Unlock()
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, bal.Dec(), amount.Dec())
	}
	receiver := l.receivers[to]
	l.mu.Unlock()

	if receiver != nil {
		if err := receiver.OnPayment(ctx, asset, from, new(uint256.Int).Set(amount)); err != nil {
			l.log.WithError(err).
				WithField("asset", asset).
				WithField("to", to.StringLE()).
				Warn("transfer rejected by recipient")
			return fmt.Errorf("%w: %v", ErrTransferRejected, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// The hook ran unlocked; balances may have moved underneath it.
	fromBal := l.balanceLocked(asset, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, fromBal.Dec(), amount.Dec())
	}
	if from.Equals(to) {
		l.recordLocked(TxTypeTransfer, asset, from, to, amount)
		return nil
	}
	toBal, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(asset, to), amount)
	if overflow {
		return ErrOverflow
	}
	l.setLocked(asset, from, new(uint256.Int).Sub(fromBal, amount))
	l.setLocked(asset, to, toBal)
	l.recordLocked(TxTypeTransfer, asset, from, to, amount)
	return nil
}

// =============================================================================
// Receivers and Journal
// =============================================================================

// RegisterReceiver installs a payment hook for addr, replacing any previous one.
func (l *Ledger) RegisterReceiver(addr util.Uint160, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r == nil {
		delete(l.receivers, addr)
		return
	}
	l.receivers[addr] = r
}

// UnregisterReceiver removes the payment hook for addr.
func (l *Ledger) UnregisterReceiver(addr util.Uint160) {
	l.RegisterReceiver(addr, nil)
}

// Transactions returns journal entries touching addr, oldest first.
func (l *Ledger) Transactions(addr util.Uint160) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Transaction
	for _, tx := range l.journal {
		if tx.From.Equals(addr) || tx.To.Equals(addr) {
			tx.Amount = new(uint256.Int).Set(tx.Amount)
			out = append(out, tx)
		}
	}
	return out
}

func (l *Ledger) balanceLocked(asset Asset, addr util.Uint160) *uint256.Int {
	if byAddr, ok := l.balances[asset]; ok {
		if bal, ok := byAddr[addr]; ok {
			return bal
		}
	}
	return new(uint256.Int)
}

func (l *Ledger) setLocked(asset Asset, addr util.Uint160, v *uint256.Int) {
	byAddr, ok := l.balances[asset]
	if !ok {
		byAddr = make(map[util.Uint160]*uint256.Int)
		l.balances[asset] = byAddr
	}
	byAddr[addr] = v
}

func (l *Ledger) recordLocked(txType string, asset Asset, from, to util.Uint160, amount *uint256.Int) {
	l.journal = append(l.journal, Transaction{
		ID:        uuid.New().String(),
		Type:      txType,
		Asset:     asset,
		From:      from,
		To:        to,
		Amount:    new(uint256.Int).Set(amount),
		CreatedAt: l.now(),
	})
}
