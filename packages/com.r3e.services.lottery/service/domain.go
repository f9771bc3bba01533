// Package lottery provides a custodial lottery: participants pay an
// oracle-priced entrance fee, an authority opens and closes rounds and a
// randomness provider picks the single winner, who receives the pool.
package lottery

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/random"
)

// State is the lifecycle state of the lottery. Ordinals are stable and
// exposed to clients.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateCalculating
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateCalculating:
		return "calculating"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the lottery state.
type Snapshot struct {
	State            State
	Round            uint64
	Players          []util.Uint160
	Pool             *uint256.Int
	RecentWinner     util.Uint160
	RecentRandomness *uint256.Int
	PendingRequest   *random.RequestID
	OpenedAt         time.Time
	ClosedAt         time.Time
}

// RoundResult is the history record of a settled round.
type RoundResult struct {
	ID          string       `json:"id"`
	Round       uint64       `json:"round"`
	Winner      util.Uint160 `json:"winner"`
	WinnerIndex uint64       `json:"winner_index"`
	Prize       *uint256.Int `json:"prize"`
	Entries     int          `json:"entries"`
	RequestID   util.Uint256 `json:"request_id"`
	Randomness  *uint256.Int `json:"randomness"`
	OpenedAt    time.Time    `json:"opened_at"`
	ClosedAt    time.Time    `json:"closed_at"`
	SettledAt   time.Time    `json:"settled_at"`
}

// EventType names an observable lottery event.
type EventType string

const (
	EventLotteryOpened       EventType = "lottery_opened"
	EventEntered             EventType = "entered"
	EventRequestedRandomness EventType = "requested_randomness"
	EventWinnerPaid          EventType = "winner_paid"
)

// Event is emitted after an operation commits. Addresses, amounts and
// identifiers are pre-rendered as strings for transport.
type Event struct {
	Type       EventType `json:"type"`
	Round      uint64    `json:"round"`
	Player     string    `json:"player,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Randomness string    `json:"randomness,omitempty"`
	At         time.Time `json:"at"`
}

// Default configuration values.
const (
	DefaultEntryFeeCents  = 5000 // $50
	DefaultNativeDecimals = 18
)
