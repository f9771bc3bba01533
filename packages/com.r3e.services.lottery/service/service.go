package lottery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/random"
	"github.com/R3E-Network/lottery_layer/internal/app/metrics"
	pricefeedsvc "github.com/R3E-Network/lottery_layer/internal/app/services/pricefeed"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// Config fixes the identities and pricing of a lottery instance.
type Config struct {
	// Authority may open and close rounds.
	Authority util.Uint160
	// Coordinator is the only caller allowed to deliver randomness.
	Coordinator util.Uint160
	// Address holds the pool in the custody ledger. Derived from the
	// authority when zero.
	Address util.Uint160

	EntryFeeCents  uint64
	NativeDecimals uint8
	MaxPriceAge    time.Duration

	KeyHash       util.Uint256
	RandomnessFee *uint256.Int
}

// DeriveAddress returns the default custody address for an authority.
func DeriveAddress(authority util.Uint160) util.Uint160 {
	return hash.Hash160(append([]byte("lottery:"), authority.BytesBE()...))
}

type pendingRequest struct {
	id       random.RequestID
	round    uint64
	closedAt time.Time
}

// Service is the lottery engine. Every public operation either commits
// fully or leaves the state unchanged.
type Service struct {
	cfg       Config
	fees      *FeeCalculator
	bank      Bank
	vrf       RandomnessProvider
	store     Store
	publisher Publisher
	log       *logger.Logger
	now       func() time.Time

	// opMu serialises operations; mu guards the fields below for readers.
	// payoutInFlight is set while the winner is being paid, and operations
	// arriving then fail fast instead of queueing on opMu.
	opMu sync.Mutex
	mu   sync.RWMutex

	state            State
	round            uint64
	players          []util.Uint160
	pool             *uint256.Int
	recentWinner     util.Uint160
	recentRandomness *uint256.Int
	pending          *pendingRequest
	openedAt         time.Time
	closedAt         time.Time
	payoutInFlight   bool
}

// New constructs a lottery in the CLOSED state.
func New(cfg Config, oracle pricefeedsvc.Oracle, bank Bank, vrf RandomnessProvider, log *logger.Logger) (*Service, error) {
	if cfg.Authority.Equals(util.Uint160{}) {
		return nil, errors.New("authority is required")
	}
	if cfg.Coordinator.Equals(util.Uint160{}) {
		return nil, errors.New("coordinator is required")
	}
	if oracle == nil || bank == nil || vrf == nil {
		return nil, errors.New("oracle, bank and randomness provider are required")
	}
	if cfg.Address.Equals(util.Uint160{}) {
		cfg.Address = DeriveAddress(cfg.Authority)
	}
	if cfg.RandomnessFee == nil {
		cfg.RandomnessFee = new(uint256.Int)
	}
	if log == nil {
		log = logger.NewDefault("lottery")
	}

	fees := NewFeeCalculator(oracle, cfg.EntryFeeCents, cfg.NativeDecimals, cfg.MaxPriceAge)
	cfg.EntryFeeCents = fees.entryFeeCents
	cfg.NativeDecimals = fees.nativeDecimals

	s := &Service{
		cfg:   cfg,
		fees:  fees,
		bank:  bank,
		vrf:   vrf,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		state: StateClosed,
		pool:  new(uint256.Int),
	}
	s.publishGauges()
	return s, nil
}

// WithStore sets the round history store and resumes numbering after the
// latest round it holds, so a restarted lottery never reuses a round number.
// Call it before the first operation.
func (s *Service) WithStore(ctx context.Context, store Store) error {
	s.store = store
	if store == nil {
		return nil
	}
	latest, err := store.ListResults(ctx, 1)
	if err != nil {
		return fmt.Errorf("load round history: %w", err)
	}
	if len(latest) == 0 {
		return nil
	}

	last := latest[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	if last.Round > s.round {
		s.round = last.Round
		s.recentWinner = last.Winner
		if last.Randomness != nil {
			s.recentRandomness = new(uint256.Int).Set(last.Randomness)
		}
		s.log.WithField("round", last.Round).Info("resuming after recorded round")
	}
	return nil
}

// WithPublisher sets the event sink.
func (s *Service) WithPublisher(p Publisher) {
	s.publisher = p
}

// WithClock overrides the clock for timestamps and price staleness.
func (s *Service) WithClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.now = now
	s.fees.WithClock(now)
}

// Address is the lottery's custody address.
func (s *Service) Address() util.Uint160 { return s.cfg.Address }

// Authority returns the configured authority.
func (s *Service) Authority() util.Uint160 { return s.cfg.Authority }

// Coordinator returns the configured randomness coordinator.
func (s *Service) Coordinator() util.Uint160 { return s.cfg.Coordinator }

// EntranceFee returns the current minimum payment for one entry.
func (s *Service) EntranceFee(ctx context.Context) (*uint256.Int, error) {
	return s.fees.EntranceFee(ctx)
}

// =============================================================================
// Round lifecycle
// =============================================================================

// Open starts a new round.
func (s *Service) Open(ctx context.Context, caller util.Uint160) error {
	if err := s.requireAuthority(caller); err != nil {
		return err
	}
	unlock, ok := s.serialize()
	if !ok {
		return fmt.Errorf("%w: payout in progress", ErrInvalidState)
	}
	defer unlock()

	if s.state != StateClosed {
		return fmt.Errorf("%w: open requires closed, lottery is %s", ErrInvalidState, s.state)
	}

	now := s.now()
	s.mu.Lock()
	s.state = StateOpen
	s.round++
	s.openedAt = now
	s.closedAt = time.Time{}
	round := s.round
	s.mu.Unlock()

	s.log.WithField("round", round).Info("lottery opened")
	metrics.RecordRoundOpened()
	s.publishGauges()
	s.emit(ctx, Event{Type: EventLotteryOpened, Round: round, At: now})
	return nil
}

// Enter records caller as an entrant after moving paid from caller to the
// pool. Overpayment is kept in the pool.
func (s *Service) Enter(ctx context.Context, caller util.Uint160, paid *uint256.Int) error {
	unlock, ok := s.serialize()
	if !ok {
		return fmt.Errorf("%w: payout in progress", ErrLotteryNotOpen)
	}
	defer unlock()

	if s.state != StateOpen {
		return ErrLotteryNotOpen
	}
	fee, err := s.fees.EntranceFee(ctx)
	if err != nil {
		return err
	}
	if paid == nil || paid.Lt(fee) {
		got := "0"
		if paid != nil {
			got = paid.Dec()
		}
		return fmt.Errorf("%w: paid %s, required %s", ErrInsufficientFee, got, fee.Dec())
	}
	if err := s.bank.Transfer(ctx, gasbank.AssetNative, caller, s.cfg.Address, paid); err != nil {
		return fmt.Errorf("collect entry: %w", err)
	}

	s.mu.Lock()
	s.players = append(s.players, caller)
	s.pool = new(uint256.Int).Add(s.pool, paid)
	round := s.round
	count := len(s.players)
	s.mu.Unlock()

	s.log.WithField("round", round).
		WithField("caller", address.Uint160ToString(caller)).
		WithField("amount", paid.Dec()).
		WithField("entries", count).
		Info("entry accepted")
	metrics.RecordEntry()
	s.publishGauges()
	s.emit(ctx, Event{
		Type:   EventEntered,
		Round:  round,
		Player: address.Uint160ToString(caller),
		Amount: paid.Dec(),
		At:     s.now(),
	})
	return nil
}

// Close stops entries and requests randomness for the round. If the
// provider rejects the request the round stays open. Readers keep seeing
// OPEN until the request is recorded; entries arriving meanwhile queue on
// the operation lock and are rejected once the round is calculating.
func (s *Service) Close(ctx context.Context, caller util.Uint160) (random.RequestID, error) {
	if err := s.requireAuthority(caller); err != nil {
		return random.RequestID{}, err
	}
	unlock, ok := s.serialize()
	if !ok {
		return random.RequestID{}, fmt.Errorf("%w: payout in progress", ErrInvalidState)
	}
	defer unlock()

	if s.state != StateOpen {
		return random.RequestID{}, fmt.Errorf("%w: close requires open, lottery is %s", ErrInvalidState, s.state)
	}

	now := s.now()
	id, err := s.vrf.RequestRandomness(ctx, s.cfg.Address, s.cfg.KeyHash, s.cfg.RandomnessFee, s.seed(now))
	if err != nil {
		s.log.WithError(err).WithField("round", s.round).Warn("randomness request rejected; round stays open")
		return random.RequestID{}, fmt.Errorf("%w: %w", ErrRandomnessRequest, err)
	}

	s.mu.Lock()
	s.state = StateCalculating
	s.pending = &pendingRequest{id: id, round: s.round, closedAt: now}
	s.closedAt = now
	round := s.round
	s.mu.Unlock()

	s.log.WithField("round", round).
		WithField("request_id", id.StringLE()).
		Info("lottery closed; randomness requested")
	metrics.RecordRandomnessRequest()
	s.publishGauges()
	s.emit(ctx, Event{Type: EventRequestedRandomness, Round: round, RequestID: id.StringLE(), At: now})
	return id, nil
}

// FulfillRandomness settles the pending round: it picks the winner, resets
// the round and pays the whole pool to the winner. If the payout fails the
// round is left exactly as it was before the call.
func (s *Service) FulfillRandomness(ctx context.Context, caller util.Uint160, requestID random.RequestID, randomness *uint256.Int) error {
	if !caller.Equals(s.cfg.Coordinator) {
		return fmt.Errorf("%w: only the coordinator may fulfill", ErrUnauthorized)
	}
	unlock, ok := s.serialize()
	if !ok {
		return fmt.Errorf("%w: payout in progress", ErrInvalidState)
	}
	defer unlock()

	if s.state != StateCalculating {
		return fmt.Errorf("%w: fulfill requires calculating, lottery is %s", ErrInvalidState, s.state)
	}
	if s.pending == nil || !s.pending.id.Equals(requestID) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID.StringLE())
	}
	if randomness == nil || randomness.IsZero() {
		return ErrInvalidRandomness
	}
	if len(s.players) == 0 {
		return ErrNoEntrants
	}

	n := uint256.NewInt(uint64(len(s.players)))
	index := new(uint256.Int).Mod(randomness, n).Uint64()
	winner := s.players[index]
	prize := new(uint256.Int).Set(s.pool)
	before := s.snapshotLocked()
	pending := *s.pending
	settledAt := s.now()

	s.mu.Lock()
	s.recentWinner = winner
	s.recentRandomness = new(uint256.Int).Set(randomness)
	s.players = nil
	s.pool = new(uint256.Int)
	s.state = StateClosed
	s.pending = nil
	s.payoutInFlight = true
	s.mu.Unlock()

	err := s.bank.Transfer(ctx, gasbank.AssetNative, s.cfg.Address, winner, prize)

	s.mu.Lock()
	s.payoutInFlight = false
	if err != nil {
		s.restoreLocked(before)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).
			WithField("round", pending.round).
			WithField("request_id", requestID.StringLE()).
			Warn("payout failed; round left calculating")
		metrics.RecordSettlement("failed", 0)
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	s.log.WithField("round", pending.round).
		WithField("request_id", requestID.StringLE()).
		WithField("winner", address.Uint160ToString(winner)).
		WithField("index", index).
		WithField("prize", prize.Dec()).
		Info("winner paid")
	metrics.RecordSettlement("paid", settledAt.Sub(pending.closedAt))
	s.publishGauges()

	s.recordResult(ctx, RoundResult{
		ID:          uuid.New().String(),
		Round:       pending.round,
		Winner:      winner,
		WinnerIndex: index,
		Prize:       prize,
		Entries:     len(before.Players),
		RequestID:   requestID,
		Randomness:  new(uint256.Int).Set(randomness),
		OpenedAt:    before.OpenedAt,
		ClosedAt:    pending.closedAt,
		SettledAt:   settledAt,
	})
	s.emit(ctx, Event{
		Type:       EventWinnerPaid,
		Round:      pending.round,
		Player:     address.Uint160ToString(winner),
		Amount:     prize.Dec(),
		RequestID:  requestID.StringLE(),
		Randomness: randomness.Dec(),
		At:         settledAt,
	})
	return nil
}

// FundRandomness moves fee tokens from payer to the lottery so it can pay
// for randomness requests.
func (s *Service) FundRandomness(ctx context.Context, payer util.Uint160, amount *uint256.Int) error {
	if err := s.bank.Transfer(ctx, gasbank.AssetFeeToken, payer, s.cfg.Address, amount); err != nil {
		return fmt.Errorf("fund randomness: %w", err)
	}
	s.log.WithField("payer", address.Uint160ToString(payer)).
		WithField("amount", amount.Dec()).
		Info("randomness fee funded")
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// LotteryState returns the current state.
func (s *Service) LotteryState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Players returns the entrant at index.
func (s *Service) Players(index int) (util.Uint160, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.players) {
		return util.Uint160{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(s.players))
	}
	return s.players[index], nil
}

// PlayerCount returns the number of entries in the current round.
func (s *Service) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

// RecentWinner returns the winner of the last settled round, or the zero
// address before any settlement.
func (s *Service) RecentWinner() util.Uint160 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentWinner
}

// RecentRandomness returns the value that settled the last round.
func (s *Service) RecentRandomness() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.recentRandomness == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(s.recentRandomness)
}

// Pool returns the pooled balance.
func (s *Service) Pool() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(uint256.Int).Set(s.pool)
}

// PendingRequest returns the outstanding randomness request, if any.
func (s *Service) PendingRequest() (random.RequestID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return random.RequestID{}, false
	}
	return s.pending.id, true
}

// Round returns the number of the current or last round.
func (s *Service) Round() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// Snapshot returns a copy of the whole state.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// =============================================================================
// Helpers
// =============================================================================

// serialize acquires the operation lock. It reports false without locking
// while a payout is running: the round has already settled by then, and a
// receive hook calling back in must not wait on the lock its own payout
// holds.
func (s *Service) serialize() (func(), bool) {
	s.mu.RLock()
	settling := s.payoutInFlight
	s.mu.RUnlock()
	if settling {
		return nil, false
	}
	s.opMu.Lock()
	return s.opMu.Unlock, true
}

func (s *Service) requireAuthority(caller util.Uint160) error {
	if !caller.Equals(s.cfg.Authority) {
		return fmt.Errorf("%w: authority required", ErrUnauthorized)
	}
	return nil
}

func (s *Service) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:        s.state,
		Round:        s.round,
		Players:      append([]util.Uint160(nil), s.players...),
		Pool:         new(uint256.Int).Set(s.pool),
		RecentWinner: s.recentWinner,
		OpenedAt:     s.openedAt,
		ClosedAt:     s.closedAt,
	}
	if s.recentRandomness != nil {
		snap.RecentRandomness = new(uint256.Int).Set(s.recentRandomness)
	}
	if s.pending != nil {
		id := s.pending.id
		snap.PendingRequest = &id
	}
	return snap
}

func (s *Service) restoreLocked(snap Snapshot) {
	s.state = snap.State
	s.round = snap.Round
	s.players = snap.Players
	s.pool = snap.Pool
	s.recentWinner = snap.RecentWinner
	s.recentRandomness = snap.RecentRandomness
	s.openedAt = snap.OpenedAt
	s.closedAt = snap.ClosedAt
	s.pending = nil
	if snap.PendingRequest != nil {
		s.pending = &pendingRequest{id: *snap.PendingRequest, round: snap.Round, closedAt: snap.ClosedAt}
	}
}

// seed mixes the round number, the entries and the close time.
func (s *Service) seed(closedAt time.Time) *uint256.Int {
	buf := make([]byte, 0, 24+len(s.players)*util.Uint160Size)
	buf = binary.BigEndian.AppendUint64(buf, s.round)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(s.players)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(closedAt.UnixNano()))
	for _, p := range s.players {
		buf = append(buf, p.BytesBE()...)
	}
	digest := hash.Sha256(buf)
	return new(uint256.Int).SetBytes(digest.BytesBE())
}

func (s *Service) recordResult(ctx context.Context, result RoundResult) {
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordResult(ctx, result); err != nil {
		s.log.WithError(err).WithField("round", result.Round).Warn("failed to record round result")
	}
}

func (s *Service) emit(ctx context.Context, evt Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, evt)
}

func (s *Service) publishGauges() {
	s.mu.RLock()
	state, pool, count := s.state, new(uint256.Int).Set(s.pool), len(s.players)
	s.mu.RUnlock()
	metrics.SetRoundGauges(int(state), pool, count)
}
