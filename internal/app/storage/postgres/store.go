package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/lottery_layer/internal/platform/migrations"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
)

// Store implements lottery.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ lottery.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, applies migrations and returns a store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.Up(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type resultRow struct {
	ID          string    `db:"id"`
	Round       int64     `db:"round_number"`
	Winner      string    `db:"winner"`
	WinnerIndex int64     `db:"winner_index"`
	Prize       string    `db:"prize"`
	Entries     int       `db:"entries"`
	RequestID   string    `db:"request_id"`
	Randomness  string    `db:"randomness"`
	OpenedAt    time.Time `db:"opened_at"`
	ClosedAt    time.Time `db:"closed_at"`
	SettledAt   time.Time `db:"settled_at"`
}

const selectResults = `
	SELECT id, round_number, winner, winner_index, prize, entries,
	       request_id, randomness, opened_at, closed_at, settled_at
	FROM lottery_round_results`

func (s *Store) RecordResult(ctx context.Context, result lottery.RoundResult) (lottery.RoundResult, error) {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.SettledAt.IsZero() {
		result.SettledAt = time.Now().UTC()
	}
	row := toRow(result)

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO lottery_round_results (
			id, round_number, winner, winner_index, prize, entries,
			request_id, randomness, opened_at, closed_at, settled_at
		) VALUES (
			:id, :round_number, :winner, :winner_index, :prize, :entries,
			:request_id, :randomness, :opened_at, :closed_at, :settled_at
		)
	`, row)
	if err != nil {
		return lottery.RoundResult{}, fmt.Errorf("insert round result: %w", err)
	}
	return result, nil
}

func (s *Store) GetResult(ctx context.Context, round uint64) (lottery.RoundResult, error) {
	var row resultRow
	if err := s.db.GetContext(ctx, &row, selectResults+` WHERE round_number = $1`, int64(round)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lottery.RoundResult{}, fmt.Errorf("%w: round %d", lottery.ErrResultNotFound, round)
		}
		return lottery.RoundResult{}, err
	}
	return fromRow(row)
}

func (s *Store) ListResults(ctx context.Context, limit int) ([]lottery.RoundResult, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, selectResults+` ORDER BY round_number DESC LIMIT $1`, limit); err != nil {
		return nil, err
	}
	out := make([]lottery.RoundResult, 0, len(rows))
	for _, row := range rows {
		result, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

func toRow(r lottery.RoundResult) resultRow {
	return resultRow{
		ID:          r.ID,
		Round:       int64(r.Round),
		Winner:      address.Uint160ToString(r.Winner),
		WinnerIndex: int64(r.WinnerIndex),
		Prize:       decimal(r.Prize),
		Entries:     r.Entries,
		RequestID:   r.RequestID.StringLE(),
		Randomness:  decimal(r.Randomness),
		OpenedAt:    r.OpenedAt.UTC(),
		ClosedAt:    r.ClosedAt.UTC(),
		SettledAt:   r.SettledAt.UTC(),
	}
}

func fromRow(row resultRow) (lottery.RoundResult, error) {
	winner, err := address.StringToUint160(row.Winner)
	if err != nil {
		return lottery.RoundResult{}, fmt.Errorf("decode winner: %w", err)
	}
	requestID, err := util.Uint256DecodeStringLE(row.RequestID)
	if err != nil {
		return lottery.RoundResult{}, fmt.Errorf("decode request id: %w", err)
	}
	prize, err := uint256.FromDecimal(row.Prize)
	if err != nil {
		return lottery.RoundResult{}, fmt.Errorf("decode prize: %w", err)
	}
	randomness, err := uint256.FromDecimal(row.Randomness)
	if err != nil {
		return lottery.RoundResult{}, fmt.Errorf("decode randomness: %w", err)
	}
	return lottery.RoundResult{
		ID:          row.ID,
		Round:       uint64(row.Round),
		Winner:      winner,
		WinnerIndex: uint64(row.WinnerIndex),
		Prize:       prize,
		Entries:     row.Entries,
		RequestID:   requestID,
		Randomness:  randomness,
		OpenedAt:    row.OpenedAt,
		ClosedAt:    row.ClosedAt,
		SettledAt:   row.SettledAt,
	}, nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
