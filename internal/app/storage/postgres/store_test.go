package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/lottery_layer/pkg/testutil"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
)

var resultColumns = []string{
	"id", "round_number", "winner", "winner_index", "prize", "entries",
	"request_id", "randomness", "opened_at", "closed_at", "settled_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func sampleResult() lottery.RoundResult {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return lottery.RoundResult{
		ID:          "5b3c8f5e-2a8e-4c43-9a59-4c5f7d6b9a11",
		Round:       3,
		Winner:      testutil.Account(1),
		WinnerIndex: 2,
		Prize:       uint256.MustFromDecimal("75000000000000000"),
		Entries:     3,
		RequestID:   util.Uint256{0xab, 0xcd},
		Randomness:  uint256.NewInt(777),
		OpenedAt:    at,
		ClosedAt:    at.Add(time.Hour),
		SettledAt:   at.Add(time.Hour + time.Minute),
	}
}

func TestRecordResult(t *testing.T) {
	store, mock := newMockStore(t)
	r := sampleResult()

	mock.ExpectExec("INSERT INTO lottery_round_results").
		WithArgs(r.ID, int64(3), address.Uint160ToString(r.Winner), int64(2), "75000000000000000", 3,
			r.RequestID.StringLE(), "777", r.OpenedAt, r.ClosedAt, r.SettledAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.RecordResult(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultAssignsID(t *testing.T) {
	store, mock := newMockStore(t)
	r := sampleResult()
	r.ID = ""

	mock.ExpectExec("INSERT INTO lottery_round_results").WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.RecordResult(context.Background(), r)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO lottery_round_results").WillReturnError(errors.New("duplicate key"))

	_, err := store.RecordResult(context.Background(), sampleResult())
	require.Error(t, err)
}

func TestGetResult(t *testing.T) {
	store, mock := newMockStore(t)
	r := sampleResult()

	rows := sqlmock.NewRows(resultColumns).AddRow(
		r.ID, int64(3), address.Uint160ToString(r.Winner), int64(2), "75000000000000000", 3,
		r.RequestID.StringLE(), "777", r.OpenedAt, r.ClosedAt, r.SettledAt,
	)
	mock.ExpectQuery("SELECT id, round_number").WithArgs(int64(3)).WillReturnRows(rows)

	got, err := store.GetResult(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, r.Winner, got.Winner)
	assert.True(t, got.Prize.Eq(r.Prize))
	assert.True(t, got.Randomness.Eq(r.Randomness))
	assert.Equal(t, r.RequestID, got.RequestID)
	assert.Equal(t, uint64(2), got.WinnerIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResultNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, round_number").WithArgs(int64(9)).WillReturnRows(sqlmock.NewRows(resultColumns))

	_, err := store.GetResult(context.Background(), 9)
	assert.ErrorIs(t, err, lottery.ErrResultNotFound)
}

func TestListResults(t *testing.T) {
	store, mock := newMockStore(t)
	r := sampleResult()
	winner := address.Uint160ToString(r.Winner)

	rows := sqlmock.NewRows(resultColumns).
		AddRow("b", int64(2), winner, int64(0), "10", 1, r.RequestID.StringLE(), "5", r.OpenedAt, r.ClosedAt, r.SettledAt).
		AddRow("a", int64(1), winner, int64(1), "20", 2, r.RequestID.StringLE(), "7", r.OpenedAt, r.ClosedAt, r.SettledAt)
	mock.ExpectQuery("ORDER BY round_number DESC LIMIT").WithArgs(100).WillReturnRows(rows)

	got, err := store.ListResults(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Round)
	assert.Equal(t, uint64(20), got[1].Prize.Uint64())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResultsRejectsCorruptRows(t *testing.T) {
	store, mock := newMockStore(t)
	r := sampleResult()
	rows := sqlmock.NewRows(resultColumns).
		AddRow("a", int64(1), "not-an-address", int64(0), "1", 1, r.RequestID.StringLE(), "1", r.OpenedAt, r.ClosedAt, r.SettledAt)
	mock.ExpectQuery("SELECT id, round_number").WithArgs(5).WillReturnRows(rows)

	_, err := store.ListResults(context.Background(), 5)
	require.Error(t, err)
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	r := sampleResult()
	r.ID = ""
	r.Round = uint64(time.Now().UnixNano())
	created, err := store.RecordResult(ctx, r)
	if err != nil {
		t.Fatalf("record result: %v", err)
	}

	got, err := store.GetResult(ctx, r.Round)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got.ID != created.ID || got.Winner != r.Winner || !got.Prize.Eq(r.Prize) {
		t.Fatalf("unexpected result %+v", got)
	}
}
