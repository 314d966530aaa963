package payments

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var paymentRowColumns = []string{
	"id", "payment_hash", "payer_address", "payee_address", "amount", "currency",
	"status", "latency_ms", "offchain_ref", "tx_hash", "chain_id", "created_at", "updated_at",
}

func TestPostgresStore_RecordEventNewPayment(t *testing.T) {
	s, mock := newMockStore(t)
	p, e := initiated("0xp1", "0xa", "0xb", 1000)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO payments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO payment_events`).
		WithArgs(int64(1), "0xp1", "PaymentInitiated", sqlmock.AnyArg(), nil, nil, nil, SourceOnchain, "0xp1:PaymentInitiated", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectCommit()

	ok, err := s.RecordEvent(context.Background(), p, e)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordEventDuplicateRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	p, e := initiated("0xp1", "0xa", "0xb", 1000)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO payments`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE payment_hash = \$1 FOR UPDATE`).
		WithArgs("0xp1").
		WillReturnRows(sqlmock.NewRows(paymentRowColumns).
			AddRow(int64(1), "0xp1", "0xa", "0xb", "1000", "fbUSD", "pending", nil, nil, nil, int64(280), created, created))
	mock.ExpectQuery(`INSERT INTO payment_events`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	ok, err := s.RecordEvent(context.Background(), p, e)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordEventSettlesExisting(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return created.Add(750 * time.Millisecond) }
	p, e := settled("0xp1")

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO payments`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(paymentRowColumns).
			AddRow(int64(4), "0xp1", "0xa", "0xb", "1000", "fbUSD", "pending", nil, nil, nil, int64(280), created, created))
	mock.ExpectExec(`UPDATE payments SET status`).
		WithArgs(int64(4), "settled", int64(750), nil, created.Add(750*time.Millisecond)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO payment_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	ok, err := s.RecordEvent(context.Background(), p, e)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4), p.ID)
	assert.Equal(t, StatusSettled, p.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveAccountFlows(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery(`UNION ALL`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"address", "sum"}).
			AddRow("0xa", "-1000").
			AddRow("0xb", "340282366920938463463374607431768211456"))

	flows, err := s.ActiveAccountFlows(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "-1000", flows[0].NetFlow.String())
	want, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	assert.Equal(t, 0, flows[1].NetFlow.Cmp(want))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAccountsRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO accounts`)
	prep.ExpectExec().
		WithArgs("0xa", "10", "0", "10", "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.UpsertAccounts(context.Background(), "run-1", []*Account{
		{Address: "0xa", BalanceOnchain: big.NewInt(10), BalanceBank: big.NewInt(0), Discrepancy: big.NewInt(10)},
		{Address: "0xb", BalanceOnchain: big.NewInt(1), BalanceBank: big.NewInt(1), Discrepancy: big.NewInt(0)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0xb")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRunDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO reconciliation_logs`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateRun(context.Background(), &ReconciliationRun{
		RunID: "run-1", TotalDiscrepancyUSD: decimal.RequireFromString("1.5"),
	})
	assert.ErrorIs(t, err, ErrDuplicateRun)
}

func TestPostgresStore_AttachRunSummaryMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE reconciliation_logs SET ai_summary`).
		WithArgs("run-x", "text").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AttachRunSummary(context.Background(), "run-x", "text")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPostgresStore_CountMismatchedAccounts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM accounts WHERE discrepancy <> 0`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountMismatchedAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresStore_ListPaymentsBuildsKeysetQuery(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE status = \$1 AND \(created_at, id\) < \(\$2, \$3\) ORDER BY created_at DESC, id DESC LIMIT \$4`).
		WithArgs("settled", at, int64(9), 100).
		WillReturnRows(sqlmock.NewRows(paymentRowColumns).
			AddRow(int64(8), "0xp8", "0xa", "0xb", "5", "fbUSD", "settled", int64(40), "ref", "0xtx", int64(280), at, at))

	list, err := s.ListPayments(context.Background(), PaymentFilter{
		Status: StatusSettled, Limit: 1000, Cursor: &Cursor{CreatedAt: at, ID: 9},
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "5", list[0].AmountString())
	require.NotNil(t, list[0].LatencyMs)
	assert.Equal(t, int64(40), *list[0].LatencyMs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(hashtext\(\$1\)\)`).
		WithArgs("reconciliation").
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).
		WithArgs("reconciliation").
		WillReturnResult(sqlmock.NewResult(0, 0))

	unlock, ok, err := s.AcquireRunLock(context.Background(), "reconciliation")
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLockBusy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))

	_, ok, err := s.AcquireRunLock(context.Background(), "reconciliation")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStore_DeletePayments(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM payments WHERE payment_hash = ANY\(\$1\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.DeletePayments(context.Background(), []string{"0x1", "0x2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeletePayments(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
