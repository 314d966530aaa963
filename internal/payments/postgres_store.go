package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payments, events, accounts and runs in PostgreSQL.
// The schema lives in the goose migrations.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const paymentColumns = `id, payment_hash, payer_address, payee_address, amount::TEXT, currency,
	status, latency_ms, offchain_ref, tx_hash, chain_id, created_at, updated_at`

const eventColumns = `id, payment_id, payment_hash, event_type, payload, tx_hash,
	block_number, log_index, source, dedupe_key, created_at`

func (p *PostgresStore) RecordEvent(ctx context.Context, pay *Payment, e *PaymentEvent) (bool, error) {
	if pay == nil || e == nil || pay.PaymentHash == "" || e.EventType == "" {
		return false, ErrInvalidPayment
	}
	key := e.DedupeKey
	if key == "" {
		key = DedupeKey(pay.PaymentHash, e.EventType, e.TxHash, e.LogIndex)
	}
	now := p.now()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("record event: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	initial := *pay
	if !initial.Status.Valid() {
		initial.Status = StatusFor(e.EventType)
	}
	paymentID, inserted, err := insertPayment(ctx, tx, &initial, now)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	status := initial.Status

	if !inserted {
		existing, err := scanPayment(tx.QueryRowContext(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE payment_hash = $1 FOR UPDATE`, pay.PaymentHash))
		if err != nil {
			return false, fmt.Errorf("record event: lock payment: %w", err)
		}
		paymentID = existing.ID
		if Apply(existing, e, now) {
			_, err = tx.ExecContext(ctx, `
				UPDATE payments SET status = $2, latency_ms = $3, tx_hash = $4, updated_at = $5
				WHERE id = $1`,
				existing.ID, string(existing.Status), nullInt64(existing.LatencyMs),
				nullStringPtr(existing.TxHash), existing.UpdatedAt)
			if err != nil {
				return false, fmt.Errorf("record event: update payment: %w", err)
			}
		}
		status = existing.Status
	}

	ok, err := insertEvent(ctx, tx, paymentID, pay.PaymentHash, e, key, now)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record event: commit: %w", err)
	}
	pay.ID = paymentID
	pay.Status = status
	return true, nil
}

// insertPayment inserts pay unless its hash already exists.
func insertPayment(ctx context.Context, tx *sql.Tx, pay *Payment, now time.Time) (int64, bool, error) {
	created := pay.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := pay.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	currency := pay.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO payments (
			payment_hash, payer_address, payee_address, amount, currency,
			status, latency_ms, offchain_ref, tx_hash, chain_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(78,0), $5,
			$6, $7, $8, $9, $10,
			$11, $12
		)
		ON CONFLICT (payment_hash) DO NOTHING
		RETURNING id`,
		pay.PaymentHash, pay.PayerAddress, pay.PayeeAddress, pay.AmountString(), currency,
		string(pay.Status), nullInt64(pay.LatencyMs), nullStringPtr(pay.OffchainRef), nullStringPtr(pay.TxHash), pay.ChainID,
		created, updated,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert payment: %w", err)
	}
	return id, true, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, paymentID int64, hash string, e *PaymentEvent, key string, now time.Time) (bool, error) {
	body, err := EncodePayload(e.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}

	var blockNumber, logIndex sql.NullInt64
	if e.BlockNumber != nil {
		blockNumber = sql.NullInt64{Int64: int64(*e.BlockNumber), Valid: true} // #nosec G115 -- block heights fit in int64
	}
	if e.LogIndex != nil {
		logIndex = sql.NullInt64{Int64: int64(*e.LogIndex), Valid: true}
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO payment_events (
			payment_id, payment_hash, event_type, payload, tx_hash,
			block_number, log_index, source, dedupe_key, created_at
		) VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`,
		paymentID, hash, string(e.EventType), string(body), nullStringPtr(e.TxHash),
		blockNumber, logIndex, e.Source, key, created,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, paymentHash string) (*Payment, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_hash = $1`, paymentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	where, args = cursorClause(where, args, f.Cursor)
	args = append(args, ClampLimit(f.Limit, MaxListLimit))

	query := `SELECT ` + paymentColumns + ` FROM payments` + whereSQL(where) +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEvents(ctx context.Context, limit int, cursor *Cursor) ([]*PaymentEvent, error) {
	where, args := cursorClause(nil, nil, cursor)
	args = append(args, ClampLimit(limit, MaxListLimit))
	query := `SELECT ` + eventColumns + ` FROM payment_events` + whereSQL(where) +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) ListPaymentEvents(ctx context.Context, paymentHash string) ([]*PaymentEvent, error) {
	if _, err := p.GetPayment(ctx, paymentHash); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM payment_events WHERE payment_hash = $1 ORDER BY id`, paymentHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) PaymentStats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'settled'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(latency_ms) FILTER (WHERE status = 'settled' AND latency_ms IS NOT NULL), 0),
			COALESCE(percentile_disc(0.95) WITHIN GROUP (ORDER BY latency_ms)
				FILTER (WHERE status = 'settled' AND latency_ms IS NOT NULL), 0)
		FROM payments
		WHERE created_at >= $1`, since,
	).Scan(&st.Total, &st.Settled, &st.Pending, &st.Failed, &st.AvgLatencyMs, &st.P95LatencyMs)
	if err != nil {
		return nil, err
	}
	if done := st.Settled + st.Failed; done > 0 {
		st.SettlementSuccess = float64(st.Settled) / float64(done)
	}
	return st, nil
}

func (p *PostgresStore) ActiveAccountFlows(ctx context.Context, since time.Time) ([]AccountFlow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, SUM(delta)::TEXT
		FROM (
			SELECT payer_address AS address, -amount AS delta
			FROM payments
			WHERE status = 'settled' AND created_at >= $1
			UNION ALL
			SELECT payee_address AS address, amount AS delta
			FROM payments
			WHERE status = 'settled' AND created_at >= $1
		) flows
		GROUP BY address
		ORDER BY address`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []AccountFlow
	for rows.Next() {
		var (
			addr string
			net  string
		)
		if err := rows.Scan(&addr, &net); err != nil {
			return nil, err
		}
		v, err := parseNumeric(net)
		if err != nil {
			return nil, fmt.Errorf("net flow of %s: %w", addr, err)
		}
		result = append(result, AccountFlow{Address: addr, NetFlow: v})
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountPaymentsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE created_at >= $1`, since).Scan(&n)
	return n, err
}

// UpsertAccounts writes every account in one transaction.
func (p *PostgresStore) UpsertAccounts(ctx context.Context, runID string, accounts []*Account) error {
	for _, a := range accounts {
		if a == nil || a.Address == "" {
			return fmt.Errorf("upsert accounts: %w: empty address", ErrInvalidPayment)
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert accounts: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO accounts (address, balance_onchain, balance_bank, discrepancy, last_recon_run_id, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), $3::NUMERIC(78,0), $4::NUMERIC(78,0), $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			balance_onchain   = EXCLUDED.balance_onchain,
			balance_bank      = EXCLUDED.balance_bank,
			discrepancy       = EXCLUDED.discrepancy,
			last_recon_run_id = EXCLUDED.last_recon_run_id,
			updated_at        = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("upsert accounts: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := p.now()
	for _, a := range accounts {
		if _, err := stmt.ExecContext(ctx, a.Address,
			intString(a.BalanceOnchain), intString(a.BalanceBank), intString(a.Discrepancy),
			runID, now); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.Address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert accounts: commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountMismatchedAccounts(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE discrepancy <> 0`).Scan(&n)
	return n, err
}

const accountColumns = `address, balance_onchain::TEXT, balance_bank::TEXT, discrepancy::TEXT,
	last_recon_run_id, updated_at`

func (p *PostgresStore) GetAccount(ctx context.Context, address string) (*Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE address = $1`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAccounts(ctx context.Context, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY ABS(discrepancy) DESC, address
		LIMIT $1`, ClampLimit(limit, MaxListLimit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateRun(ctx context.Context, run *ReconciliationRun) error {
	created := run.CreatedAt
	if created.IsZero() {
		created = p.now()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO reconciliation_logs (run_id, total_tx, mismatched_tx, total_discrepancy_usd, ai_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		run.RunID, run.TotalTx, run.MismatchedTx, run.TotalDiscrepancyUSD, nullStringPtr(run.Summary), created,
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRun
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (p *PostgresStore) AttachRunSummary(ctx context.Context, runID, summary string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE reconciliation_logs SET ai_summary = $2 WHERE run_id = $1`, runID, summary)
	if err != nil {
		return fmt.Errorf("attach summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (p *PostgresStore) ListRuns(ctx context.Context, limit int, cursor *Cursor) ([]*ReconciliationRun, error) {
	where, args := cursorClause(nil, nil, cursor)
	args = append(args, ClampLimit(limit, MaxListLimit))
	query := `SELECT id, run_id, total_tx, mismatched_tx, total_discrepancy_usd, ai_summary, created_at
		FROM reconciliation_logs` + whereSQL(where) +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ReconciliationRun
	for rows.Next() {
		r := &ReconciliationRun{}
		var summary sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.TotalTx, &r.MismatchedTx,
			&r.TotalDiscrepancyUSD, &summary, &r.CreatedAt); err != nil {
			return nil, err
		}
		if summary.Valid {
			s := summary.String
			r.Summary = &s
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// AcquireRunLock takes a session-level advisory lock on a dedicated
// connection. The lock lives until unlock is called or the connection dies.
func (p *PostgresStore) AcquireRunLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("run lock: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("run lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name)
		_ = conn.Close()
	}
	return unlock, true, nil
}

func (p *PostgresStore) InsertPayment(ctx context.Context, pay *Payment, events ...*PaymentEvent) error {
	if pay == nil || pay.PaymentHash == "" || !pay.Status.Valid() {
		return ErrInvalidPayment
	}
	now := p.now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert payment: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, inserted, err := insertPayment(ctx, tx, pay, now)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrDuplicatePayment
	}
	for _, e := range events {
		key := e.DedupeKey
		if key == "" {
			key = DedupeKey(pay.PaymentHash, e.EventType, e.TxHash, e.LogIndex)
		}
		if _, err := insertEvent(ctx, tx, id, pay.PaymentHash, e, key, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert payment: commit: %w", err)
	}
	pay.ID = id
	return nil
}

// DeletePayments removes payments by hash. Their events cascade.
func (p *PostgresStore) DeletePayments(ctx context.Context, paymentHashes []string) (int, error) {
	if len(paymentHashes) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM payments WHERE payment_hash = ANY($1)`, pq.Array(paymentHashes))
	if err != nil {
		return 0, fmt.Errorf("delete payments: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- helpers ---

func cursorClause(where []string, args []interface{}, c *Cursor) ([]string, []interface{}) {
	if c == nil {
		return where, args
	}
	args = append(args, c.CreatedAt, c.ID)
	where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	return where, args
}

func whereSQL(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullStringPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func parseNumeric(s string) (*big.Int, error) {
	// SUM over NUMERIC(78,0) can carry a trailing scale on some drivers.
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(sc scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		amount      string
		status      string
		latency     sql.NullInt64
		offchainRef sql.NullString
		txHash      sql.NullString
	)
	err := sc.Scan(
		&pay.ID, &pay.PaymentHash, &pay.PayerAddress, &pay.PayeeAddress, &amount, &pay.Currency,
		&status, &latency, &offchainRef, &txHash, &pay.ChainID, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pay.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	if latency.Valid {
		v := latency.Int64
		pay.LatencyMs = &v
	}
	if offchainRef.Valid {
		v := offchainRef.String
		pay.OffchainRef = &v
	}
	if txHash.Valid {
		v := txHash.String
		pay.TxHash = &v
	}
	return pay, nil
}

func scanEvents(rows *sql.Rows) ([]*PaymentEvent, error) {
	var result []*PaymentEvent
	for rows.Next() {
		e := &PaymentEvent{}
		var (
			eventType   string
			payload     []byte
			txHash      sql.NullString
			blockNumber sql.NullInt64
			logIndex    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.PaymentHash, &eventType, &payload, &txHash,
			&blockNumber, &logIndex, &e.Source, &e.DedupeKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = EventType(eventType)
		e.Payload = DecodePayload(e.EventType, payload)
		if txHash.Valid {
			v := txHash.String
			e.TxHash = &v
		}
		if blockNumber.Valid {
			v := uint64(blockNumber.Int64) // #nosec G115 -- stored from a uint64
			e.BlockNumber = &v
		}
		if logIndex.Valid {
			v := uint(logIndex.Int64) // #nosec G115 -- stored from a uint
			e.LogIndex = &v
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanAccount(sc scanner) (*Account, error) {
	a := &Account{}
	var (
		onchain, bank, diff string
		runID               sql.NullString
	)
	if err := sc.Scan(&a.Address, &onchain, &bank, &diff, &runID, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.BalanceOnchain, err = parseNumeric(onchain); err != nil {
		return nil, err
	}
	if a.BalanceBank, err = parseNumeric(bank); err != nil {
		return nil, err
	}
	if a.Discrepancy, err = parseNumeric(diff); err != nil {
		return nil, err
	}
	a.LastReconRunID = runID.String
	return a, nil
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)
