package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/lib/pq"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *DB
}

var _ store.Store = (*Store)(nil)

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn in a read-committed transaction. Row locks taken through
// the Tx are held until fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txn{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

const invoiceColumns = `
	id, tenant_id, number, amount_usd, expected_amount, chain_id, token_symbol,
	payment_address, rate_locked_at, rate_locked_until, expiration_hours,
	allow_client_choice, client_refund_address, status, paid_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*model.Invoice, error) {
	var inv model.Invoice
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.Number, &inv.AmountUSD, &inv.ExpectedAmount,
		&inv.ChainID, &inv.TokenSymbol, &inv.PaymentAddress, &inv.RateLockedAt,
		&inv.RateLockedUntil, &inv.ExpirationHours, &inv.AllowClientChoice,
		&inv.ClientRefundAddress, &inv.Status, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	inv, err := scanInvoice(s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, f store.InvoiceFilter) ([]model.Invoice, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY updated_at, id
		LIMIT $2
	`, pq.Array(statuses), limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *Store) ListPayments(ctx context.Context, invoiceID string) ([]model.PaymentTransaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return listPayments(ctx, s.db, invoiceID, false)
}

func (s *Store) ListPollingLog(ctx context.Context, invoiceID string, limit int) ([]model.PollingLogEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, polled_at, from_status, to_status, outcome, verdict, detail
		FROM polling_log
		WHERE invoice_id = $1
		ORDER BY polled_at DESC
		LIMIT $2
	`, invoiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list polling log: %w", err)
	}
	defer rows.Close()

	var out []model.PollingLogEntry
	for rows.Next() {
		var e model.PollingLogEntry
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.PolledAt, &e.FromStatus, &e.ToStatus, &e.Outcome, &e.Verdict, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan polling log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const syncColumns = `
	invoice_id, sync_status, retry_count, last_retry_at, ledger_transaction_id,
	last_error, created_at, updated_at`

func scanSyncRecord(row rowScanner) (*model.CfoSyncRecord, error) {
	var rec model.CfoSyncRecord
	if err := row.Scan(
		&rec.InvoiceID, &rec.SyncStatus, &rec.RetryCount, &rec.LastRetryAt,
		&rec.LedgerTransactionID, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetSyncRecord(ctx context.Context, invoiceID string) (*model.CfoSyncRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rec, err := scanSyncRecord(s.db.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM cfo_sync_mapping WHERE invoice_id = $1`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync record %s: %w", invoiceID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListSyncRecords(ctx context.Context, f store.SyncFilter) ([]model.CfoSyncRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncColumns+`
		FROM cfo_sync_mapping
		WHERE $1::text = '' OR sync_status = $1::text
		ORDER BY updated_at, invoice_id
		LIMIT $2
	`, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	var out []model.CfoSyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) ListSyncLog(ctx context.Context, invoiceID string) ([]model.CfoSyncLogEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, attempt, request, response, error, succeeded, duration_ms, attempted_at
		FROM cfo_sync_log
		WHERE invoice_id = $1
		ORDER BY attempted_at, attempt
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list sync log: %w", err)
	}
	defer rows.Close()

	var out []model.CfoSyncLogEntry
	for rows.Next() {
		var (
			e        model.CfoSyncLogEntry
			request  []byte
			response []byte
		)
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.Attempt, &request, &response, &e.Error, &e.Succeeded, &e.DurationMS, &e.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.Request = request
		if len(response) > 0 {
			e.Response = response
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ReferencedChainIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	terminal := []string{
		string(model.InvoiceStatusPaid),
		string(model.InvoiceStatusOverpaid),
		string(model.InvoiceStatusExpired),
		string(model.InvoiceStatusCancelled),
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT chain_id FROM invoices
		WHERE NOT (status = ANY($1))
		ORDER BY chain_id
	`, pq.Array(terminal))
	if err != nil {
		return nil, fmt.Errorf("referenced chains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chain id: %w", err)
		}
		out = append(out, strings.ToLower(id))
	}
	return out, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listPayments(ctx context.Context, q queryer, invoiceID string, forUpdate bool) ([]model.PaymentTransaction, error) {
	query := `
		SELECT id, invoice_id, chain_id, tx_hash, amount, token_symbol, confirmations,
		       block_timestamp, detected_at, status, explorer_url
		FROM payment_transactions
		WHERE invoice_id = $1
		ORDER BY detected_at, tx_hash`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []model.PaymentTransaction
	for rows.Next() {
		var p model.PaymentTransaction
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.ChainID, &p.TxHash, &p.Amount, &p.TokenSymbol,
			&p.Confirmations, &p.BlockTimestamp, &p.DetectedAt, &p.Status, &p.ExplorerURL); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
