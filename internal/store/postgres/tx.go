package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// txn implements store.Tx over a *sql.Tx.
type txn struct {
	tx *sql.Tx
}

func (t *txn) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, inv.ID, inv.TenantID, inv.Number, inv.AmountUSD, inv.ExpectedAmount, inv.ChainID,
		inv.TokenSymbol, inv.PaymentAddress, inv.RateLockedAt, inv.RateLockedUntil,
		inv.ExpirationHours, inv.AllowClientChoice, inv.ClientRefundAddress, inv.Status,
		inv.PaidAt, inv.CreatedAt, inv.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("invoice %s: %w", inv.ID, store.ErrInvoiceExists)
	}
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (t *txn) LockInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock invoice: %w", err)
	}
	return inv, nil
}

func (t *txn) UpdateInvoiceStatus(ctx context.Context, id string, status model.InvoiceStatus, paidAt *time.Time, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices SET
			status = $2,
			paid_at = COALESCE($3, paid_at),
			updated_at = $4
		WHERE id = $1
	`, id, status, paidAt, now)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invoice %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *txn) InsertPayment(ctx context.Context, p *model.PaymentTransaction) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_transactions (
			id, invoice_id, chain_id, tx_hash, amount, token_symbol, confirmations,
			block_timestamp, detected_at, status, explorer_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chain_id, tx_hash) DO NOTHING
	`, p.ID, p.InvoiceID, p.ChainID, p.TxHash, p.Amount, p.TokenSymbol, p.Confirmations,
		p.BlockTimestamp, p.DetectedAt, p.Status, p.ExplorerURL,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var existing model.PaymentTransaction
	err = t.tx.QueryRowContext(ctx, `
		SELECT id, invoice_id, chain_id, tx_hash, amount, token_symbol, confirmations,
		       block_timestamp, detected_at, status, explorer_url
		FROM payment_transactions
		WHERE chain_id = $1 AND tx_hash = $2
	`, p.ChainID, p.TxHash).Scan(
		&existing.ID, &existing.InvoiceID, &existing.ChainID, &existing.TxHash, &existing.Amount,
		&existing.TokenSymbol, &existing.Confirmations, &existing.BlockTimestamp,
		&existing.DetectedAt, &existing.Status, &existing.ExplorerURL,
	)
	if err != nil {
		return false, fmt.Errorf("load conflicting payment: %w", err)
	}
	if existing.InvoiceID != p.InvoiceID {
		return false, fmt.Errorf("%s/%s owned by invoice %s: %w", p.ChainID, p.TxHash, existing.InvoiceID, store.ErrDuplicatePayment)
	}
	*p = existing
	return false, nil
}

func (t *txn) ListPayments(ctx context.Context, invoiceID string) ([]model.PaymentTransaction, error) {
	return listPayments(ctx, t.tx, invoiceID, true)
}

func (t *txn) UpdatePayment(ctx context.Context, id string, confirmations int64, status model.PaymentStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payment_transactions SET confirmations = $2, status = $3 WHERE id = $1
	`, id, confirmations, status)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *txn) AppendPollingLog(ctx context.Context, e *model.PollingLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO polling_log (id, invoice_id, polled_at, from_status, to_status, outcome, verdict, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.InvoiceID, e.PolledAt, e.FromStatus, e.ToStatus, e.Outcome, e.Verdict, e.Detail)
	if err != nil {
		return fmt.Errorf("append polling log: %w", err)
	}
	return nil
}

func (t *txn) RecordEvent(ctx context.Context, invoiceID string, name model.EventName, dedupeKey string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoice_events (invoice_id, name, dedupe_key, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (invoice_id, name, dedupe_key) DO NOTHING
	`, invoiceID, name, dedupeKey, at)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event rows: %w", err)
	}
	return n == 1, nil
}

func (t *txn) LockSyncRecord(ctx context.Context, invoiceID string) (*model.CfoSyncRecord, error) {
	rec, err := scanSyncRecord(t.tx.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM cfo_sync_mapping WHERE invoice_id = $1 FOR UPDATE`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync record %s: %w", invoiceID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock sync record: %w", err)
	}
	return rec, nil
}

func (t *txn) EnsureSyncRecord(ctx context.Context, invoiceID string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cfo_sync_mapping (invoice_id, sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (invoice_id) DO NOTHING
	`, invoiceID, model.SyncStatusPending, now)
	if err != nil {
		return fmt.Errorf("ensure sync record: %w", err)
	}
	return nil
}

func (t *txn) SaveSyncRecord(ctx context.Context, rec *model.CfoSyncRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cfo_sync_mapping SET
			sync_status = $2,
			retry_count = $3,
			last_retry_at = $4,
			ledger_transaction_id = $5,
			last_error = $6,
			updated_at = $7
		WHERE invoice_id = $1
	`, rec.InvoiceID, rec.SyncStatus, rec.RetryCount, rec.LastRetryAt,
		rec.LedgerTransactionID, rec.LastError, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save sync record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync record %s: %w", rec.InvoiceID, store.ErrNotFound)
	}
	return nil
}

func (t *txn) AppendSyncLog(ctx context.Context, e *model.CfoSyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var response any
	if len(e.Response) > 0 {
		response = string(e.Response)
	}
	request := "{}"
	if len(e.Request) > 0 {
		request = string(e.Request)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cfo_sync_log (id, invoice_id, attempt, request, response, error, succeeded, duration_ms, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.InvoiceID, e.Attempt, request, response, e.Error, e.Succeeded, e.DurationMS, e.AttemptedAt)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}
