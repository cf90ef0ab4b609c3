package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/alert"
	"github.com/emperorhan/invoice-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/lock"
	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	"github.com/emperorhan/invoice-reconciler/internal/retry"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/emperorhan/invoice-reconciler/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotPaid is returned when syncing an invoice that has not settled.
var ErrNotPaid = errors.New("ledgersync: invoice is not paid")

// Outcome tags the state of a sync record after an attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSynced  Outcome = "synced"
	OutcomeFailed  Outcome = "failed"
)

// SyncResult is the tagged result of SyncInvoice. Callers branch on Outcome;
// LastError carries the ledger failure for pending and failed outcomes.
type SyncResult struct {
	Outcome             Outcome
	InvoiceID           string
	LedgerTransactionID string
	RetryCount          int
	Attempted           bool
	LastError           string
}

// Config tunes the worker.
type Config struct {
	MaxRetries  int
	Interval    time.Duration
	CallTimeout time.Duration
	// RetryBackoff spaces automatic attempts by the record's retry count.
	RetryBackoff retry.Backoff
	BatchLimit   int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.RetryBackoff.Initial <= 0 {
		c.RetryBackoff.Initial = time.Minute
	}
	if c.RetryBackoff.Max <= 0 {
		c.RetryBackoff.Max = 30 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
}

// Worker delivers paid invoices to the ledger.
type Worker struct {
	cfg     Config
	store   store.Store
	client  LedgerClient
	mapper  Mapper
	alerter alert.Alerter
	locker  lock.Locker
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	tracer  trace.Tracer
	nowFn   func() time.Time

	trigger chan string
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the worker clock.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.nowFn = now }
}

// WithBreaker guards ledger calls with b.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(w *Worker) { w.breaker = b }
}

func NewWorker(cfg Config, st store.Store, client LedgerClient, mapper Mapper, alerter alert.Alerter, locker lock.Locker, logger *slog.Logger, opts ...Option) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		cfg:     cfg,
		store:   st,
		client:  client,
		mapper:  mapper,
		alerter: alerter,
		locker:  locker,
		logger:  logger.With("component", "ledger_sync"),
		tracer:  tracing.Tracer("ledgersync"),
		nowFn:   func() time.Time { return time.Now().UTC() },
		trigger: make(chan string, 256),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.mapper == nil {
		w.mapper = StaticMapper{}
	}
	return w
}

// Trigger asks Run to sync invoiceID soon. It never blocks; when the queue
// is full the next scan picks the record up.
func (w *Worker) Trigger(invoiceID string) {
	select {
	case w.trigger <- invoiceID:
	default:
		w.logger.Debug("sync trigger queue full", "invoice_id", invoiceID)
	}
}

// Run serves triggers and periodically retries due records until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("ledger sync worker started", "interval", w.cfg.Interval, "max_retries", w.cfg.MaxRetries)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ledger sync worker stopping")
			return ctx.Err()
		case id := <-w.trigger:
			w.syncLogged(ctx, id)
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Worker) scan(ctx context.Context) {
	records, err := w.store.ListSyncRecords(ctx, store.SyncFilter{
		Status: model.SyncStatusPending,
		Limit:  w.cfg.BatchLimit,
	})
	if err != nil {
		w.logger.Error("list pending sync records failed", "error", err)
		return
	}
	now := w.nowFn()
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if !w.due(rec, now) {
			continue
		}
		w.syncLogged(ctx, rec.InvoiceID)
	}
}

// due reports whether the backoff since the last failed attempt elapsed.
func (w *Worker) due(rec model.CfoSyncRecord, now time.Time) bool {
	if rec.RetryCount == 0 || rec.LastRetryAt == nil {
		return true
	}
	return !now.Before(rec.LastRetryAt.Add(w.cfg.RetryBackoff.Delay(rec.RetryCount)))
}

func (w *Worker) syncLogged(ctx context.Context, invoiceID string) {
	res, err := w.SyncInvoice(ctx, invoiceID)
	if err != nil {
		w.logger.Error("ledger sync failed", "invoice_id", invoiceID, "error", err)
		return
	}
	if res.Attempted {
		w.logger.Info("ledger sync attempt",
			"invoice_id", invoiceID,
			"outcome", res.Outcome,
			"retry_count", res.RetryCount,
			"ledger_tx_id", res.LedgerTransactionID,
		)
	}
}

// Resync is the manual re-trigger: a failed record is reset to pending with
// a fresh retry budget, then synced immediately.
func (w *Worker) Resync(ctx context.Context, invoiceID string) (SyncResult, error) {
	now := w.nowFn()
	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		rec, err := tx.LockSyncRecord(ctx, invoiceID)
		if err != nil {
			return err
		}
		if rec.SyncStatus != model.SyncStatusFailed {
			return nil
		}
		rec.SyncStatus = model.SyncStatusPending
		rec.RetryCount = 0
		rec.LastRetryAt = nil
		rec.UpdatedAt = now
		return tx.SaveSyncRecord(ctx, rec)
	})
	if err != nil {
		return SyncResult{InvoiceID: invoiceID}, fmt.Errorf("reset sync record: %w", err)
	}
	w.logger.Info("ledger sync reset for manual retry", "invoice_id", invoiceID)
	return w.SyncInvoice(ctx, invoiceID)
}

// SyncInvoice makes at most one ledger attempt for a paid invoice. The
// record is never touched while the ledger call is in flight; the per
// invoice sync lock keeps a second worker out meanwhile.
func (w *Worker) SyncInvoice(ctx context.Context, invoiceID string) (SyncResult, error) {
	ctx, span := w.tracer.Start(ctx, "ledgersync.invoice", trace.WithAttributes(tracing.InvoiceIDKey.String(invoiceID)))
	defer span.End()

	res := SyncResult{InvoiceID: invoiceID, Outcome: OutcomePending}

	release, err := w.locker.TryLock(ctx, lock.SyncKey(invoiceID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return res, nil
		}
		return res, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer release()

	inv, err := w.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return res, err
	}
	if inv.Status != model.InvoiceStatusPaid {
		return res, fmt.Errorf("invoice %s in status %s: %w", invoiceID, inv.Status, ErrNotPaid)
	}

	now := w.nowFn()
	var rec *model.CfoSyncRecord
	err = w.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.EnsureSyncRecord(ctx, invoiceID, now); err != nil {
			return err
		}
		rec, err = tx.LockSyncRecord(ctx, invoiceID)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("load sync record: %w", err)
	}
	fill(&res, rec)

	switch rec.SyncStatus {
	case model.SyncStatusSynced, model.SyncStatusFailed:
		return res, nil
	}
	if rec.RetryCount >= w.cfg.MaxRetries {
		// A lowered MaxRetries can leave pending records over budget.
		return w.markFailed(ctx, invoiceID, now)
	}

	if w.breaker != nil {
		if err := w.breaker.Allow(); err != nil {
			res.LastError = err.Error()
			return res, nil
		}
	}

	payments, err := w.store.ListPayments(ctx, invoiceID)
	if err != nil {
		return res, fmt.Errorf("list payments: %w", err)
	}
	payload := w.buildPayload(inv, payments)
	request := w.snapshot(invoiceID, "request", payload)

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	ledgerTxID, callErr := w.client.PostTransaction(callCtx, payload)
	cancel()
	elapsed := time.Since(started)
	metrics.LedgerSyncDuration.Observe(elapsed.Seconds())
	res.Attempted = true

	if w.breaker != nil {
		if callErr != nil && retry.Classify(callErr).IsTransient() {
			w.breaker.RecordFailure()
		} else {
			w.breaker.RecordSuccess()
		}
	}

	var failedAlert *alert.Alert
	err = w.store.WithTx(ctx, func(tx store.Tx) error {
		failedAlert = nil
		cur, err := tx.LockSyncRecord(ctx, invoiceID)
		if err != nil {
			return err
		}
		entry := &model.CfoSyncLogEntry{
			InvoiceID:   invoiceID,
			Request:     request,
			DurationMS:  elapsed.Milliseconds(),
			AttemptedAt: now,
		}

		if callErr == nil {
			cur.SyncStatus = model.SyncStatusSynced
			cur.LedgerTransactionID = ledgerTxID
			cur.LastError = ""
			entry.Attempt = cur.RetryCount + 1
			entry.Succeeded = true
			entry.Response = w.snapshot(invoiceID, "response", map[string]string{"transactionId": ledgerTxID})
		} else {
			cur.RetryCount++
			cur.LastRetryAt = &now
			cur.LastError = truncate(callErr.Error(), 1024)
			entry.Attempt = cur.RetryCount
			entry.Error = cur.LastError
			var se *StatusError
			if errors.As(callErr, &se) {
				entry.Response = w.snapshot(invoiceID, "response", map[string]any{"status": se.StatusCode, "body": se.Body})
			}
			if cur.RetryCount >= w.cfg.MaxRetries {
				cur.SyncStatus = model.SyncStatusFailed
				failedAlert = syncFailedAlert(inv, cur)
			}
		}
		cur.UpdatedAt = now
		if err := tx.SaveSyncRecord(ctx, cur); err != nil {
			return err
		}
		if err := tx.AppendSyncLog(ctx, entry); err != nil {
			return err
		}
		fill(&res, cur)
		return nil
	})
	if err != nil {
		tracing.Fail(span, err)
		return res, fmt.Errorf("save sync attempt: %w", err)
	}

	metrics.LedgerSyncAttemptsTotal.WithLabelValues(string(res.Outcome)).Inc()
	span.SetAttributes(attribute.String("sync.outcome", string(res.Outcome)))
	if callErr != nil {
		w.logger.Warn("ledger call failed",
			"invoice_id", invoiceID,
			"retry_count", res.RetryCount,
			"class", retry.Classify(callErr).Class,
			"error", callErr,
		)
	}
	if failedAlert != nil {
		w.raise(ctx, *failedAlert)
	}
	return res, nil
}

func (w *Worker) markFailed(ctx context.Context, invoiceID string, now time.Time) (SyncResult, error) {
	res := SyncResult{InvoiceID: invoiceID}
	var a *alert.Alert
	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		rec, err := tx.LockSyncRecord(ctx, invoiceID)
		if err != nil {
			return err
		}
		rec.SyncStatus = model.SyncStatusFailed
		rec.UpdatedAt = now
		if err := tx.SaveSyncRecord(ctx, rec); err != nil {
			return err
		}
		fill(&res, rec)
		a = syncFailedAlert(&model.Invoice{ID: invoiceID}, rec)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("mark sync failed: %w", err)
	}
	w.raise(ctx, *a)
	return res, nil
}

func (w *Worker) raise(ctx context.Context, a alert.Alert) {
	metrics.LedgerSyncTerminalFailures.Inc()
	w.logger.Error("ledger sync exhausted retries", "invoice_id", a.InvoiceID, "error", a.Fields["last_error"])
	if w.alerter == nil {
		return
	}
	if err := w.alerter.Send(ctx, a); err != nil {
		w.logger.Warn("sync failure alert not delivered", "invoice_id", a.InvoiceID, "error", err)
	}
}

// snapshot encodes v for the sync log. An encoding failure is logged and
// recorded in place of the body so the attempt is still audited.
func (w *Worker) snapshot(invoiceID, kind string, v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err == nil {
		return raw
	}
	w.logger.Error("encode sync log snapshot", "invoice_id", invoiceID, "kind", kind, "error", err)
	raw, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	return raw
}

func (w *Worker) buildPayload(inv *model.Invoice, payments []model.PaymentTransaction) Payload {
	var hashes []string
	for _, p := range payments {
		if p.Status == model.PaymentStatusConfirmed {
			hashes = append(hashes, p.TxHash)
		}
	}
	paidAt := inv.UpdatedAt
	if inv.PaidAt != nil {
		paidAt = *inv.PaidAt
	}
	m := w.mapper.Map(inv)
	return Payload{
		InvoiceID:       inv.ID,
		AmountUSD:       inv.AmountUSD,
		CryptoCurrency:  inv.TokenSymbol,
		TransactionHash: strings.Join(hashes, ","),
		PaidAt:          paidAt,
		EntityMapped:    m.Entity,
		CategoryMapped:  m.Category,
		ConfidenceScore: m.Confidence,
	}
}

func fill(res *SyncResult, rec *model.CfoSyncRecord) {
	res.RetryCount = rec.RetryCount
	res.LedgerTransactionID = rec.LedgerTransactionID
	res.LastError = rec.LastError
	switch rec.SyncStatus {
	case model.SyncStatusSynced:
		res.Outcome = OutcomeSynced
	case model.SyncStatusFailed:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePending
	}
}

func syncFailedAlert(inv *model.Invoice, rec *model.CfoSyncRecord) *alert.Alert {
	return &alert.Alert{
		Type:      alert.AlertTypeSyncFailed,
		InvoiceID: inv.ID,
		Title:     "Ledger sync failed",
		Message:   fmt.Sprintf("Invoice %s could not be synced to the ledger after %d attempts; manual re-sync required.", inv.ID, rec.RetryCount),
		Fields: map[string]string{
			"retry_count": fmt.Sprintf("%d", rec.RetryCount),
			"last_error":  rec.LastError,
		},
	}
}
