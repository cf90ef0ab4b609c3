package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/alert"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/matcher"
	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	"github.com/emperorhan/invoice-reconciler/internal/notify"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/emperorhan/invoice-reconciler/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxSteps bounds the fixed-point walk. The longest automatic path is
// pending_payment -> payment_detected -> confirming -> paid.
const maxSteps = 8

var (
	// ErrInvalidTransition is returned for a manual action the lifecycle
	// does not allow from the invoice's current status.
	ErrInvalidTransition = errors.New("reconcile: transition not allowed")
	// ErrInvalidInvoice is returned by Create for an unusable invoice.
	ErrInvalidInvoice = errors.New("reconcile: invalid invoice")
)

// Catalog resolves chains and tokens.
type Catalog interface {
	GetChain(chainID string) (model.Chain, error)
	GetToken(chainID, symbol string) (model.Token, error)
}

// SyncTrigger is nudged when an invoice becomes paid.
type SyncTrigger interface {
	Trigger(invoiceID string)
}

// Result describes what one reconciliation attempt did.
type Result struct {
	InvoiceID string
	From      model.InvoiceStatus
	To        model.InvoiceStatus
	Outcome   model.PollOutcome
	Verdict   matcher.Kind
	Events    []model.Event
}

// Transitioned reports whether the invoice status changed.
func (r Result) Transitioned() bool {
	return r.From != r.To
}

// Engine applies the machine to stored invoices.
type Engine struct {
	store    store.Store
	catalog  Catalog
	notifier notify.Notifier
	alerter  alert.Alerter
	sync     SyncTrigger
	machine  Machine
	logger   *slog.Logger
	tracer   trace.Tracer
	nowFn    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSyncTrigger wires the ledger sync worker.
func WithSyncTrigger(t SyncTrigger) Option {
	return func(e *Engine) { e.sync = t }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

func NewEngine(st store.Store, catalog Catalog, notifier notify.Notifier, alerter alert.Alerter, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		catalog:  catalog,
		notifier: notifier,
		alerter:  alerter,
		logger:   logger.With("component", "reconcile"),
		tracer:   tracing.Tracer("reconcile"),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	return e
}

// pending collects side effects that must wait for commit.
type pending struct {
	events []model.Event
	alerts []alert.Alert
	paid   bool
}

func (e *Engine) emit(ctx context.Context, tx store.Tx, p *pending, inv *model.Invoice, name model.EventName, dedupeKey string, now time.Time, fill func(*model.Event)) error {
	first, err := tx.RecordEvent(ctx, inv.ID, name, dedupeKey, now)
	if err != nil {
		return fmt.Errorf("record event %s: %w", name, err)
	}
	if !first {
		return nil
	}
	ev := model.Event{
		ID:             uuid.NewString(),
		Name:           name,
		InvoiceID:      inv.ID,
		TenantID:       inv.TenantID,
		DedupeKey:      dedupeKey,
		AmountUSD:      inv.AmountUSD,
		ExpectedAmount: inv.ExpectedAmount,
		TokenSymbol:    inv.TokenSymbol,
		OccurredAt:     now,
	}
	if fill != nil {
		fill(&ev)
	}
	p.events = append(p.events, ev)
	return nil
}

// deliver runs post-commit side effects. Failures are logged only; the
// committed state is authoritative.
func (e *Engine) deliver(ctx context.Context, p *pending, invoiceID string) {
	for _, ev := range p.events {
		metrics.EventsEmittedTotal.WithLabelValues(string(ev.Name)).Inc()
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.logger.Warn("event delivery failed", "invoice_id", invoiceID, "event", ev.Name, "error", err)
		}
	}
	if e.alerter != nil {
		for _, a := range p.alerts {
			if err := e.alerter.Send(ctx, a); err != nil {
				e.logger.Warn("alert delivery failed", "invoice_id", invoiceID, "type", a.Type, "error", err)
			}
		}
	}
	if p.paid && e.sync != nil {
		e.sync.Trigger(invoiceID)
	}
}

// Create persists a new draft invoice and emits invoice_created.
func (e *Engine) Create(ctx context.Context, inv *model.Invoice) error {
	if err := e.validate(inv); err != nil {
		return err
	}
	now := e.nowFn()
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = model.InvoiceStatusDraft
	}
	if inv.Status != model.InvoiceStatusDraft && inv.Status != model.InvoiceStatusSent {
		return fmt.Errorf("%w: initial status %s", ErrInvalidInvoice, inv.Status)
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now

	p := &pending{}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		p.events = nil
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		return e.emit(ctx, tx, p, inv, model.EventInvoiceCreated, "", now, nil)
	})
	if err != nil {
		return err
	}
	e.logger.Info("invoice created", "invoice_id", inv.ID, "chain", inv.ChainID, "token", inv.TokenSymbol, "expected", inv.ExpectedAmount)
	e.deliver(ctx, p, inv.ID)
	return nil
}

func (e *Engine) validate(inv *model.Invoice) error {
	if !inv.ExpectedAmount.IsPositive() {
		return fmt.Errorf("%w: expected amount %s", ErrInvalidInvoice, inv.ExpectedAmount)
	}
	if strings.TrimSpace(inv.PaymentAddress) == "" {
		return fmt.Errorf("%w: payment address required", ErrInvalidInvoice)
	}
	if inv.RateLockedUntil.Before(inv.RateLockedAt) {
		return fmt.Errorf("%w: rate lock ends before it starts", ErrInvalidInvoice)
	}
	if inv.ExpirationHours < 0 {
		return fmt.Errorf("%w: negative expiration window", ErrInvalidInvoice)
	}
	if _, err := e.catalog.GetChain(inv.ChainID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if _, err := e.catalog.GetToken(inv.ChainID, inv.TokenSymbol); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	return nil
}

// Send marks a draft invoice as delivered to the client.
func (e *Engine) Send(ctx context.Context, invoiceID string) (Result, error) {
	return e.manual(ctx, invoiceID, model.InvoiceStatusSent, model.EventClientInvoiceSent)
}

// Cancel withdraws an invoice that has not seen a payment.
func (e *Engine) Cancel(ctx context.Context, invoiceID string) (Result, error) {
	return e.manual(ctx, invoiceID, model.InvoiceStatusCancelled, "")
}

func (e *Engine) manual(ctx context.Context, invoiceID string, to model.InvoiceStatus, event model.EventName) (Result, error) {
	now := e.nowFn()
	res := Result{InvoiceID: invoiceID}
	p := &pending{}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		p.events = nil
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		res.From, res.To = inv.Status, inv.Status
		if inv.Status == to {
			res.Outcome = model.PollOutcomeNoChange
			return nil
		}
		if !CanTransition(inv.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, to)
		}
		if err := tx.UpdateInvoiceStatus(ctx, inv.ID, to, nil, now); err != nil {
			return fmt.Errorf("update invoice status: %w", err)
		}
		res.To = to
		res.Outcome = model.PollOutcomeTransitioned
		if event != "" {
			if err := e.emit(ctx, tx, p, inv, event, "", now, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if res.Transitioned() {
		metrics.InvoiceTransitionsTotal.WithLabelValues(string(res.From), string(res.To)).Inc()
		e.logger.Info("invoice transitioned", "invoice_id", invoiceID, "from", res.From, "to", res.To)
	}
	res.Events = p.events
	e.deliver(ctx, p, invoiceID)
	return res, nil
}

// Activate moves a sent invoice to pending_payment once its rate lock
// has started. It needs no explorer observation.
func (e *Engine) Activate(ctx context.Context, invoiceID string) (Result, error) {
	return e.run(ctx, invoiceID, nil)
}

// Reconcile evaluates observed transfers against the invoice and walks
// the machine to a fixed point.
func (e *Engine) Reconcile(ctx context.Context, invoiceID string, transfers []model.ObservedTransfer) (Result, error) {
	if transfers == nil {
		transfers = []model.ObservedTransfer{}
	}
	return e.run(ctx, invoiceID, transfers)
}

// RecordFailure logs a poll attempt that produced no observation. The
// invoice status is not touched.
func (e *Engine) RecordFailure(ctx context.Context, invoiceID string, outcome model.PollOutcome, detail string) error {
	now := e.nowFn()
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		return tx.AppendPollingLog(ctx, &model.PollingLogEntry{
			InvoiceID:  inv.ID,
			PolledAt:   now,
			FromStatus: inv.Status,
			ToStatus:   inv.Status,
			Outcome:    outcome,
			Detail:     truncate(detail, 512),
		})
	})
}

// run is shared by Activate (transfers == nil) and Reconcile.
func (e *Engine) run(ctx context.Context, invoiceID string, transfers []model.ObservedTransfer) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.invoice", trace.WithAttributes(tracing.InvoiceIDKey.String(invoiceID)))
	defer span.End()

	now := e.nowFn()
	res := Result{InvoiceID: invoiceID}
	p := &pending{}

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		*p = pending{}
		res = Result{InvoiceID: invoiceID}

		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		res.From, res.To = inv.Status, inv.Status

		logEntry := &model.PollingLogEntry{
			InvoiceID:  inv.ID,
			PolledAt:   now,
			FromStatus: inv.Status,
			ToStatus:   inv.Status,
			Outcome:    model.PollOutcomeNoChange,
		}
		finish := func() error {
			logEntry.ToStatus = res.To
			logEntry.Outcome = res.Outcome
			logEntry.Verdict = string(res.Verdict)
			logEntry.Detail = truncate(logEntry.Detail, 512)
			return tx.AppendPollingLog(ctx, logEntry)
		}

		if inv.Status.IsTerminal() || inv.Status == model.InvoiceStatusDraft {
			res.Outcome = model.PollOutcomeSkippedTerminal
			return finish()
		}

		chain, err := e.catalog.GetChain(inv.ChainID)
		if err != nil {
			res.Outcome = model.PollOutcomeRegistryMiss
			logEntry.Detail = err.Error()
			return finish()
		}

		in := Input{
			Now:          now,
			RateLockedAt: inv.RateLockedAt,
			Deadline:     inv.Deadline(),
			Chain:        chain,
		}

		var verdict matcher.Verdict
		if transfers != nil {
			token, err := e.catalog.GetToken(inv.ChainID, inv.TokenSymbol)
			if err != nil {
				res.Outcome = model.PollOutcomeRegistryMiss
				logEntry.Detail = err.Error()
				return finish()
			}
			verdict, err = matcher.Evaluate(inv, token, transfers)
			if err != nil {
				res.Outcome = model.PollOutcomeInconsistent
				logEntry.Detail = err.Error()
				e.inconsistency(p, inv, "invalid_expected_amount", err.Error())
				return finish()
			}
			res.Verdict = verdict.Kind
			logEntry.Detail = "received " + verdict.AmountReceived.String() + " of " + inv.ExpectedAmount.String()
			metrics.MatchVerdictsTotal.WithLabelValues(chain.ID, string(verdict.Kind)).Inc()
			e.noteExclusions(p, inv, chain, token, verdict)

			if err := e.recordPayments(ctx, tx, p, inv, chain, verdict, now); err != nil {
				if errors.Is(err, store.ErrDuplicatePayment) {
					res.Outcome = model.PollOutcomeInconsistent
					logEntry.Detail = err.Error()
					e.inconsistency(p, inv, "duplicate_tx_hash", err.Error())
					// Events queued so far belong to rows that are rolled back.
					p.events = nil
					logEntry.Outcome = res.Outcome
					logEntry.Verdict = string(res.Verdict)
					logEntry.Detail = truncate(logEntry.Detail, 512)
					return errDuplicateRollback{entry: logEntry, res: res}
				}
				return err
			}
			in.Verdict = &verdict
		}

		status := inv.Status
		for i := 0; i < maxSteps; i++ {
			tr := e.machine.Step(status, in)
			if !tr.Changed() && len(tr.Events) == 0 {
				break
			}
			if tr.Changed() {
				if !CanTransition(tr.From, tr.To) {
					return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tr.From, tr.To)
				}
				var paidAt *time.Time
				if tr.To == model.InvoiceStatusPaid {
					paidAt = &now
				}
				if err := tx.UpdateInvoiceStatus(ctx, inv.ID, tr.To, paidAt, now); err != nil {
					return fmt.Errorf("update invoice status: %w", err)
				}
				metrics.InvoiceTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
			}
			for _, name := range tr.Events {
				if err := e.emitForTransition(ctx, tx, p, inv, chain, name, verdict, now); err != nil {
					return err
				}
			}
			status = tr.To
			if !tr.Changed() {
				break
			}
		}
		res.To = status

		if err := e.settlePayments(ctx, tx, inv, status, verdict, transfers != nil); err != nil {
			return err
		}

		switch status {
		case model.InvoiceStatusPaid:
			if err := tx.EnsureSyncRecord(ctx, inv.ID, now); err != nil {
				return fmt.Errorf("ensure sync record: %w", err)
			}
			p.paid = true
		case model.InvoiceStatusOverpaid:
			if res.Transitioned() {
				p.alerts = append(p.alerts, alert.Alert{
					Type:      alert.AlertTypeOverpaid,
					Chain:     chain.ID,
					InvoiceID: inv.ID,
					Title:     "Invoice overpaid",
					Message:   fmt.Sprintf("Invoice %s received %s %s against %s expected; manual reconciliation required.", inv.ID, verdict.AmountReceived, inv.TokenSymbol, inv.ExpectedAmount),
					Fields: map[string]string{
						"tenant_id": inv.TenantID,
						"expected":  inv.ExpectedAmount.String(),
						"received":  verdict.AmountReceived.String(),
					},
				})
			}
		}

		if res.Transitioned() {
			res.Outcome = model.PollOutcomeTransitioned
		} else {
			res.Outcome = model.PollOutcomeNoChange
		}
		return finish()
	})

	var dup errDuplicateRollback
	if errors.As(err, &dup) {
		// The payment writes were rolled back; persist the audit entry alone.
		res = dup.res
		err = e.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.AppendPollingLog(ctx, dup.entry)
		})
	}
	if err != nil {
		tracing.Fail(span, err)
		return res, err
	}

	span.SetAttributes(
		attribute.String("invoice.from", string(res.From)),
		attribute.String("invoice.to", string(res.To)),
		attribute.String("poll.outcome", string(res.Outcome)),
	)
	if res.Transitioned() {
		e.logger.Info("invoice transitioned",
			"invoice_id", invoiceID,
			"from", res.From,
			"to", res.To,
			"verdict", res.Verdict,
		)
	}
	res.Events = p.events
	e.deliver(ctx, p, invoiceID)
	return res, nil
}

// errDuplicateRollback aborts the transaction so no payment rows from the
// inconsistent observation survive, while carrying the audit entry out.
type errDuplicateRollback struct {
	entry *model.PollingLogEntry
	res   Result
}

func (errDuplicateRollback) Error() string { return "duplicate payment rollback" }

func (e *Engine) recordPayments(ctx context.Context, tx store.Tx, p *pending, inv *model.Invoice, chain model.Chain, v matcher.Verdict, now time.Time) error {
	for _, t := range v.Relevant {
		pay := &model.PaymentTransaction{
			InvoiceID:      inv.ID,
			ChainID:        chain.ID,
			TxHash:         t.TxHash,
			Amount:         t.Amount,
			TokenSymbol:    model.NormalizeSymbol(t.TokenSymbol),
			Confirmations:  t.Confirmations,
			BlockTimestamp: t.BlockTimestamp,
			DetectedAt:     now,
			Status:         model.PaymentStatusPending,
			ExplorerURL:    chain.TxURL(t.TxHash),
		}
		inserted, err := tx.InsertPayment(ctx, pay)
		if err != nil {
			return fmt.Errorf("insert payment %s: %w", t.TxHash, err)
		}
		if !inserted {
			continue
		}
		metrics.PaymentsRecordedTotal.WithLabelValues(chain.ID).Inc()
		transfer := t
		if err := e.emit(ctx, tx, p, inv, model.EventPaymentDetected, t.TxHash, now, func(ev *model.Event) {
			ev.AmountReceived = transfer.Amount
			ev.TxHash = transfer.TxHash
			ev.ExplorerURL = chain.TxURL(transfer.TxHash)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emitForTransition(ctx context.Context, tx store.Tx, p *pending, inv *model.Invoice, chain model.Chain, name model.EventName, v matcher.Verdict, now time.Time) error {
	dedupeKey := ""
	if name == model.EventPartialPayment {
		dedupeKey = v.AmountReceived.String()
	}
	return e.emit(ctx, tx, p, inv, name, dedupeKey, now, func(ev *model.Event) {
		ev.AmountReceived = v.AmountReceived
		if n := len(v.Contributing); n > 0 {
			last := v.Contributing[n-1].TxHash
			ev.TxHash = last
			ev.ExplorerURL = chain.TxURL(last)
		}
	})
}

// settlePayments keeps payment rows in step with the invoice: depth is
// refreshed from the latest observation, and terminal outcomes fix status.
func (e *Engine) settlePayments(ctx context.Context, tx store.Tx, inv *model.Invoice, status model.InvoiceStatus, v matcher.Verdict, observed bool) error {
	payments, err := tx.ListPayments(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}

	depth := make(map[string]int64, len(v.Relevant))
	for _, t := range v.Relevant {
		depth[t.TxHash] = t.Confirmations
	}
	contributing := make(map[string]bool, len(v.Contributing))
	for _, t := range v.Contributing {
		contributing[t.TxHash] = true
	}

	for _, pay := range payments {
		if pay.Status != model.PaymentStatusPending {
			continue
		}
		confirmations := pay.Confirmations
		if d, ok := depth[pay.TxHash]; ok && observed {
			confirmations = d
		}
		next := pay.Status
		switch status {
		case model.InvoiceStatusPaid:
			if contributing[pay.TxHash] {
				next = model.PaymentStatusConfirmed
			} else {
				next = model.PaymentStatusRejected
			}
		case model.InvoiceStatusOverpaid:
			if contributing[pay.TxHash] {
				next = model.PaymentStatusConfirmed
			}
		case model.InvoiceStatusExpired:
			next = model.PaymentStatusRejected
		}
		if next == pay.Status && confirmations == pay.Confirmations {
			continue
		}
		if err := tx.UpdatePayment(ctx, pay.ID, confirmations, next); err != nil {
			return fmt.Errorf("update payment %s: %w", pay.TxHash, err)
		}
	}
	return nil
}

// noteExclusions reports transfers the matcher left out. A contract that
// does not match the registry is a spoofed or misconfigured token. Funds
// mined after the deadline are never applied and need a manual refund.
func (e *Engine) noteExclusions(p *pending, inv *model.Invoice, chain model.Chain, token model.Token, v matcher.Verdict) {
	for _, ex := range v.Excluded {
		metrics.TransfersExcludedTotal.WithLabelValues(chain.ID, string(ex.Reason)).Inc()
		switch ex.Reason {
		case matcher.ExcludedWrongToken:
			e.logger.Warn("transfer in unexpected token ignored",
				"invoice_id", inv.ID,
				"chain", chain.ID,
				"tx_hash", ex.Transfer.TxHash,
				"token", ex.Transfer.TokenSymbol,
				"expected_token", inv.TokenSymbol,
			)
		case matcher.ExcludedWrongContract:
			e.inconsistency(p, inv, "unexpected_contract", fmt.Sprintf(
				"tx %s carries %s from contract %q, registry expects %q",
				ex.Transfer.TxHash, ex.Transfer.TokenSymbol, ex.Transfer.ContractAddress, token.ContractAddress))
		case matcher.ExcludedAfterDeadline:
			e.logger.Warn("transfer after invoice deadline ignored",
				"invoice_id", inv.ID,
				"chain", chain.ID,
				"tx_hash", ex.Transfer.TxHash,
				"amount", ex.Transfer.Amount.String(),
				"deadline", inv.Deadline(),
			)
			p.alerts = append(p.alerts, alert.Alert{
				Type:      alert.AlertTypeLatePayment,
				Chain:     chain.ID,
				InvoiceID: inv.ID,
				Title:     "Payment received after invoice deadline",
				Message:   fmt.Sprintf("%s %s in tx %s was not applied; refund manually", ex.Transfer.Amount, ex.Transfer.TokenSymbol, ex.Transfer.TxHash),
				Fields: map[string]string{
					"tx_hash":  ex.Transfer.TxHash,
					"mined_at": ex.Transfer.BlockTimestamp.UTC().Format(time.RFC3339),
					"deadline": inv.Deadline().UTC().Format(time.RFC3339),
				},
			})
		}
	}
}

func (e *Engine) inconsistency(p *pending, inv *model.Invoice, reason, detail string) {
	metrics.DataInconsistenciesTotal.WithLabelValues(inv.ChainID, reason).Inc()
	e.logger.Error("data inconsistency", "invoice_id", inv.ID, "chain", inv.ChainID, "reason", reason, "detail", detail)
	p.alerts = append(p.alerts, alert.Alert{
		Type:      alert.AlertTypeDataInconsistency,
		Chain:     inv.ChainID,
		InvoiceID: inv.ID,
		Title:     "Payment data inconsistency",
		Message:   detail,
		Fields:    map[string]string{"reason": reason},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
