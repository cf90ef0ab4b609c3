// Package poller schedules reconciliation of every open invoice on a fixed
// interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/alert"
	"github.com/emperorhan/invoice-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/explorer"
	"github.com/emperorhan/invoice-reconciler/internal/lock"
	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	"github.com/emperorhan/invoice-reconciler/internal/reconcile"
	"github.com/emperorhan/invoice-reconciler/internal/retry"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/emperorhan/invoice-reconciler/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Reconciler is the engine surface the poller drives.
type Reconciler interface {
	Activate(ctx context.Context, invoiceID string) (reconcile.Result, error)
	Reconcile(ctx context.Context, invoiceID string, transfers []model.ObservedTransfer) (reconcile.Result, error)
	RecordFailure(ctx context.Context, invoiceID string, outcome model.PollOutcome, detail string) error
}

// ChainLookup resolves the chain an invoice is quoted on.
type ChainLookup interface {
	GetChain(chainID string) (model.Chain, error)
}

// InvoiceLister lists invoices due for polling.
type InvoiceLister interface {
	ListInvoices(ctx context.Context, f store.InvoiceFilter) ([]model.Invoice, error)
}

// Config tunes the scheduler.
type Config struct {
	Interval    time.Duration
	Workers     int
	BatchLimit  int
	CallTimeout time.Duration
	// MaxAttempts bounds explorer retries within one cycle.
	MaxAttempts int
	Backoff     retry.Backoff
	// DefaultChainConcurrency applies when a chain sets no MaxConcurrentCalls.
	DefaultChainConcurrency int
	BreakerFailures         int
	BreakerOpenTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1000
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DefaultChainConcurrency <= 0 {
		c.DefaultChainConcurrency = 2
	}
}

// CycleResult summarizes one pass over the open invoices.
type CycleResult struct {
	Total         int
	Transitioned  int
	Unchanged     int
	Failed        int
	SkippedLocked int
	Duration      time.Duration
}

// Poller fans out reconciliation work across open invoices.
type Poller struct {
	cfg      Config
	invoices InvoiceLister
	chains   ChainLookup
	explorer explorer.Client
	engine   Reconciler
	locker   lock.Locker
	alerter  alert.Alerter
	breakers *circuitbreaker.Set
	logger   *slog.Logger

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	changesMu sync.Mutex
	changes   []breakerChange
}

type breakerChange struct {
	chain    string
	from, to circuitbreaker.State
}

func New(
	cfg Config,
	invoices InvoiceLister,
	chains ChainLookup,
	client explorer.Client,
	engine Reconciler,
	locker lock.Locker,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Poller {
	cfg.applyDefaults()
	p := &Poller{
		cfg:      cfg,
		invoices: invoices,
		chains:   chains,
		explorer: client,
		engine:   engine,
		locker:   locker,
		alerter:  alerter,
		logger:   logger.With("component", "poller"),
		sems:     make(map[string]*semaphore.Weighted),
	}
	p.breakers = circuitbreaker.NewSet(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		OnStateChange:    p.onBreakerChange,
	})
	return p
}

// Run polls until ctx is cancelled. A cycle never returns an error; it is
// summarized and logged.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.cfg.Interval, "workers", p.cfg.Workers)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return ctx.Err()
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates every open invoice once.
func (p *Poller) RunCycle(ctx context.Context) CycleResult {
	ctx, span := tracing.Tracer("poller").Start(ctx, "poller.cycle")
	defer span.End()

	start := time.Now()
	metrics.PollCyclesTotal.Inc()
	var res CycleResult

	invoices, err := p.invoices.ListInvoices(ctx, store.InvoiceFilter{
		Statuses: model.PollableStatuses,
		Limit:    p.cfg.BatchLimit,
	})
	if err != nil {
		p.logger.Error("list open invoices failed", "error", err)
		tracing.Fail(span, err)
		return res
	}
	res.Total = len(invoices)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i := range invoices {
		inv := invoices[i]
		g.Go(func() error {
			outcome := p.processInvoice(ctx, &inv)
			mu.Lock()
			switch outcome {
			case outcomeTransitioned:
				res.Transitioned++
			case outcomeUnchanged:
				res.Unchanged++
			case outcomeLocked:
				res.SkippedLocked++
			default:
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.flushBreakerAlerts(ctx)

	res.Duration = time.Since(start)
	metrics.PollCycleDuration.Observe(res.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("invoices.total", res.Total),
		attribute.Int("invoices.transitioned", res.Transitioned),
		attribute.Int("invoices.failed", res.Failed),
	)
	if res.Total > 0 {
		p.logger.Info("poll cycle complete",
			"total", res.Total,
			"transitioned", res.Transitioned,
			"unchanged", res.Unchanged,
			"failed", res.Failed,
			"skipped_locked", res.SkippedLocked,
			"duration", res.Duration,
		)
	}
	return res
}

type cycleOutcome int

const (
	outcomeUnchanged cycleOutcome = iota
	outcomeTransitioned
	outcomeLocked
	outcomeFailed
)

func (p *Poller) processInvoice(ctx context.Context, inv *model.Invoice) cycleOutcome {
	release, err := p.locker.TryLock(ctx, lock.InvoiceKey(inv.ID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.PollInvoicesSkippedLocked.Inc()
			return outcomeLocked
		}
		p.logger.Warn("invoice lock failed", "invoice_id", inv.ID, "error", err)
		return outcomeFailed
	}
	defer release()

	ctx, span := tracing.Tracer("poller").Start(ctx, "poller.invoice",
		otelTrace.WithAttributes(
			tracing.InvoiceIDKey.String(inv.ID),
			tracing.ChainIDKey.String(inv.ChainID),
		),
	)
	defer span.End()

	if inv.Status == model.InvoiceStatusSent {
		res, err := p.engine.Activate(ctx, inv.ID)
		return p.finish(inv, res, err)
	}

	chain, err := p.chains.GetChain(inv.ChainID)
	if err != nil || !chain.Enabled {
		detail := "chain disabled"
		if err != nil {
			detail = err.Error()
		}
		return p.fail(ctx, inv, model.PollOutcomeRegistryMiss, detail)
	}

	breaker := p.breakers.Get(chain.ID)
	if err := breaker.Allow(); err != nil {
		return p.fail(ctx, inv, model.PollOutcomeCircuitOpen, err.Error())
	}

	transfers, err := p.fetch(ctx, chain, inv)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeFailed
		}
		breaker.RecordFailure()
		tracing.Fail(span, err)
		outcome := model.PollOutcomeExplorerError
		if errors.Is(err, explorer.ErrMalformedResponse) {
			outcome = model.PollOutcomeExplorerMalformed
		}
		p.logger.Warn("explorer fetch failed",
			"invoice_id", inv.ID,
			"chain", chain.ID,
			"error", err,
		)
		return p.fail(ctx, inv, outcome, err.Error())
	}
	breaker.RecordSuccess()

	res, err := p.engine.Reconcile(ctx, inv.ID, transfers)
	return p.finish(inv, res, err)
}

// fetch calls the explorer under the chain's concurrency cap, retrying
// transient failures with backoff.
func (p *Poller) fetch(ctx context.Context, chain model.Chain, inv *model.Invoice) ([]model.ObservedTransfer, error) {
	sem := p.chainSemaphore(chain)
	var transfers []model.ObservedTransfer
	err := retry.Do(ctx, p.cfg.MaxAttempts, p.cfg.Backoff, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			metrics.ExplorerRetriesTotal.WithLabelValues(chain.ID).Inc()
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
		got, err := p.explorer.FetchActivity(callCtx, chain, inv.PaymentAddress, inv.CreatedAt)
		if err != nil {
			return err
		}
		transfers = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s activity for %s: %w", chain.ID, inv.PaymentAddress, err)
	}
	return transfers, nil
}

func (p *Poller) chainSemaphore(chain model.Chain) *semaphore.Weighted {
	p.semMu.Lock()
	defer p.semMu.Unlock()
	if s, ok := p.sems[chain.ID]; ok {
		return s
	}
	n := chain.MaxConcurrentCalls
	if n <= 0 {
		n = p.cfg.DefaultChainConcurrency
	}
	s := semaphore.NewWeighted(int64(n))
	p.sems[chain.ID] = s
	return s
}

func (p *Poller) fail(ctx context.Context, inv *model.Invoice, outcome model.PollOutcome, detail string) cycleOutcome {
	metrics.PollInvoicesProcessed.WithLabelValues(inv.ChainID, string(outcome)).Inc()
	if err := p.engine.RecordFailure(ctx, inv.ID, outcome, detail); err != nil {
		p.logger.Error("record poll failure", "invoice_id", inv.ID, "outcome", outcome, "error", err)
	}
	return outcomeFailed
}

func (p *Poller) finish(inv *model.Invoice, res reconcile.Result, err error) cycleOutcome {
	if err != nil {
		metrics.PollInvoicesProcessed.WithLabelValues(inv.ChainID, "error").Inc()
		p.logger.Error("reconcile invoice failed", "invoice_id", inv.ID, "error", err)
		return outcomeFailed
	}
	metrics.PollInvoicesProcessed.WithLabelValues(inv.ChainID, string(res.Outcome)).Inc()
	switch {
	case res.Transitioned():
		return outcomeTransitioned
	case res.Outcome == model.PollOutcomeInconsistent || res.Outcome == model.PollOutcomeRegistryMiss:
		return outcomeFailed
	default:
		return outcomeUnchanged
	}
}

// onBreakerChange runs under the breaker's lock, so alerting is deferred
// to the end of the cycle.
func (p *Poller) onBreakerChange(chain string, from, to circuitbreaker.State) {
	metrics.ExplorerCircuitState.WithLabelValues(chain).Set(float64(to))
	p.changesMu.Lock()
	p.changes = append(p.changes, breakerChange{chain: chain, from: from, to: to})
	p.changesMu.Unlock()
}

func (p *Poller) flushBreakerAlerts(ctx context.Context) {
	p.changesMu.Lock()
	changes := p.changes
	p.changes = nil
	p.changesMu.Unlock()

	for _, c := range changes {
		var a alert.Alert
		switch {
		case c.to == circuitbreaker.StateOpen:
			a = alert.Alert{
				Type:    alert.AlertTypeExplorerDown,
				Chain:   c.chain,
				Title:   "Explorer unavailable",
				Message: fmt.Sprintf("Explorer for %s keeps failing; polling paused for %s.", c.chain, c.chain),
			}
		case c.to == circuitbreaker.StateClosed && c.from != circuitbreaker.StateClosed:
			a = alert.Alert{
				Type:    alert.AlertTypeExplorerRecovered,
				Chain:   c.chain,
				Title:   "Explorer recovered",
				Message: fmt.Sprintf("Explorer for %s is answering again.", c.chain),
			}
		default:
			continue
		}
		p.logger.Warn("explorer circuit changed", "chain", c.chain, "from", c.from, "to", c.to)
		if p.alerter == nil {
			continue
		}
		if err := p.alerter.Send(ctx, a); err != nil {
			p.logger.Warn("explorer alert failed", "chain", c.chain, "error", err)
		}
	}
}

// BreakerState reports the explorer breaker state for a chain.
func (p *Poller) BreakerState(chainID string) circuitbreaker.State {
	return p.breakers.Get(chainID).State()
}
