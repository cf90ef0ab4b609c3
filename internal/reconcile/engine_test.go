package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/alert"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/emperorhan/invoice-reconciler/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ----- Mock implementations -----

type fakeCatalog struct {
	chains map[string]model.Chain
	tokens map[string]model.Token
}

func (c *fakeCatalog) GetChain(id string) (model.Chain, error) {
	ch, ok := c.chains[id]
	if !ok {
		return model.Chain{}, fmt.Errorf("chain %s: not found", id)
	}
	return ch, nil
}

func (c *fakeCatalog) GetToken(chainID, symbol string) (model.Token, error) {
	tok, ok := c.tokens[chainID+"/"+model.NormalizeSymbol(symbol)]
	if !ok {
		return model.Token{}, fmt.Errorf("token %s/%s: not found", chainID, symbol)
	}
	return tok, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e model.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) names() []model.EventName {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.EventName, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Name)
	}
	return out
}

type recordingAlerter struct {
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.alerts = append(a.alerts, al)
	return nil
}

type recordingTrigger struct {
	ids []string
}

func (r *recordingTrigger) Trigger(id string) { r.ids = append(r.ids, id) }

// ----- Fixture -----

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	engine   *Engine
	store    *memory.Store
	notifier *recordingNotifier
	alerter  *recordingAlerter
	trigger  *recordingTrigger
	now      time.Time
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := &fakeCatalog{
		chains: map[string]model.Chain{
			"ethereum": {ID: "ethereum", Family: model.FamilyAccount, RequiredConfirmations: 12, ExplorerBaseURL: "https://etherscan.io"},
			"bitcoin":  {ID: "bitcoin", Family: model.FamilyUTXO, RequiredConfirmations: 2, ExplorerBaseURL: "https://mempool.space"},
		},
		tokens: map[string]model.Token{
			"ethereum/USDC": {ChainID: "ethereum", Symbol: "USDC", Decimals: 6, IsStablecoin: true, PaymentTolerance: d("0.001")},
			"bitcoin/BTC":   {ChainID: "bitcoin", Symbol: "BTC", Decimals: 8, PaymentTolerance: d("0.005")},
			"ethereum/USDT": {ChainID: "ethereum", Symbol: "USDT", Decimals: 6, IsStablecoin: true, PaymentTolerance: d("0.001"),
				ContractAddress: usdtContract},
		},
	}
	f := &fixture{
		store:    memory.New(),
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
		trigger:  &recordingTrigger{},
		now:      base.Add(time.Hour),
	}
	f.engine = NewEngine(f.store, catalog, f.notifier, f.alerter, testLogger(),
		WithSyncTrigger(f.trigger),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) seed(t *testing.T, id, chainID, symbol, expected string, status model.InvoiceStatus) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateInvoice(context.Background(), &model.Invoice{
			ID:              id,
			TenantID:        "tenant-1",
			AmountUSD:       d("100"),
			ExpectedAmount:  d(expected),
			ChainID:         chainID,
			TokenSymbol:     symbol,
			PaymentAddress:  "addr-" + id,
			RateLockedAt:    base,
			RateLockedUntil: base.Add(15 * time.Minute),
			ExpirationHours: 24,
			Status:          status,
			CreatedAt:       base,
			UpdatedAt:       base,
		})
	}))
}

const usdtContract = "0xdac17f958d2ee523a2206206994597c13d831ec7"

func (f *fixture) alertsOfType(typ alert.AlertType) []alert.Alert {
	var out []alert.Alert
	for _, a := range f.alerter.alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (f *fixture) status(t *testing.T, id string) model.InvoiceStatus {
	t.Helper()
	inv, err := f.store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv.Status
}

func transfer(hash, amount, symbol string, offset time.Duration, confirmations int64) model.ObservedTransfer {
	return model.ObservedTransfer{
		TxHash:         hash,
		Amount:         d(amount),
		TokenSymbol:    symbol,
		Confirmations:  confirmations,
		BlockTimestamp: base.Add(offset),
	}
}

// ----- Scenarios -----

func TestReconcile_ExactStablecoinPaidInOneCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-usdc", "ethereum", "USDC", "100", model.InvoiceStatusPendingPayment)

	res, err := f.engine.Reconcile(ctx, "inv-usdc", []model.ObservedTransfer{
		transfer("0xpay", "100.05", "USDC", 10*time.Minute, 12),
	})
	require.NoError(t, err)

	assert.Equal(t, model.InvoiceStatusPendingPayment, res.From)
	assert.Equal(t, model.InvoiceStatusPaid, res.To)
	assert.Equal(t, model.PollOutcomeTransitioned, res.Outcome)
	assert.Equal(t, []model.EventName{model.EventPaymentDetected, model.EventPaymentConfirmed}, f.notifier.names())
	assert.Equal(t, "https://etherscan.io/tx/0xpay", f.notifier.events[1].ExplorerURL)
	assert.True(t, f.notifier.events[1].AmountReceived.Equal(d("100.05")))

	inv, err := f.store.GetInvoice(ctx, "inv-usdc")
	require.NoError(t, err)
	require.NotNil(t, inv.PaidAt)
	assert.Equal(t, f.now, *inv.PaidAt)

	payments, err := f.store.ListPayments(ctx, "inv-usdc")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentStatusConfirmed, payments[0].Status)

	rec, err := f.store.GetSyncRecord(ctx, "inv-usdc")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPending, rec.SyncStatus)
	assert.Equal(t, []string{"inv-usdc"}, f.trigger.ids)
}

func TestReconcile_SplitBitcoinPaymentConfirmsAcrossCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-btc", "bitcoin", "BTC", "1.0", model.InvoiceStatusPendingPayment)

	res, err := f.engine.Reconcile(ctx, "inv-btc", []model.ObservedTransfer{
		transfer("tx-a", "0.97", "BTC", 5*time.Minute, 3),
		transfer("tx-b", "0.035", "BTC", 20*time.Minute, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusConfirming, res.To)
	assert.Equal(t, "exact", string(res.Verdict))

	f.now = f.now.Add(20 * time.Minute)
	res, err = f.engine.Reconcile(ctx, "inv-btc", []model.ObservedTransfer{
		transfer("tx-a", "0.97", "BTC", 5*time.Minute, 5),
		transfer("tx-b", "0.035", "BTC", 20*time.Minute, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusConfirming, res.From)
	assert.Equal(t, model.InvoiceStatusPaid, res.To)

	payments, err := f.store.ListPayments(ctx, "inv-btc")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	for _, p := range payments {
		assert.Equal(t, model.PaymentStatusConfirmed, p.Status, p.TxHash)
	}
	assert.Equal(t, []model.EventName{
		model.EventPaymentDetected,
		model.EventPaymentDetected,
		model.EventPaymentConfirmed,
	}, f.notifier.names())
}

func TestReconcile_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)
	obs := []model.ObservedTransfer{transfer("tx-1", "1", "BTC", time.Minute, 0)}

	first, err := f.engine.Reconcile(ctx, "inv-1", obs)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusConfirming, first.To)
	assert.Len(t, first.Events, 1)

	second, err := f.engine.Reconcile(ctx, "inv-1", obs)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusConfirming, second.From)
	assert.Equal(t, model.InvoiceStatusConfirming, second.To)
	assert.Equal(t, model.PollOutcomeNoChange, second.Outcome)
	assert.Empty(t, second.Events)

	payments, err := f.store.ListPayments(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	logs, err := f.store.ListPollingLog(ctx, "inv-1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestReconcile_TerminalStatesAreMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)

	f.now = base.Add(48 * time.Hour)
	res, err := f.engine.Reconcile(ctx, "inv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusExpired, res.To)

	late := []model.ObservedTransfer{transfer("late", "1", "BTC", 47*time.Hour, 6)}
	res, err = f.engine.Reconcile(ctx, "inv-1", late)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusExpired, res.To)
	assert.Equal(t, model.PollOutcomeSkippedTerminal, res.Outcome)

	payments, err := f.store.ListPayments(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Equal(t, model.InvoiceStatusExpired, f.status(t, "inv-1"))
}

func TestReconcile_ExpiryFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "ethereum", "USDC", "100", model.InvoiceStatusPendingPayment)
	f.now = base.Add(25 * time.Hour)

	for i := 0; i < 3; i++ {
		_, err := f.engine.Reconcile(ctx, "inv-1", []model.ObservedTransfer{})
		require.NoError(t, err)
	}
	assert.Equal(t, []model.EventName{model.EventInvoiceExpired}, f.notifier.names())
}

func TestReconcile_ExpiryRejectsPendingPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)

	_, err := f.engine.Reconcile(ctx, "inv-1", []model.ObservedTransfer{transfer("t", "1", "BTC", time.Minute, 0)})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusConfirming, f.status(t, "inv-1"))

	// The transfer dropped out of the mempool and the deadline passed.
	f.now = base.Add(30 * time.Hour)
	res, err := f.engine.Reconcile(ctx, "inv-1", []model.ObservedTransfer{})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusExpired, res.To)

	payments, err := f.store.ListPayments(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentStatusRejected, payments[0].Status)
}

func TestReconcile_PartialThenTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)

	first := []model.ObservedTransfer{transfer("t1", "0.5", "BTC", time.Minute, 2)}
	res, err := f.engine.Reconcile(ctx, "inv-1", first)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPartial, res.To)

	res, err = f.engine.Reconcile(ctx, "inv-1", first)
	require.NoError(t, err)
	assert.Equal(t, model.PollOutcomeNoChange, res.Outcome)
	assert.Empty(t, res.Events)

	topUp := append(first, transfer("t2", "0.5", "BTC", 2*time.Minute, 2))
	res, err = f.engine.Reconcile(ctx, "inv-1", topUp)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPartial, res.From)
	assert.Equal(t, model.InvoiceStatusPaid, res.To)

	assert.Equal(t, []model.EventName{
		model.EventPaymentDetected,
		model.EventPartialPayment,
		model.EventPaymentDetected,
		model.EventPaymentConfirmed,
	}, f.notifier.names())
}

func TestReconcile_PartialAmountChangeReannounces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)

	obs := []model.ObservedTransfer{transfer("t1", "0.3", "BTC", time.Minute, 2)}
	_, err := f.engine.Reconcile(ctx, "inv-1", obs)
	require.NoError(t, err)

	obs = append(obs, transfer("t2", "0.2", "BTC", 2*time.Minute, 2))
	res, err := f.engine.Reconcile(ctx, "inv-1", obs)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPartial, res.To)

	var partials []string
	for _, e := range f.notifier.events {
		if e.Name == model.EventPartialPayment {
			partials = append(partials, e.AmountReceived.String())
		}
	}
	assert.Equal(t, []string{"0.3", "0.5"}, partials)
}

func TestReconcile_OverpaidRaisesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)

	res, err := f.engine.Reconcile(ctx, "inv-1", []model.ObservedTransfer{
		transfer("t1", "0.8", "BTC", time.Minute, 3),
		transfer("t2", "0.8", "BTC", 2*time.Minute, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusOverpaid, res.To)
	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, alert.AlertTypeOverpaid, f.alerter.alerts[0].Type)
	assert.Equal(t, "1.6", f.alerter.alerts[0].Fields["received"])
	assert.Empty(t, f.trigger.ids)
}

func TestReconcile_HashOwnedByAnotherInvoiceLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-a", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)
	f.seed(t, "inv-b", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)

	shared := []model.ObservedTransfer{transfer("shared", "1", "BTC", time.Minute, 0)}
	_, err := f.engine.Reconcile(ctx, "inv-a", shared)
	require.NoError(t, err)

	res, err := f.engine.Reconcile(ctx, "inv-b", shared)
	require.NoError(t, err)
	assert.Equal(t, model.PollOutcomeInconsistent, res.Outcome)
	assert.Equal(t, model.InvoiceStatusPendingPayment, f.status(t, "inv-b"))

	payments, err := f.store.ListPayments(ctx, "inv-b")
	require.NoError(t, err)
	assert.Empty(t, payments)

	logs, err := f.store.ListPollingLog(ctx, "inv-b", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.PollOutcomeInconsistent, logs[0].Outcome)
	assert.True(t, strings.Contains(logs[0].Detail, "shared"))

	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, alert.AlertTypeDataInconsistency, f.alerter.alerts[0].Type)
}

func TestReconcile_WrongTokenIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "ethereum", "USDC", "100", model.InvoiceStatusPendingPayment)

	res, err := f.engine.Reconcile(ctx, "inv-1", []model.ObservedTransfer{
		transfer("0xeth", "0.05", "ETH", time.Minute, 20),
	})
	require.NoError(t, err)
	assert.Equal(t, model.PollOutcomeNoChange, res.Outcome)

	payments, err := f.store.ListPayments(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestReconcile_TokenContractMustMatchRegistry(t *testing.T) {
	tests := []struct {
		name       string
		contract   string
		wantStatus model.InvoiceStatus
		wantAlert  bool
	}{
		{name: "registry contract", contract: "0xDAC17F958D2EE523A2206206994597C13D831EC7", wantStatus: model.InvoiceStatusPaid},
		{name: "spoofed contract", contract: "0x2222222222222222222222222222222222222222", wantStatus: model.InvoiceStatusPendingPayment, wantAlert: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.seed(t, "inv-1", "ethereum", "USDT", "100", model.InvoiceStatusPendingPayment)

			tr := transfer("0xusdt", "100", "USDT", time.Minute, 20)
			tr.ContractAddress = tt.contract
			res, err := f.engine.Reconcile(ctx, "inv-1", []model.ObservedTransfer{tr})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.To)

			payments, err := f.store.ListPayments(ctx, "inv-1")
			require.NoError(t, err)
			inconsistencies := f.alertsOfType(alert.AlertTypeDataInconsistency)
			if !tt.wantAlert {
				assert.Len(t, payments, 1)
				assert.Empty(t, inconsistencies)
				return
			}
			assert.Empty(t, payments)
			require.Len(t, inconsistencies, 1)
			assert.Equal(t, "unexpected_contract", inconsistencies[0].Fields["reason"])
			assert.Contains(t, inconsistencies[0].Message, tt.contract)
		})
	}
}

func TestReconcile_PaymentAfterDeadlineIsNotApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusPendingPayment)

	// Deadline is base+24h15m. The exact payment lands a day later.
	f.now = base.Add(49 * time.Hour)
	res, err := f.engine.Reconcile(ctx, "inv-1", []model.ObservedTransfer{
		transfer("late", "1", "BTC", 48*time.Hour, 6),
	})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusExpired, res.To)

	payments, err := f.store.ListPayments(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, payments)

	late := f.alertsOfType(alert.AlertTypeLatePayment)
	require.Len(t, late, 1)
	assert.Equal(t, "inv-1", late[0].InvoiceID)
	assert.Equal(t, "late", late[0].Fields["tx_hash"])
	assert.Equal(t, []model.EventName{model.EventInvoiceExpired}, f.notifier.names())
}

func TestReconcile_RegistryMissIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "dogecoin", "DOGE", "10", model.InvoiceStatusPendingPayment)

	res, err := f.engine.Reconcile(ctx, "inv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.PollOutcomeRegistryMiss, res.Outcome)
	assert.Equal(t, model.InvoiceStatusPendingPayment, f.status(t, "inv-1"))
}

func TestRecordFailure_AppendsLogOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusConfirming)

	require.NoError(t, f.engine.RecordFailure(ctx, "inv-1", model.PollOutcomeExplorerError, "http 503"))
	logs, err := f.store.ListPollingLog(ctx, "inv-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.InvoiceStatusConfirming, logs[0].FromStatus)
	assert.Equal(t, model.InvoiceStatusConfirming, logs[0].ToStatus)
	assert.Equal(t, "http 503", logs[0].Detail)
}

func TestActivate_WaitsForRateLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusSent)

	f.now = base.Add(-time.Minute)
	res, err := f.engine.Activate(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusSent, res.To)

	f.now = base
	res, err = f.engine.Activate(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPendingPayment, res.To)

	// Without an observation the walk stops at pending_payment even past
	// the deadline.
	f.now = base.Add(72 * time.Hour)
	res, err = f.engine.Activate(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPendingPayment, res.To)
}

func TestCreateSendCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := &model.Invoice{
		TenantID:        "tenant-1",
		AmountUSD:       d("100"),
		ExpectedAmount:  d("100"),
		ChainID:         "ethereum",
		TokenSymbol:     "usdc",
		PaymentAddress:  "0xabc",
		RateLockedAt:    base,
		RateLockedUntil: base.Add(15 * time.Minute),
		ExpirationHours: 24,
	}
	require.NoError(t, f.engine.Create(ctx, inv))
	require.NotEmpty(t, inv.ID)
	assert.Equal(t, model.InvoiceStatusDraft, f.status(t, inv.ID))

	dup := *inv
	assert.ErrorIs(t, f.engine.Create(ctx, &dup), store.ErrInvoiceExists)

	res, err := f.engine.Send(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusSent, res.To)

	res, err = f.engine.Send(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PollOutcomeNoChange, res.Outcome)

	res, err = f.engine.Cancel(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusCancelled, res.To)

	assert.Equal(t, []model.EventName{model.EventInvoiceCreated, model.EventClientInvoiceSent}, f.notifier.names())
}

func TestCancel_RejectedOncePaymentSeen(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "inv-1", "bitcoin", "BTC", "1", model.InvoiceStatusConfirming)

	_, err := f.engine.Cancel(context.Background(), "inv-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.InvoiceStatusConfirming, f.status(t, "inv-1"))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	valid := func() *model.Invoice {
		return &model.Invoice{
			ExpectedAmount:  d("1"),
			ChainID:         "bitcoin",
			TokenSymbol:     "BTC",
			PaymentAddress:  "bc1q",
			RateLockedAt:    base,
			RateLockedUntil: base.Add(time.Minute),
		}
	}

	tests := []struct {
		name   string
		mutate func(*model.Invoice)
	}{
		{"zero amount", func(i *model.Invoice) { i.ExpectedAmount = decimal.Zero }},
		{"no address", func(i *model.Invoice) { i.PaymentAddress = " " }},
		{"unknown chain", func(i *model.Invoice) { i.ChainID = "dogecoin" }},
		{"unknown token", func(i *model.Invoice) { i.TokenSymbol = "USDT" }},
		{"inverted lock", func(i *model.Invoice) { i.RateLockedUntil = base.Add(-time.Minute) }},
		{"bad initial status", func(i *model.Invoice) { i.Status = model.InvoiceStatusPaid }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv := valid()
			tc.mutate(inv)
			assert.ErrorIs(t, f.engine.Create(context.Background(), inv), ErrInvalidInvoice)
		})
	}
}
