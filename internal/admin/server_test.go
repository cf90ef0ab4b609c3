package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/ledgersync"
	"github.com/emperorhan/invoice-reconciler/internal/reconcile"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/emperorhan/invoice-reconciler/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ----- Mock implementations -----

type fakeInvoices struct {
	created []*model.Invoice
	err     error
	results map[string]reconcile.Result
}

func (f *fakeInvoices) Create(_ context.Context, inv *model.Invoice) error {
	if f.err != nil {
		return f.err
	}
	inv.Status = model.InvoiceStatusDraft
	f.created = append(f.created, inv)
	return nil
}

func (f *fakeInvoices) Send(_ context.Context, id string) (reconcile.Result, error) {
	return f.result(id)
}

func (f *fakeInvoices) Cancel(_ context.Context, id string) (reconcile.Result, error) {
	return f.result(id)
}

func (f *fakeInvoices) result(id string) (reconcile.Result, error) {
	if f.err != nil {
		return reconcile.Result{}, f.err
	}
	res, ok := f.results[id]
	if !ok {
		return reconcile.Result{}, store.ErrNotFound
	}
	return res, nil
}

type fakeSync struct {
	calls []string
	res   ledgersync.SyncResult
	err   error
}

func (f *fakeSync) Resync(_ context.Context, id string) (ledgersync.SyncResult, error) {
	f.calls = append(f.calls, id)
	return f.res, f.err
}

type fakeRegistry struct {
	reloadErr error
	reloads   int
	chains    []model.Chain
}

func (f *fakeRegistry) Reload(context.Context) error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeRegistry) ListEnabled() []model.Chain { return f.chains }

type openBreakers map[string]bool

func (o openBreakers) BreakerState(chainID string) circuitbreaker.State {
	if o[chainID] {
		return circuitbreaker.StateOpen
	}
	return circuitbreaker.StateClosed
}

// ----- Helpers -----

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateInvoice(ctx, &model.Invoice{
			ID:             "inv-1",
			TenantID:       "tenant-1",
			ExpectedAmount: decimal.RequireFromString("100"),
			ChainID:        "ethereum",
			TokenSymbol:    "USDC",
			PaymentAddress: "0xabc",
			Status:         model.InvoiceStatusConfirming,
		}); err != nil {
			return err
		}
		if _, err := tx.InsertPayment(ctx, &model.PaymentTransaction{
			InvoiceID: "inv-1",
			ChainID:   "ethereum",
			TxHash:    "0xpay",
			Amount:    decimal.RequireFromString("100.05"),
			Status:    model.PaymentStatusPending,
		}); err != nil {
			return err
		}
		if err := tx.AppendPollingLog(ctx, &model.PollingLogEntry{
			InvoiceID:  "inv-1",
			PolledAt:   now,
			FromStatus: model.InvoiceStatusPaymentDetected,
			ToStatus:   model.InvoiceStatusConfirming,
			Outcome:    model.PollOutcomeTransitioned,
		}); err != nil {
			return err
		}
		if err := tx.CreateInvoice(ctx, &model.Invoice{ID: "inv-paid", TenantID: "tenant-1", Status: model.InvoiceStatusPaid}); err != nil {
			return err
		}
		return tx.EnsureSyncRecord(ctx, "inv-paid", now)
	}))
	return st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

// ----- Tests -----

func TestGetInvoice_ReturnsPaymentsAndPollingLog(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger())

	rec := do(t, srv.Handler(), http.MethodGet, "/admin/v1/invoices/inv-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp invoiceDetailResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "inv-1", resp.Invoice.ID)
	assert.Equal(t, model.InvoiceStatusConfirming, resp.Invoice.Status)
	require.Len(t, resp.Payments, 1)
	assert.Equal(t, "0xpay", resp.Payments[0].TxHash)
	require.Len(t, resp.PollingLog, 1)
	assert.Equal(t, model.PollOutcomeTransitioned, resp.PollingLog[0].Outcome)
}

func TestGetInvoice_NotFound(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger())
	rec := do(t, srv.Handler(), http.MethodGet, "/admin/v1/invoices/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListInvoices_DefaultsToOpenStatuses(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger())

	rec := do(t, srv.Handler(), http.MethodGet, "/admin/v1/invoices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var open []model.Invoice
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&open))
	require.Len(t, open, 1)
	assert.Equal(t, "inv-1", open[0].ID)

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/v1/invoices?status=paid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var paid []model.Invoice
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&paid))
	require.Len(t, paid, 1)
	assert.Equal(t, "inv-paid", paid[0].ID)

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/v1/invoices?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInvoice(t *testing.T) {
	invoices := &fakeInvoices{}
	srv := NewServer(seededStore(t), invoices, testLogger())

	body := `{"id":"inv-9","tenant_id":"tenant-1","expected_amount":"0.5","chain_id":"bitcoin","token_symbol":"BTC","payment_address":"bc1q","rate_locked_until":"2026-03-02T00:00:00Z","expiration_hours":24}`
	rec := do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, invoices.created, 1)
	assert.True(t, invoices.created[0].ExpectedAmount.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 24, invoices.created[0].ExpirationHours)

	rec = do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices", `{"tenant_id":"tenant-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	invoices.err = fmt.Errorf("%w: unknown token", reconcile.ErrInvalidInvoice)
	rec = do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	invoices.err = fmt.Errorf("create invoice: %w", store.ErrInvoiceExists)
	rec = do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelInvoice(t *testing.T) {
	invoices := &fakeInvoices{results: map[string]reconcile.Result{
		"inv-1": {InvoiceID: "inv-1", From: model.InvoiceStatusPendingPayment, To: model.InvoiceStatusCancelled, Outcome: model.PollOutcomeTransitioned},
	}}
	srv := NewServer(seededStore(t), invoices, testLogger())

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices/inv-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp transitionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "cancelled", resp.To)

	invoices.err = fmt.Errorf("%w: confirming -> cancelled", reconcile.ErrInvalidTransition)
	rec = do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices/inv-1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendInvoice_UnknownIs404(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger())
	rec := do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices/nope/send", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSync(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger())

	rec := do(t, srv.Handler(), http.MethodGet, "/admin/v1/invoices/inv-paid/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp syncDetailResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, model.SyncStatusPending, resp.Record.SyncStatus)
	assert.Empty(t, resp.Log)

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/v1/invoices/inv-1/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/v1/sync?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []model.CfoSyncRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&recs))
	assert.Len(t, recs, 1)

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/v1/sync?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResync(t *testing.T) {
	sync := &fakeSync{res: ledgersync.SyncResult{Outcome: ledgersync.OutcomeSynced, InvoiceID: "inv-paid", LedgerTransactionID: "ledger-1"}}
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger(), WithSyncService(sync))

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices/inv-paid/resync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"inv-paid"}, sync.calls)
	var resp syncResultResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "synced", resp.Outcome)
	assert.Equal(t, "ledger-1", resp.LedgerTransactionID)

	sync.err = ledgersync.ErrNotPaid
	rec = do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices/inv-1/resync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResync_Unavailable(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger())
	rec := do(t, srv.Handler(), http.MethodPost, "/admin/v1/invoices/inv-paid/resync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRegistryReload(t *testing.T) {
	reg := &fakeRegistry{chains: []model.Chain{{ID: "ethereum", Family: model.FamilyAccount, RequiredConfirmations: 12}}}
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger(), WithRegistry(reg), WithBreakerStates(openBreakers{"ethereum": true}))

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/v1/registry/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, reg.reloads)

	reg.reloadErr = errors.New("chain ethereum is referenced by open invoices")
	rec = do(t, srv.Handler(), http.MethodPost, "/admin/v1/registry/reload", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "referenced")

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/v1/chains", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var chains []chainResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chains))
	require.Len(t, chains, 1)
	assert.Equal(t, int64(12), chains[0].RequiredConfirmations)
	assert.Equal(t, "open", chains[0].ExplorerCircuit)
}

func TestToken_GuardsAdminRoutesOnly(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger(), WithToken("s3cret"))
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/admin/v1/invoices/inv-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/invoices/inv-1", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	srv := NewServer(seededStore(t), &fakeInvoices{}, testLogger())
	rec := do(t, srv.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}
