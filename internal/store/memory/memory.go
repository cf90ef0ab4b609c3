// Package memory is an in-process store used in dev mode and tests.
// Transactions are serialized by a single mutex and applied copy-on-write,
// so a failed callback leaves no partial writes behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/google/uuid"
)

type paymentKey struct {
	chainID string
	txHash  string
}

type eventKey struct {
	invoiceID string
	name      model.EventName
	dedupeKey string
}

type state struct {
	invoices    map[string]model.Invoice
	payments    map[string]model.PaymentTransaction
	paymentHash map[paymentKey]string
	pollingLog  []model.PollingLogEntry
	events      map[eventKey]time.Time
	syncRecords map[string]model.CfoSyncRecord
	syncLog     []model.CfoSyncLogEntry
}

func newState() *state {
	return &state{
		invoices:    make(map[string]model.Invoice),
		payments:    make(map[string]model.PaymentTransaction),
		paymentHash: make(map[paymentKey]string),
		events:      make(map[eventKey]time.Time),
		syncRecords: make(map[string]model.CfoSyncRecord),
	}
}

func (s *state) clone() *state {
	c := &state{
		invoices:    make(map[string]model.Invoice, len(s.invoices)),
		payments:    make(map[string]model.PaymentTransaction, len(s.payments)),
		paymentHash: make(map[paymentKey]string, len(s.paymentHash)),
		pollingLog:  append([]model.PollingLogEntry(nil), s.pollingLog...),
		events:      make(map[eventKey]time.Time, len(s.events)),
		syncRecords: make(map[string]model.CfoSyncRecord, len(s.syncRecords)),
		syncLog:     append([]model.CfoSyncLogEntry(nil), s.syncLog...),
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.paymentHash {
		c.paymentHash[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.syncRecords {
		c.syncRecords[k] = v
	}
	return c
}

// Store implements store.Store in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := &tx{state: s.state.clone()}
	if err := fn(work); err != nil {
		return err
	}
	s.state = work.state
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) GetInvoice(_ context.Context, id string) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.state.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, store.ErrNotFound)
	}
	return &inv, nil
}

func (s *Store) ListInvoices(_ context.Context, f store.InvoiceFilter) ([]model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[model.InvoiceStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		want[st] = true
	}
	var out []model.Invoice
	for _, inv := range s.state.invoices {
		if len(want) == 0 || want[inv.Status] {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListPayments(_ context.Context, invoiceID string) ([]model.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listPayments(s.state, invoiceID), nil
}

func (s *Store) ListPollingLog(_ context.Context, invoiceID string, limit int) ([]model.PollingLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PollingLogEntry
	for i := len(s.state.pollingLog) - 1; i >= 0; i-- {
		e := s.state.pollingLog[i]
		if e.InvoiceID != invoiceID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetSyncRecord(_ context.Context, invoiceID string) (*model.CfoSyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.syncRecords[invoiceID]
	if !ok {
		return nil, fmt.Errorf("sync record %s: %w", invoiceID, store.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) ListSyncRecords(_ context.Context, f store.SyncFilter) ([]model.CfoSyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.CfoSyncRecord
	for _, rec := range s.state.syncRecords {
		if f.Status == "" || rec.SyncStatus == f.Status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].InvoiceID < out[j].InvoiceID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListSyncLog(_ context.Context, invoiceID string) ([]model.CfoSyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.CfoSyncLogEntry
	for _, e := range s.state.syncLog {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ReferencedChainIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, inv := range s.state.invoices {
		if !inv.Status.IsTerminal() {
			seen[inv.ChainID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func listPayments(st *state, invoiceID string) []model.PaymentTransaction {
	var out []model.PaymentTransaction
	for _, p := range st.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].TxHash < out[j].TxHash
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

type tx struct {
	state *state
}

func (t *tx) CreateInvoice(_ context.Context, inv *model.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if _, exists := t.state.invoices[inv.ID]; exists {
		return fmt.Errorf("invoice %s: %w", inv.ID, store.ErrInvoiceExists)
	}
	t.state.invoices[inv.ID] = *inv
	return nil
}

func (t *tx) LockInvoice(_ context.Context, id string) (*model.Invoice, error) {
	inv, ok := t.state.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, store.ErrNotFound)
	}
	return &inv, nil
}

func (t *tx) UpdateInvoiceStatus(_ context.Context, id string, status model.InvoiceStatus, paidAt *time.Time, now time.Time) error {
	inv, ok := t.state.invoices[id]
	if !ok {
		return fmt.Errorf("invoice %s: %w", id, store.ErrNotFound)
	}
	inv.Status = status
	if paidAt != nil {
		at := *paidAt
		inv.PaidAt = &at
	}
	inv.UpdatedAt = now
	t.state.invoices[id] = inv
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p *model.PaymentTransaction) (bool, error) {
	key := paymentKey{chainID: p.ChainID, txHash: p.TxHash}
	if existingID, ok := t.state.paymentHash[key]; ok {
		existing := t.state.payments[existingID]
		if existing.InvoiceID != p.InvoiceID {
			return false, fmt.Errorf("%s/%s owned by invoice %s: %w", p.ChainID, p.TxHash, existing.InvoiceID, store.ErrDuplicatePayment)
		}
		*p = existing
		return false, nil
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	t.state.payments[p.ID] = *p
	t.state.paymentHash[key] = p.ID
	return true, nil
}

func (t *tx) ListPayments(_ context.Context, invoiceID string) ([]model.PaymentTransaction, error) {
	return listPayments(t.state, invoiceID), nil
}

func (t *tx) UpdatePayment(_ context.Context, id string, confirmations int64, status model.PaymentStatus) error {
	p, ok := t.state.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, store.ErrNotFound)
	}
	p.Confirmations = confirmations
	p.Status = status
	t.state.payments[id] = p
	return nil
}

func (t *tx) AppendPollingLog(_ context.Context, e *model.PollingLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	t.state.pollingLog = append(t.state.pollingLog, *e)
	return nil
}

func (t *tx) RecordEvent(_ context.Context, invoiceID string, name model.EventName, dedupeKey string, at time.Time) (bool, error) {
	key := eventKey{invoiceID: invoiceID, name: name, dedupeKey: dedupeKey}
	if _, ok := t.state.events[key]; ok {
		return false, nil
	}
	t.state.events[key] = at
	return true, nil
}

func (t *tx) LockSyncRecord(_ context.Context, invoiceID string) (*model.CfoSyncRecord, error) {
	rec, ok := t.state.syncRecords[invoiceID]
	if !ok {
		return nil, fmt.Errorf("sync record %s: %w", invoiceID, store.ErrNotFound)
	}
	return &rec, nil
}

func (t *tx) EnsureSyncRecord(_ context.Context, invoiceID string, now time.Time) error {
	if _, ok := t.state.syncRecords[invoiceID]; ok {
		return nil
	}
	t.state.syncRecords[invoiceID] = model.CfoSyncRecord{
		InvoiceID:  invoiceID,
		SyncStatus: model.SyncStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (t *tx) SaveSyncRecord(_ context.Context, rec *model.CfoSyncRecord) error {
	if _, ok := t.state.syncRecords[rec.InvoiceID]; !ok {
		return fmt.Errorf("sync record %s: %w", rec.InvoiceID, store.ErrNotFound)
	}
	t.state.syncRecords[rec.InvoiceID] = *rec
	return nil
}

func (t *tx) AppendSyncLog(_ context.Context, e *model.CfoSyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	t.state.syncLog = append(t.state.syncLog, *e)
	return nil
}
