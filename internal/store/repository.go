package store

import (
	"context"
	"errors"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicatePayment is returned when a tx hash is already attributed
	// to a different invoice on the same chain.
	ErrDuplicatePayment = errors.New("store: tx hash already recorded for another invoice")
	ErrInvoiceExists    = errors.New("store: invoice already exists")
)

// InvoiceFilter selects invoices for a poll cycle.
type InvoiceFilter struct {
	Statuses []model.InvoiceStatus
	Limit    int
}

// SyncFilter selects ledger sync records.
type SyncFilter struct {
	Status model.SyncStatus
	Limit  int
}

// Store is the unit-of-work boundary. Reads outside WithTx see committed
// state only; all writes go through a Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	InvoiceReader
	SyncReader

	// ReferencedChainIDs lists chains that non-terminal invoices quote.
	ReferencedChainIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// InvoiceReader exposes committed invoice state.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]model.Invoice, error)
	ListPayments(ctx context.Context, invoiceID string) ([]model.PaymentTransaction, error)
	ListPollingLog(ctx context.Context, invoiceID string, limit int) ([]model.PollingLogEntry, error)
}

// SyncReader exposes committed ledger sync state.
type SyncReader interface {
	GetSyncRecord(ctx context.Context, invoiceID string) (*model.CfoSyncRecord, error)
	ListSyncRecords(ctx context.Context, f SyncFilter) ([]model.CfoSyncRecord, error)
	ListSyncLog(ctx context.Context, invoiceID string) ([]model.CfoSyncLogEntry, error)
}

// Tx is a single database transaction. Implementations commit when the
// WithTx callback returns nil and roll back otherwise.
type Tx interface {
	// CreateInvoice inserts an invoice handed over by billing.
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	// LockInvoice returns the invoice and holds its row lock until the
	// transaction ends.
	LockInvoice(ctx context.Context, id string) (*model.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, status model.InvoiceStatus, paidAt *time.Time, now time.Time) error

	// InsertPayment records p unless (ChainID, TxHash) already exists.
	// inserted is false for a replay on the same invoice; a hash owned by
	// another invoice returns ErrDuplicatePayment.
	InsertPayment(ctx context.Context, p *model.PaymentTransaction) (inserted bool, err error)
	ListPayments(ctx context.Context, invoiceID string) ([]model.PaymentTransaction, error)
	UpdatePayment(ctx context.Context, id string, confirmations int64, status model.PaymentStatus) error

	AppendPollingLog(ctx context.Context, e *model.PollingLogEntry) error

	// RecordEvent claims (invoiceID, name, dedupeKey). first is false when
	// the event was already emitted.
	RecordEvent(ctx context.Context, invoiceID string, name model.EventName, dedupeKey string, at time.Time) (first bool, err error)

	// LockSyncRecord returns the record under a row lock, or ErrNotFound.
	LockSyncRecord(ctx context.Context, invoiceID string) (*model.CfoSyncRecord, error)
	// EnsureSyncRecord creates a pending record if none exists.
	EnsureSyncRecord(ctx context.Context, invoiceID string, now time.Time) error
	SaveSyncRecord(ctx context.Context, rec *model.CfoSyncRecord) error
	AppendSyncLog(ctx context.Context, e *model.CfoSyncLogEntry) error
}
