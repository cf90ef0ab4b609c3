package model

import (
	"encoding/json"
	"time"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// CfoSyncRecord tracks delivery of a paid invoice into the external ledger.
// One record per invoice.
type CfoSyncRecord struct {
	InvoiceID           string     `db:"invoice_id" json:"invoice_id"`
	SyncStatus          SyncStatus `db:"sync_status" json:"sync_status"`
	RetryCount          int        `db:"retry_count" json:"retry_count"`
	LastRetryAt         *time.Time `db:"last_retry_at" json:"last_retry_at,omitempty"`
	LedgerTransactionID string     `db:"ledger_transaction_id" json:"ledger_transaction_id,omitempty"`
	LastError           string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// CfoSyncLogEntry is an append-only snapshot of one ledger sync attempt.
type CfoSyncLogEntry struct {
	ID          string          `db:"id" json:"id"`
	InvoiceID   string          `db:"invoice_id" json:"invoice_id"`
	Attempt     int             `db:"attempt" json:"attempt"`
	Request     json.RawMessage `db:"request" json:"request"`
	Response    json.RawMessage `db:"response" json:"response,omitempty"`
	Error       string          `db:"error" json:"error,omitempty"`
	Succeeded   bool            `db:"succeeded" json:"succeeded"`
	DurationMS  int64           `db:"duration_ms" json:"duration_ms"`
	AttemptedAt time.Time       `db:"attempted_at" json:"attempted_at"`
}
