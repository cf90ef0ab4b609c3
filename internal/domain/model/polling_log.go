package model

import "time"

// PollOutcome classifies a single poll attempt for an invoice.
type PollOutcome string

const (
	PollOutcomeNoChange          PollOutcome = "no_change"
	PollOutcomeTransitioned      PollOutcome = "transitioned"
	PollOutcomeExplorerError     PollOutcome = "explorer_error"
	PollOutcomeExplorerMalformed PollOutcome = "explorer_malformed"
	PollOutcomeCircuitOpen       PollOutcome = "circuit_open"
	PollOutcomeRegistryMiss      PollOutcome = "registry_miss"
	PollOutcomeInconsistent      PollOutcome = "data_inconsistency"
	PollOutcomeSkippedTerminal   PollOutcome = "skipped_terminal"
)

// PollingLogEntry is an append-only audit record of one poll attempt.
type PollingLogEntry struct {
	ID         string        `db:"id" json:"id"`
	InvoiceID  string        `db:"invoice_id" json:"invoice_id"`
	PolledAt   time.Time     `db:"polled_at" json:"polled_at"`
	FromStatus InvoiceStatus `db:"from_status" json:"from_status"`
	ToStatus   InvoiceStatus `db:"to_status" json:"to_status"`
	Outcome    PollOutcome   `db:"outcome" json:"outcome"`
	Verdict    string        `db:"verdict" json:"verdict,omitempty"`
	Detail     string        `db:"detail" json:"detail,omitempty"`
}
