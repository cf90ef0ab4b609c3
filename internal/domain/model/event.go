package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventName is one of the fixed notification events.
type EventName string

const (
	EventInvoiceCreated    EventName = "invoice_created"
	EventPaymentDetected   EventName = "payment_detected"
	EventPaymentConfirmed  EventName = "payment_confirmed"
	EventPartialPayment    EventName = "partial_payment"
	EventOverpayment       EventName = "overpayment"
	EventInvoiceExpired    EventName = "invoice_expired"
	EventClientInvoiceSent EventName = "client_invoice_sent"
)

// Event is a domain notification emitted by the reconciliation engine.
// DedupeKey distinguishes repeated events of the same name for one invoice
// (e.g. one payment_detected per tx hash); it is empty for once-only events.
type Event struct {
	ID             string          `json:"id"`
	Name           EventName       `json:"event"`
	InvoiceID      string          `json:"invoice_id"`
	TenantID       string          `json:"tenant_id"`
	DedupeKey      string          `json:"-"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	AmountReceived decimal.Decimal `json:"amount_received"`
	TokenSymbol    string          `json:"token_symbol"`
	TxHash         string          `json:"tx_hash,omitempty"`
	ExplorerURL    string          `json:"explorer_url,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
