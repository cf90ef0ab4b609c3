package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft           InvoiceStatus = "draft"
	InvoiceStatusSent            InvoiceStatus = "sent"
	InvoiceStatusPendingPayment  InvoiceStatus = "pending_payment"
	InvoiceStatusPaymentDetected InvoiceStatus = "payment_detected"
	InvoiceStatusConfirming      InvoiceStatus = "confirming"
	InvoiceStatusPaid            InvoiceStatus = "paid"
	InvoiceStatusPartial         InvoiceStatus = "partial"
	InvoiceStatusOverpaid        InvoiceStatus = "overpaid"
	InvoiceStatusExpired         InvoiceStatus = "expired"
	InvoiceStatusCancelled       InvoiceStatus = "cancelled"
)

func (s InvoiceStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no automatic transition can leave s.
// Overpaid invoices wait for manual reconciliation.
func (s InvoiceStatus) IsTerminal() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusOverpaid, InvoiceStatusExpired, InvoiceStatusCancelled:
		return true
	}
	return false
}

// PollableStatuses are the statuses the scheduler re-evaluates every cycle.
var PollableStatuses = []InvoiceStatus{
	InvoiceStatusSent,
	InvoiceStatusPendingPayment,
	InvoiceStatusPaymentDetected,
	InvoiceStatusConfirming,
	InvoiceStatusPartial,
}

// Invoice is the reconciliation view of a tenant invoice. Billing creates
// it; the engine owns Status once the invoice leaves draft/sent.
type Invoice struct {
	ID                  string          `db:"id" json:"id"`
	TenantID            string          `db:"tenant_id" json:"tenant_id"`
	Number              string          `db:"number" json:"number"`
	AmountUSD           decimal.Decimal `db:"amount_usd" json:"amount_usd"`
	ExpectedAmount      decimal.Decimal `db:"expected_amount" json:"expected_amount"`
	ChainID             string          `db:"chain_id" json:"chain_id"`
	TokenSymbol         string          `db:"token_symbol" json:"token_symbol"`
	PaymentAddress      string          `db:"payment_address" json:"payment_address"`
	RateLockedAt        time.Time       `db:"rate_locked_at" json:"rate_locked_at"`
	RateLockedUntil     time.Time       `db:"rate_locked_until" json:"rate_locked_until"`
	ExpirationHours     int             `db:"expiration_hours" json:"expiration_hours"`
	AllowClientChoice   bool            `db:"allow_client_choice" json:"allow_client_choice"`
	ClientRefundAddress *string         `db:"client_refund_address" json:"client_refund_address,omitempty"`
	Status              InvoiceStatus   `db:"status" json:"status"`
	PaidAt              *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Deadline is the instant after which an unpaid invoice expires: the end of
// the rate lock extended by the invoice's expiration window.
func (i *Invoice) Deadline() time.Time {
	return i.RateLockedUntil.Add(time.Duration(i.ExpirationHours) * time.Hour)
}
