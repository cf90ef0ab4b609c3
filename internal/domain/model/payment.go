package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusRejected  PaymentStatus = "rejected"
)

// PaymentTransaction is one observed on-chain transfer attributed to an
// invoice. (ChainID, TxHash) is unique.
type PaymentTransaction struct {
	ID             string          `db:"id" json:"id"`
	InvoiceID      string          `db:"invoice_id" json:"invoice_id"`
	ChainID        string          `db:"chain_id" json:"chain_id"`
	TxHash         string          `db:"tx_hash" json:"tx_hash"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	TokenSymbol    string          `db:"token_symbol" json:"token_symbol"`
	Confirmations  int64           `db:"confirmations" json:"confirmations"`
	BlockTimestamp time.Time       `db:"block_timestamp" json:"block_timestamp"`
	DetectedAt     time.Time       `db:"detected_at" json:"detected_at"`
	Status         PaymentStatus   `db:"status" json:"status"`
	ExplorerURL    string          `db:"explorer_url" json:"explorer_url,omitempty"`
}

// ObservedTransfer is a normalized explorer observation of value arriving
// at a watched address.
type ObservedTransfer struct {
	TxHash          string
	Amount          decimal.Decimal
	TokenSymbol     string
	// ContractAddress identifies the token contract. Empty for the chain's
	// native asset.
	ContractAddress string
	Confirmations   int64
	BlockTimestamp  time.Time
}
