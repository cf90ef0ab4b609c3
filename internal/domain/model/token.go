package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Token is a payable asset on exactly one chain.
type Token struct {
	ChainID          string          `db:"chain_id" json:"chain_id"`
	Symbol           string          `db:"symbol" json:"symbol"`
	Decimals         int32           `db:"decimals" json:"decimals"`
	IsStablecoin     bool            `db:"is_stablecoin" json:"is_stablecoin"`
	PaymentTolerance decimal.Decimal `db:"payment_tolerance" json:"payment_tolerance"`
	ContractAddress  string          `db:"contract_address" json:"contract_address,omitempty"`
}

// IsNative reports whether the token is the chain's native asset.
func (t Token) IsNative() bool {
	return t.ContractAddress == ""
}

// FromBaseUnits converts an integer amount in the token's smallest unit
// (satoshi, wei, lamport) into a decimal amount.
func (t Token) FromBaseUnits(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(-t.Decimals), nil
}

// NormalizeSymbol is the canonical form used for symbol comparison.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
