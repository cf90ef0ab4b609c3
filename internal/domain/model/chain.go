package model

import "strings"

// ChainFamily selects the explorer strategy used to observe a chain.
type ChainFamily string

const (
	FamilyUTXO    ChainFamily = "utxo"
	FamilyAccount ChainFamily = "account"
	FamilySolana  ChainFamily = "solana"
)

func (f ChainFamily) String() string {
	return string(f)
}

// Valid reports whether f is a known chain family.
func (f ChainFamily) Valid() bool {
	switch f {
	case FamilyUTXO, FamilyAccount, FamilySolana:
		return true
	}
	return false
}

// Chain is a supported network as configured by operators.
type Chain struct {
	ID                    string      `db:"id" json:"id" yaml:"id"`
	Name                  string      `db:"name" json:"name" yaml:"name"`
	Family                ChainFamily `db:"family" json:"family" yaml:"family"`
	NativeSymbol          string      `db:"native_symbol" json:"native_symbol" yaml:"native_symbol"`
	RequiredConfirmations int64       `db:"required_confirmations" json:"required_confirmations" yaml:"required_confirmations"`
	ExplorerBaseURL       string      `db:"explorer_base_url" json:"explorer_base_url" yaml:"explorer_base_url"`
	TxPathTemplate        string      `db:"tx_path_template" json:"tx_path_template" yaml:"tx_path_template"`
	APIURL                string      `db:"api_url" json:"api_url" yaml:"api_url"`
	APIKey                string      `db:"api_key" json:"-" yaml:"api_key"`
	RateLimitRPS          float64     `db:"rate_limit_rps" json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst        int         `db:"rate_limit_burst" json:"rate_limit_burst" yaml:"rate_limit_burst"`
	MaxConcurrentCalls    int         `db:"max_concurrent_calls" json:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	Enabled               bool        `db:"enabled" json:"enabled" yaml:"enabled"`
}

// TxURL returns the block explorer link for a transaction hash.
// Returns an empty string when the chain has no explorer configured.
func (c Chain) TxURL(hash string) string {
	if c.ExplorerBaseURL == "" {
		return ""
	}
	tmpl := c.TxPathTemplate
	if tmpl == "" {
		tmpl = "/tx/{hash}"
	}
	return strings.TrimRight(c.ExplorerBaseURL, "/") + strings.ReplaceAll(tmpl, "{hash}", hash)
}
