package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceDeadline(t *testing.T) {
	lockedUntil := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inv := &Invoice{RateLockedUntil: lockedUntil, ExpirationHours: 24}
	assert.Equal(t, lockedUntil.Add(24*time.Hour), inv.Deadline())

	inv.ExpirationHours = 0
	assert.Equal(t, lockedUntil, inv.Deadline())
}

func TestInvoiceStatusIsTerminal(t *testing.T) {
	terminal := []InvoiceStatus{InvoiceStatusPaid, InvoiceStatusOverpaid, InvoiceStatusExpired, InvoiceStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range PollableStatuses {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestChainTxURL(t *testing.T) {
	c := Chain{ExplorerBaseURL: "https://mempool.space/"}
	assert.Equal(t, "https://mempool.space/tx/abc", c.TxURL("abc"))

	c.TxPathTemplate = "/transaction/{hash}?cluster=mainnet"
	assert.Equal(t, "https://mempool.space/transaction/abc?cluster=mainnet", c.TxURL("abc"))

	assert.Empty(t, Chain{}.TxURL("abc"))
}

func TestChainFamilyValid(t *testing.T) {
	assert.True(t, FamilyUTXO.Valid())
	assert.True(t, FamilyAccount.Valid())
	assert.True(t, FamilySolana.Valid())
	assert.False(t, ChainFamily("cosmos").Valid())
}

func TestTokenFromBaseUnits(t *testing.T) {
	usdc := Token{Symbol: "USDC", Decimals: 6, ContractAddress: "0xa0b8"}
	got, err := usdc.FromBaseUnits("100050000")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("100.05")))
	assert.False(t, usdc.IsNative())

	btc := Token{Symbol: "BTC", Decimals: 8}
	got, err = btc.FromBaseUnits("97000000")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("0.97")))
	assert.True(t, btc.IsNative())

	_, err = btc.FromBaseUnits("not-a-number")
	assert.Error(t, err)
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "USDC", NormalizeSymbol(" usdc "))
}
