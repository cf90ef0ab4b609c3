package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ----- Mock implementations -----

type staticSource struct {
	chains []model.Chain
	tokens []model.Token
	err    error
}

func (s *staticSource) Load(context.Context) ([]model.Chain, []model.Token, error) {
	return s.chains, s.tokens, s.err
}

type staticGuard struct {
	ids []string
	err error
}

func (g *staticGuard) ReferencedChainIDs(context.Context) ([]string, error) {
	return g.ids, g.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func baseCatalogue() *staticSource {
	return &staticSource{
		chains: []model.Chain{
			{ID: "bitcoin", Family: model.FamilyUTXO, NativeSymbol: "btc", RequiredConfirmations: 3, Enabled: true},
			{ID: "ethereum", Family: model.FamilyAccount, NativeSymbol: "ETH", RequiredConfirmations: 12, Enabled: true},
			{ID: "solana", Family: model.FamilySolana, NativeSymbol: "SOL", RequiredConfirmations: 1, Enabled: false},
		},
		tokens: []model.Token{
			{ChainID: "bitcoin", Symbol: "BTC", Decimals: 8, PaymentTolerance: decimal.RequireFromString("0.005")},
			{ChainID: "ethereum", Symbol: "ETH", Decimals: 18, PaymentTolerance: decimal.RequireFromString("0.005")},
			{ChainID: "ethereum", Symbol: "usdc", Decimals: 6, IsStablecoin: true, PaymentTolerance: decimal.RequireFromString("0.001"), ContractAddress: "0xa0b8"},
			{ChainID: "solana", Symbol: "SOL", Decimals: 9, PaymentTolerance: decimal.RequireFromString("0.005")},
		},
	}
}

func TestRegistry_Lookups(t *testing.T) {
	r, err := New(context.Background(), baseCatalogue(), testLogger())
	require.NoError(t, err)

	c, err := r.GetChain("BITCOIN")
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", c.ID)
	assert.Equal(t, "BTC", c.NativeSymbol)

	tok, err := r.GetToken("ethereum", "USDC")
	require.NoError(t, err)
	assert.Equal(t, "USDC", tok.Symbol)
	assert.True(t, tok.IsStablecoin)

	_, err = r.GetChain("dogecoin")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetToken("bitcoin", "USDC")
	assert.ErrorIs(t, err, ErrNotFound)

	enabled := r.ListEnabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "bitcoin", enabled[0].ID)
	assert.Equal(t, "ethereum", enabled[1].ID)

	tokens := r.ListTokens("ethereum")
	require.Len(t, tokens, 2)
	assert.Equal(t, "ETH", tokens[0].Symbol)
	assert.Equal(t, int64(1), r.Snapshot().Version())
}

func TestRegistry_ValidationRejectsBadCatalogue(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *staticSource)
		want   string
	}{
		{
			name:   "tolerance of one",
			mutate: func(s *staticSource) { s.tokens[0].PaymentTolerance = decimal.NewFromInt(1) },
			want:   "outside [0,1)",
		},
		{
			name:   "negative tolerance",
			mutate: func(s *staticSource) { s.tokens[0].PaymentTolerance = decimal.RequireFromString("-0.1") },
			want:   "outside [0,1)",
		},
		{
			name:   "negative confirmations",
			mutate: func(s *staticSource) { s.chains[0].RequiredConfirmations = -1 },
			want:   "negative required_confirmations",
		},
		{
			name:   "unknown family",
			mutate: func(s *staticSource) { s.chains[0].Family = "dag" },
			want:   "unknown family",
		},
		{
			name: "duplicate token",
			mutate: func(s *staticSource) {
				s.tokens = append(s.tokens, model.Token{ChainID: "ethereum", Symbol: "USDC", Decimals: 6})
			},
			want: "duplicate token ethereum/USDC",
		},
		{
			name: "token on unknown chain",
			mutate: func(s *staticSource) {
				s.tokens = append(s.tokens, model.Token{ChainID: "tron", Symbol: "USDT"})
			},
			want: "unknown chain",
		},
		{
			name: "contract token on utxo chain",
			mutate: func(s *staticSource) {
				s.tokens = append(s.tokens, model.Token{ChainID: "bitcoin", Symbol: "USDT", Decimals: 6, ContractAddress: "31"})
			},
			want: "token bitcoin/USDT: contract tokens unsupported on utxo chains",
		},
		{
			name: "contract token on solana chain",
			mutate: func(s *staticSource) {
				s.tokens = append(s.tokens, model.Token{ChainID: "solana", Symbol: "USDC", Decimals: 6, ContractAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"})
			},
			want: "token solana/USDC: contract tokens unsupported on solana chains",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := baseCatalogue()
			tt.mutate(src)
			_, err := New(context.Background(), src, testLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRegistry_ReloadKeepsPreviousSnapshotOnError(t *testing.T) {
	src := baseCatalogue()
	r, err := New(context.Background(), src, testLogger())
	require.NoError(t, err)
	before := r.Snapshot()

	src.err = errors.New("db down")
	require.Error(t, r.Reload(context.Background()))
	assert.Same(t, before, r.Snapshot())

	src.err = nil
	src.chains[2].Enabled = true
	require.NoError(t, r.Reload(context.Background()))
	assert.Len(t, r.ListEnabled(), 3)
	assert.Equal(t, int64(2), r.Snapshot().Version())
}

func TestRegistry_ReferenceGuard(t *testing.T) {
	src := baseCatalogue()
	guard := &staticGuard{ids: []string{"bitcoin"}}
	r, err := New(context.Background(), src, testLogger(), WithReferenceGuard(guard))
	require.NoError(t, err)

	// Unreferenced chain may change freely.
	src.chains[1].RequiredConfirmations = 20
	require.NoError(t, r.Reload(context.Background()))

	src.chains[0].RequiredConfirmations = 6
	err = r.Reload(context.Background())
	require.ErrorIs(t, err, ErrReferencedChainChanged)
	c, _ := r.GetChain("bitcoin")
	assert.Equal(t, int64(3), c.RequiredConfirmations)

	src.chains[0].RequiredConfirmations = 3
	src.tokens[0].PaymentTolerance = decimal.RequireFromString("0.01")
	err = r.Reload(context.Background())
	require.ErrorIs(t, err, ErrReferencedChainChanged)
	assert.Contains(t, err.Error(), "bitcoin/BTC")

	// Non-settlement fields are fine.
	src.tokens[0].PaymentTolerance = decimal.RequireFromString("0.005")
	src.chains[0].ExplorerBaseURL = "https://mempool.space"
	require.NoError(t, r.Reload(context.Background()))

	guard.err = errors.New("query failed")
	require.Error(t, r.Reload(context.Background()))
}

func TestFileSource_Load(t *testing.T) {
	doc := `
chains:
  - id: bitcoin
    name: Bitcoin
    family: utxo
    native_symbol: BTC
    required_confirmations: 3
    explorer_base_url: https://mempool.space
    api_url: https://blockstream.info/api
    rate_limit_rps: 5
    enabled: true
    tokens:
      - symbol: BTC
        decimals: 8
        payment_tolerance: "0.005"
  - id: ethereum
    family: account
    native_symbol: ETH
    required_confirmations: 12
    enabled: true
    tokens:
      - symbol: USDC
        decimals: 6
        is_stablecoin: true
        payment_tolerance: "0.001"
        contract_address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
`
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r, err := New(context.Background(), FileSource{Path: path}, testLogger())
	require.NoError(t, err)

	btc, err := r.GetChain("bitcoin")
	require.NoError(t, err)
	assert.Equal(t, model.FamilyUTXO, btc.Family)
	assert.Equal(t, "https://blockstream.info/api", btc.APIURL)
	assert.InDelta(t, 5.0, btc.RateLimitRPS, 0.001)

	usdc, err := r.GetToken("ethereum", "USDC")
	require.NoError(t, err)
	assert.True(t, usdc.PaymentTolerance.Equal(decimal.RequireFromString("0.001")))
	assert.False(t, usdc.IsNative())
}

func TestParseYAML_BadTolerance(t *testing.T) {
	_, _, err := ParseYAML([]byte("chains:\n  - id: x\n    family: utxo\n    tokens:\n      - symbol: X\n        payment_tolerance: abc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment_tolerance")
}

func TestFileSource_MissingFile(t *testing.T) {
	_, _, err := FileSource{Path: filepath.Join(t.TempDir(), "nope.yaml")}.Load(context.Background())
	require.Error(t, err)
}
