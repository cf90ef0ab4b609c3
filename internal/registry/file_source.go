package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FileSource reads the catalogue from a YAML file.
//
//	chains:
//	  - id: bitcoin
//	    family: utxo
//	    native_symbol: BTC
//	    required_confirmations: 3
//	    tokens:
//	      - symbol: BTC
//	        decimals: 8
//	        payment_tolerance: "0.005"
type FileSource struct {
	Path string
}

type fileDocument struct {
	Chains []fileChain `yaml:"chains"`
}

type fileChain struct {
	model.Chain `yaml:",inline"`
	Tokens      []fileToken `yaml:"tokens"`
}

type fileToken struct {
	Symbol           string `yaml:"symbol"`
	Decimals         int32  `yaml:"decimals"`
	IsStablecoin     bool   `yaml:"is_stablecoin"`
	PaymentTolerance string `yaml:"payment_tolerance"`
	ContractAddress  string `yaml:"contract_address"`
}

func (s FileSource) Load(_ context.Context) ([]model.Chain, []model.Token, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("read registry file: %w", err)
	}
	return ParseYAML(raw)
}

// ParseYAML decodes a registry document.
func ParseYAML(raw []byte) ([]model.Chain, []model.Token, error) {
	var doc fileDocument
	var err error
	if err = yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode registry yaml: %w", err)
	}

	chains := make([]model.Chain, 0, len(doc.Chains))
	var tokens []model.Token
	for _, fc := range doc.Chains {
		chains = append(chains, fc.Chain)
		for _, ft := range fc.Tokens {
			tol := decimal.Zero
			if ft.PaymentTolerance != "" {
				tol, err = decimal.NewFromString(ft.PaymentTolerance)
				if err != nil {
					return nil, nil, fmt.Errorf("chain %s token %s: parse payment_tolerance: %w", fc.ID, ft.Symbol, err)
				}
			}
			tokens = append(tokens, model.Token{
				ChainID:          fc.ID,
				Symbol:           ft.Symbol,
				Decimals:         ft.Decimals,
				IsStablecoin:     ft.IsStablecoin,
				PaymentTolerance: tol,
				ContractAddress:  ft.ContractAddress,
			})
		}
	}
	return chains, tokens, nil
}
