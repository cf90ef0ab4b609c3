package postgres

import (
	"context"
	"fmt"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
)

// ChainRepo loads the chain and token catalogue. It satisfies
// registry.Source.
type ChainRepo struct {
	db *DB
}

func NewChainRepo(db *DB) *ChainRepo {
	return &ChainRepo{db: db}
}

func (r *ChainRepo) Load(ctx context.Context) ([]model.Chain, []model.Token, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	chains, err := r.loadChains(ctx)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := r.loadTokens(ctx)
	if err != nil {
		return nil, nil, err
	}
	return chains, tokens, nil
}

func (r *ChainRepo) loadChains(ctx context.Context) ([]model.Chain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, family, native_symbol, required_confirmations, explorer_base_url,
		       tx_path_template, api_url, api_key, rate_limit_rps, rate_limit_burst,
		       max_concurrent_calls, enabled
		FROM chains
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load chains: %w", err)
	}
	defer rows.Close()

	var out []model.Chain
	for rows.Next() {
		var c model.Chain
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Family, &c.NativeSymbol, &c.RequiredConfirmations,
			&c.ExplorerBaseURL, &c.TxPathTemplate, &c.APIURL, &c.APIKey,
			&c.RateLimitRPS, &c.RateLimitBurst, &c.MaxConcurrentCalls, &c.Enabled,
		); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ChainRepo) loadTokens(ctx context.Context) ([]model.Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chain_id, symbol, decimals, is_stablecoin, payment_tolerance, contract_address
		FROM tokens
		ORDER BY chain_id, symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	defer rows.Close()

	var out []model.Token
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(&t.ChainID, &t.Symbol, &t.Decimals, &t.IsStablecoin, &t.PaymentTolerance, &t.ContractAddress); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertChain writes a chain and its tokens. Used by seeding and tests;
// operators normally edit the tables directly and then reload the registry.
func (r *ChainRepo) UpsertChain(ctx context.Context, c model.Chain, tokens []model.Token) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert chain: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chains (id, name, family, native_symbol, required_confirmations, explorer_base_url,
		                    tx_path_template, api_url, api_key, rate_limit_rps, rate_limit_burst,
		                    max_concurrent_calls, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			family = EXCLUDED.family,
			native_symbol = EXCLUDED.native_symbol,
			required_confirmations = EXCLUDED.required_confirmations,
			explorer_base_url = EXCLUDED.explorer_base_url,
			tx_path_template = EXCLUDED.tx_path_template,
			api_url = EXCLUDED.api_url,
			api_key = EXCLUDED.api_key,
			rate_limit_rps = EXCLUDED.rate_limit_rps,
			rate_limit_burst = EXCLUDED.rate_limit_burst,
			max_concurrent_calls = EXCLUDED.max_concurrent_calls,
			enabled = EXCLUDED.enabled,
			updated_at = now()
	`, c.ID, c.Name, c.Family, c.NativeSymbol, c.RequiredConfirmations, c.ExplorerBaseURL,
		c.TxPathTemplate, c.APIURL, c.APIKey, c.RateLimitRPS, c.RateLimitBurst,
		c.MaxConcurrentCalls, c.Enabled)
	if err != nil {
		return fmt.Errorf("upsert chain %s: %w", c.ID, err)
	}

	for _, t := range tokens {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tokens (chain_id, symbol, decimals, is_stablecoin, payment_tolerance, contract_address)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (chain_id, symbol) DO UPDATE SET
				decimals = EXCLUDED.decimals,
				is_stablecoin = EXCLUDED.is_stablecoin,
				payment_tolerance = EXCLUDED.payment_tolerance,
				contract_address = EXCLUDED.contract_address
		`, c.ID, t.Symbol, t.Decimals, t.IsStablecoin, t.PaymentTolerance, t.ContractAddress)
		if err != nil {
			return fmt.Errorf("upsert token %s/%s: %w", c.ID, t.Symbol, err)
		}
	}
	return tx.Commit()
}
