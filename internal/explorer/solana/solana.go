// Package solana observes native SOL transfers through the Solana JSON-RPC
// API.
package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/cache"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/explorer"
	"github.com/shopspring/decimal"
)

const (
	lamportDecimals  = 9
	defaultPageLimit = 100
	defaultMaxPages  = 5
	defaultSlotTTL   = 5 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type signatureInfo struct {
	Signature string `json:"signature"`
	Slot      int64  `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Err       any    `json:"err"`
}

type accountKey struct {
	Pubkey string `json:"pubkey"`
}

type parsedTransaction struct {
	Slot      int64  `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err          any     `json:"err"`
		PreBalances  []int64 `json:"preBalances"`
		PostBalances []int64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []accountKey `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// Client implements explorer.Client for the solana family.
type Client struct {
	transport *explorer.Transport
	slots     *cache.TTL[string, int64]
	pageLimit int
	maxPages  int
	requestID atomic.Int64
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPaging sets the signature page size and page cap.
func WithPaging(limit, maxPages int) Option {
	return func(c *Client) {
		if limit > 0 {
			c.pageLimit = limit
		}
		if maxPages > 0 {
			c.maxPages = maxPages
		}
	}
}

func NewClient(transport *explorer.Transport, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		slots:     cache.NewTTL[string, int64](defaultSlotTTL),
		pageLimit: defaultPageLimit,
		maxPages:  defaultMaxPages,
		logger:    logger.With("component", "explorer.solana"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) FetchActivity(ctx context.Context, chain model.Chain, address string, since time.Time) ([]model.ObservedTransfer, error) {
	if chain.APIURL == "" {
		return nil, fmt.Errorf("chain %s: api_url not configured", chain.ID)
	}

	slot, err := c.currentSlot(ctx, chain)
	if err != nil {
		return nil, err
	}

	var (
		out    []model.ObservedTransfer
		before string
	)
	for page := 0; page < c.maxPages; page++ {
		sigs, err := c.signatures(ctx, chain, address, before)
		if err != nil {
			return nil, err
		}

		reachedOld := false
		for _, sig := range sigs {
			if sig.Signature == "" {
				return nil, explorer.Malformed(chain.ID, "getSignaturesForAddress", "entry without signature", nil)
			}
			before = sig.Signature
			if sig.BlockTime != nil && time.Unix(*sig.BlockTime, 0).Before(since) {
				reachedOld = true
				break
			}
			if sig.Err != nil {
				continue
			}
			transfer, ok, err := c.transfer(ctx, chain, address, slot, sig)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, transfer)
			}
		}
		if reachedOld || len(sigs) < c.pageLimit {
			break
		}
	}
	return out, nil
}

func (c *Client) transfer(ctx context.Context, chain model.Chain, address string, slot int64, sig signatureInfo) (model.ObservedTransfer, bool, error) {
	const method = "getTransaction"
	raw, err := c.call(ctx, chain, method, []any{
		sig.Signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return model.ObservedTransfer{}, false, err
	}
	if string(raw) == "null" {
		// Not yet visible at this commitment.
		return model.ObservedTransfer{}, false, nil
	}

	var tx parsedTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, method, "decode transaction", err)
	}
	if tx.Meta == nil {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, method, "missing meta for "+sig.Signature, nil)
	}
	if tx.Meta.Err != nil {
		return model.ObservedTransfer{}, false, nil
	}

	idx := -1
	for i, k := range tx.Transaction.Message.AccountKeys {
		if k.Pubkey == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.ObservedTransfer{}, false, nil
	}
	if idx >= len(tx.Meta.PreBalances) || idx >= len(tx.Meta.PostBalances) {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, method, "balance arrays shorter than account keys", nil)
	}
	delta := tx.Meta.PostBalances[idx] - tx.Meta.PreBalances[idx]
	if delta <= 0 {
		return model.ObservedTransfer{}, false, nil
	}

	blockTime := sig.BlockTime
	if tx.BlockTime != nil {
		blockTime = tx.BlockTime
	}
	if blockTime == nil {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, method, "missing blockTime for "+sig.Signature, nil)
	}
	txSlot := tx.Slot
	if txSlot == 0 {
		txSlot = sig.Slot
	}
	var conf int64
	if d := slot - txSlot + 1; d > 0 {
		conf = d
	}

	return model.ObservedTransfer{
		TxHash:         sig.Signature,
		Amount:         decimal.NewFromInt(delta).Shift(-lamportDecimals),
		TokenSymbol:    chain.NativeSymbol,
		Confirmations:  conf,
		BlockTimestamp: time.Unix(*blockTime, 0).UTC(),
	}, true, nil
}

func (c *Client) signatures(ctx context.Context, chain model.Chain, address, before string) ([]signatureInfo, error) {
	const method = "getSignaturesForAddress"
	cfg := map[string]any{
		"commitment": "confirmed",
		"limit":      c.pageLimit,
	}
	if before != "" {
		cfg["before"] = before
	}
	raw, err := c.call(ctx, chain, method, []any{address, cfg})
	if err != nil {
		return nil, err
	}
	var sigs []signatureInfo
	if err := json.Unmarshal(raw, &sigs); err != nil {
		return nil, explorer.Malformed(chain.ID, method, "decode signatures", err)
	}
	return sigs, nil
}

func (c *Client) currentSlot(ctx context.Context, chain model.Chain) (int64, error) {
	return c.slots.GetOrLoad(ctx, chain.ID, func(ctx context.Context) (int64, error) {
		raw, err := c.call(ctx, chain, "getSlot", []any{map[string]string{"commitment": "confirmed"}})
		if err != nil {
			return 0, err
		}
		var slot int64
		if err := json.Unmarshal(raw, &slot); err != nil {
			return 0, explorer.Malformed(chain.ID, "getSlot", "decode slot", err)
		}
		return slot, nil
	})
}

func (c *Client) call(ctx context.Context, chain model.Chain, method string, params []any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := c.transport.PostJSON(ctx, chain, method, chain.APIURL, req)
	if err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, explorer.Malformed(chain.ID, method, "decode rpc envelope", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("explorer %s %s: %w", chain.ID, method, resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, explorer.Malformed(chain.ID, method, "missing result", nil)
	}
	return resp.Result, nil
}
