// Package esplora observes UTXO chains through an Esplora-compatible REST
// API (blockstream.info, mempool.space).
package esplora

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/cache"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/explorer"
	"github.com/shopspring/decimal"
)

const (
	// satoshiDecimals converts output values to whole coins.
	satoshiDecimals = 8
	// confirmedPageSize is the fixed number of confirmed txs per Esplora page.
	confirmedPageSize = 25
	defaultMaxPages   = 20
	defaultTipTTL     = 15 * time.Second
)

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight *int64 `json:"block_height"`
	BlockTime   *int64 `json:"block_time"`
}

type txOutput struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               *int64 `json:"value"`
}

type tx struct {
	TxID   string     `json:"txid"`
	Status txStatus   `json:"status"`
	Vout   []txOutput `json:"vout"`
}

// Client implements explorer.Client for the utxo family.
type Client struct {
	transport *explorer.Transport
	tips      *cache.TTL[string, int64]
	maxPages  int
	nowFn     func() time.Time
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMaxPages bounds confirmed-history paging per call.
func WithMaxPages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithTipTTL sets how long a fetched tip height is reused.
func WithTipTTL(ttl time.Duration) Option {
	return func(c *Client) { c.tips = cache.NewTTL[string, int64](ttl) }
}

func NewClient(transport *explorer.Transport, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		tips:      cache.NewTTL[string, int64](defaultTipTTL),
		maxPages:  defaultMaxPages,
		nowFn:     time.Now,
		logger:    logger.With("component", "explorer.esplora"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) FetchActivity(ctx context.Context, chain model.Chain, address string, since time.Time) ([]model.ObservedTransfer, error) {
	base := strings.TrimRight(chain.APIURL, "/")
	if base == "" {
		return nil, fmt.Errorf("chain %s: api_url not configured", chain.ID)
	}

	tip, err := c.tipHeight(ctx, chain, base)
	if err != nil {
		return nil, err
	}

	var (
		out    []model.ObservedTransfer
		url    = fmt.Sprintf("%s/address/%s/txs", base, address)
		method = "address_txs"
	)
	for page := 0; page < c.maxPages; page++ {
		var txs []tx
		if err := c.transport.GetJSON(ctx, chain, method, url, &txs); err != nil {
			return nil, err
		}

		var (
			confirmed  int
			lastTxID   string
			reachedOld bool
		)
		for _, t := range txs {
			if t.TxID == "" {
				return nil, explorer.Malformed(chain.ID, method, "tx without txid", nil)
			}
			if t.Status.Confirmed {
				confirmed++
				lastTxID = t.TxID
			}
			transfer, ok, err := c.toTransfer(chain, method, address, tip, t)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if transfer.BlockTimestamp.Before(since) {
				reachedOld = true
				continue
			}
			out = append(out, transfer)
		}

		if reachedOld || confirmed < confirmedPageSize || lastTxID == "" {
			break
		}
		url = fmt.Sprintf("%s/address/%s/txs/chain/%s", base, address, lastTxID)
		method = "address_txs_chain"
	}
	return out, nil
}

// toTransfer sums outputs paying address. ok is false when the tx pays
// nothing to address (an outgoing spend).
func (c *Client) toTransfer(chain model.Chain, method, address string, tip int64, t tx) (model.ObservedTransfer, bool, error) {
	var sats int64
	for _, v := range t.Vout {
		if v.ScriptPubKeyAddress != address {
			continue
		}
		if v.Value == nil || *v.Value < 0 {
			return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, method, "output without value in "+t.TxID, nil)
		}
		sats += *v.Value
	}
	if sats == 0 {
		return model.ObservedTransfer{}, false, nil
	}

	transfer := model.ObservedTransfer{
		TxHash:      t.TxID,
		Amount:      decimal.NewFromInt(sats).Shift(-satoshiDecimals),
		TokenSymbol: chain.NativeSymbol,
	}
	if t.Status.Confirmed {
		if t.Status.BlockHeight == nil || t.Status.BlockTime == nil {
			return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, method, "confirmed tx without block info "+t.TxID, nil)
		}
		if conf := tip - *t.Status.BlockHeight + 1; conf > 0 {
			transfer.Confirmations = conf
		}
		transfer.BlockTimestamp = time.Unix(*t.Status.BlockTime, 0).UTC()
	} else {
		// Mempool txs carry no block time; they were seen now.
		transfer.BlockTimestamp = c.nowFn().UTC()
	}
	return transfer, true, nil
}

func (c *Client) tipHeight(ctx context.Context, chain model.Chain, base string) (int64, error) {
	return c.tips.GetOrLoad(ctx, chain.ID, func(ctx context.Context) (int64, error) {
		text, err := c.transport.GetText(ctx, chain, "tip_height", base+"/blocks/tip/height")
		if err != nil {
			return 0, err
		}
		h, err := strconv.ParseInt(text, 10, 64)
		if err != nil || h < 0 {
			return 0, explorer.Malformed(chain.ID, "tip_height", "non-numeric height", err)
		}
		return h, nil
	})
}
