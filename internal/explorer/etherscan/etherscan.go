// Package etherscan observes account-model chains through the
// Etherscan-compatible account API (etherscan.io, polygonscan, bscscan).
package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/explorer"
	"github.com/emperorhan/invoice-reconciler/internal/retry"
	"github.com/shopspring/decimal"
)

const (
	nativeDecimals  = 18
	defaultPageSize = 100
	defaultMaxPages = 5
)

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txRecord struct {
	Hash            string `json:"hash"`
	To              string `json:"to"`
	Value           string `json:"value"`
	TimeStamp       string `json:"timeStamp"`
	Confirmations   string `json:"confirmations"`
	IsError         string `json:"isError"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	ContractAddress string `json:"contractAddress"`
}

// Client implements explorer.Client for the account family. Native
// transfers come from action=txlist and token transfers from action=tokentx.
type Client struct {
	transport *explorer.Transport
	pageSize  int
	maxPages  int
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPaging sets page size and the page cap per action.
func WithPaging(pageSize, maxPages int) Option {
	return func(c *Client) {
		if pageSize > 0 {
			c.pageSize = pageSize
		}
		if maxPages > 0 {
			c.maxPages = maxPages
		}
	}
}

func NewClient(transport *explorer.Transport, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		pageSize:  defaultPageSize,
		maxPages:  defaultMaxPages,
		logger:    logger.With("component", "explorer.etherscan"),
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

	native, err := c.fetchAction(ctx, chain, "txlist", address, since)
	if err != nil {
		return nil, err
	}
	tokens, err := c.fetchAction(ctx, chain, "tokentx", address, since)
	if err != nil {
		return nil, err
	}
	return mergeTransfers(append(native, tokens...)), nil
}

// mergeTransfers folds entries that share a transaction hash, symbol and
// contract into one transfer carrying the summed amount. A single
// transaction may move the same token to the address more than once.
func mergeTransfers(transfers []model.ObservedTransfer) []model.ObservedTransfer {
	type key struct{ hash, symbol, contract string }
	index := make(map[key]int, len(transfers))
	out := make([]model.ObservedTransfer, 0, len(transfers))
	for _, t := range transfers {
		k := key{
			hash:     strings.ToLower(t.TxHash),
			symbol:   model.NormalizeSymbol(t.TokenSymbol),
			contract: strings.ToLower(t.ContractAddress),
		}
		if i, ok := index[k]; ok {
			out[i].Amount = out[i].Amount.Add(t.Amount)
			continue
		}
		index[k] = len(out)
		out = append(out, t)
	}
	return out
}

func (c *Client) fetchAction(ctx context.Context, chain model.Chain, action, address string, since time.Time) ([]model.ObservedTransfer, error) {
	var out []model.ObservedTransfer
	for page := 1; page <= c.maxPages; page++ {
		records, err := c.fetchPage(ctx, chain, action, address, page)
		if err != nil {
			return nil, err
		}

		reachedOld := false
		for _, rec := range records {
			transfer, ok, err := c.toTransfer(chain, action, address, rec)
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
		if reachedOld || len(records) < c.pageSize {
			break
		}
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, chain model.Chain, action, address string, page int) ([]txRecord, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.pageSize))
	q.Set("sort", "desc")
	if chain.APIKey != "" {
		q.Set("apikey", chain.APIKey)
	}
	endpoint := strings.TrimRight(chain.APIURL, "/")
	if !strings.Contains(endpoint, "?") {
		endpoint += "?"
	} else {
		endpoint += "&"
	}

	var resp response
	if err := c.transport.GetJSON(ctx, chain, action, endpoint+q.Encode(), &resp); err != nil {
		return nil, err
	}

	if resp.Status != "1" {
		// "0" with this message is the documented empty result.
		if strings.EqualFold(resp.Message, "No transactions found") {
			return nil, nil
		}
		var detail string
		_ = json.Unmarshal(resp.Result, &detail)
		err := fmt.Errorf("explorer %s %s: api status %q: %s: %s", chain.ID, action, resp.Status, resp.Message, detail)
		if strings.Contains(strings.ToLower(detail), "invalid api key") {
			return nil, retry.Terminal(err)
		}
		// Rate limits and outages come back as HTTP 200 with status "0".
		return nil, retry.Transient(err)
	}

	var records []txRecord
	if err := json.Unmarshal(resp.Result, &records); err != nil {
		return nil, explorer.Malformed(chain.ID, action, "decode result", err)
	}
	return records, nil
}

func (c *Client) toTransfer(chain model.Chain, action, address string, rec txRecord) (model.ObservedTransfer, bool, error) {
	if !strings.EqualFold(rec.To, address) || rec.IsError == "1" {
		return model.ObservedTransfer{}, false, nil
	}
	if rec.Hash == "" {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, action, "record without hash", nil)
	}

	symbol := chain.NativeSymbol
	contract := ""
	decimals := int32(nativeDecimals)
	if action == "tokentx" {
		symbol = rec.TokenSymbol
		contract = strings.ToLower(rec.ContractAddress)
		d, err := strconv.ParseInt(rec.TokenDecimal, 10, 32)
		if err != nil {
			return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, action, "tokenDecimal of "+rec.Hash, err)
		}
		decimals = int32(d)
	}

	raw, err := decimal.NewFromString(rec.Value)
	if err != nil {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, action, "value of "+rec.Hash, err)
	}
	if !raw.IsPositive() {
		return model.ObservedTransfer{}, false, nil
	}
	ts, err := strconv.ParseInt(rec.TimeStamp, 10, 64)
	if err != nil {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, action, "timeStamp of "+rec.Hash, err)
	}
	conf, err := strconv.ParseInt(rec.Confirmations, 10, 64)
	if err != nil {
		return model.ObservedTransfer{}, false, explorer.Malformed(chain.ID, action, "confirmations of "+rec.Hash, err)
	}

	return model.ObservedTransfer{
		TxHash:          rec.Hash,
		Amount:          raw.Shift(-decimals),
		TokenSymbol:     symbol,
		ContractAddress: contract,
		Confirmations:   conf,
		BlockTimestamp:  time.Unix(ts, 0).UTC(),
	}, true, nil
}
