// Package ledgersync pushes paid invoices into the company ledger exactly
// once, with a bounded number of automatic attempts.
package ledgersync

//go:generate mockgen -destination=mocks/mock_ledger_client.go -package=mocks . LedgerClient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the ledger API request body. IDs are opaque strings.
type Payload struct {
	InvoiceID       string          `json:"invoiceId"`
	AmountUSD       decimal.Decimal `json:"amountUsd"`
	CryptoCurrency  string          `json:"cryptoCurrency"`
	TransactionHash string          `json:"transactionHash"`
	PaidAt          time.Time       `json:"paidAt"`
	EntityMapped    string          `json:"entityMapped"`
	CategoryMapped  string          `json:"categoryMapped"`
	ConfidenceScore decimal.Decimal `json:"confidenceScore"`
}

// LedgerClient records a settled invoice in the external ledger and returns
// the ledger's transaction id. Implementations must be idempotent on
// Payload.InvoiceID.
type LedgerClient interface {
	PostTransaction(ctx context.Context, p Payload) (string, error)
}

// StatusError is a non-2xx ledger response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus lets retry.Classify treat 429/5xx as transient.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// HTTPLedgerClient talks to the ledger's REST API.
type HTTPLedgerClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPLedgerClient(baseURL, token string, timeout time.Duration) *HTTPLedgerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedgerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type ledgerResponse struct {
	TransactionID string `json:"transactionId"`
}

// PostTransaction sends the payload with Idempotency-Key set to the invoice
// ID. A 409 means the ledger already holds the transaction and is treated
// as success when it returns the existing id.
func (c *HTTPLedgerClient) PostTransaction(ctx context.Context, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal ledger payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.InvoiceID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post ledger transaction: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ledger response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && resp.StatusCode != http.StatusConflict {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var out ledgerResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.TransactionID == "" {
		if resp.StatusCode == http.StatusConflict {
			return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		}
		return "", fmt.Errorf("ledger response missing transactionId: %s", truncate(string(raw), 512))
	}
	return out.TransactionID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
