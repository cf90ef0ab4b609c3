package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/explorer/ratelimit"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 512
	maxResponseBody    = 16 << 20
)

// Transport performs rate-limited HTTP calls against a chain's explorer and
// maps failures onto HTTPStatusError and MalformedResponseError.
type Transport struct {
	httpClient *http.Client
	limiters   *ratelimit.Set
	logger     *slog.Logger
}

// NewTransport builds a transport. A nil httpClient gets a 30s default.
func NewTransport(httpClient *http.Client, logger *slog.Logger) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Transport{
		httpClient: httpClient,
		limiters:   ratelimit.NewSet(),
		logger:     logger,
	}
}

// GetJSON issues a GET and decodes the JSON body into out.
func (t *Transport) GetJSON(ctx context.Context, chain model.Chain, method, url string, out any) error {
	body, err := t.do(ctx, chain, method, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Malformed(chain.ID, method, "decode json", err)
	}
	return nil
}

// GetText issues a GET and returns the trimmed body.
func (t *Transport) GetText(ctx context.Context, chain model.Chain, method, url string) (string, error) {
	body, err := t.do(ctx, chain, method, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(body)), nil
}

// PostJSON marshals in, POSTs it and returns the raw response body.
func (t *Transport) PostJSON(ctx context.Context, chain model.Chain, method, url string, in any) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return t.do(ctx, chain, method, http.MethodPost, url, payload)
}

func (t *Transport) do(ctx context.Context, chain model.Chain, method, verb, url string, payload []byte) (body []byte, err error) {
	started := time.Now()
	defer func() { ratelimit.RecordCall(chain.ID, method, started, err) }()

	if err := t.limiters.For(chain.ID, chain.RateLimitRPS, chain.RateLimitBurst).Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, verb, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer %s %s: http request: %w", chain.ID, method, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("explorer %s %s: read response: %w", chain.ID, method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		t.logger.Debug("explorer non-2xx",
			"chain", chain.ID,
			"method", method,
			"status", resp.StatusCode,
		)
		return nil, &HTTPStatusError{
			Chain:      chain.ID,
			Method:     method,
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
		}
	}
	return body, nil
}
