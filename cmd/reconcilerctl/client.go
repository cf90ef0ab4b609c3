package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/admin"
	"github.com/spf13/cobra"
)

const defaultTimeout = 30 * time.Second

type clientOptions struct {
	addr     string
	token    string
	operator string
	timeout  time.Duration
}

type apiClient struct {
	base     string
	token    string
	operator string
	http     *http.Client
}

func (o *clientOptions) client() *apiClient {
	return &apiClient{
		base:     strings.TrimRight(o.addr, "/"),
		token:    o.token,
		operator: o.operator,
		http:     &http.Client{Timeout: o.timeout},
	}
}

// APIError is a non-2xx admin API response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
}

// call performs the request and pretty-prints the JSON response to the
// command's output.
func (c *apiClient) call(cmd *cobra.Command, method, path string, body any) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	out.WriteByte('\n')
	_, err = cmd.OutOrStdout().Write(out.Bytes())
	return err
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.operator != "" {
		req.Header.Set(admin.OperatorHeader, c.operator)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return raw, nil
}

type query map[string]string

// encode returns "?k=v&..." for non-empty values, or "".
func (q query) encode() string {
	keys := make([]string, 0, len(q))
	for k, v := range q {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	vals := url.Values{}
	for _, k := range keys {
		vals.Set(k, q[k])
	}
	return "?" + vals.Encode()
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}
