package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const channelTimeout = 10 * time.Second

var slackEmoji = map[AlertType]string{
	AlertTypeSyncFailed:        ":rotating_light:",
	AlertTypeOverpaid:          ":moneybag:",
	AlertTypeDataInconsistency: ":scales:",
	AlertTypeLatePayment:       ":hourglass:",
	AlertTypeExplorerDown:      ":warning:",
	AlertTypeExplorerRecovered: ":white_check_mark:",
}

// SlackAlerter posts a formatted message to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, client: &http.Client{Timeout: channelTimeout}}
}

func (s *SlackAlerter) Name() string { return "slack" }

func (s *SlackAlerter) Send(ctx context.Context, a Alert) error {
	emoji, ok := slackEmoji[a.Type]
	if !ok {
		emoji = ":warning:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s: %s\n%s", emoji, a.Type, a.scope(), a.Title, a.Message)
	if len(a.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range a.sortedFieldKeys() {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, a.Fields[k])
		}
	}
	return postJSON(ctx, s.client, s.webhookURL, map[string]string{"text": b.String()})
}

// WebhookAlerter posts the alert as JSON to an arbitrary endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: channelTimeout}, now: time.Now}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

type webhookPayload struct {
	Type      AlertType         `json:"type"`
	Chain     string            `json:"chain,omitempty"`
	InvoiceID string            `json:"invoice_id,omitempty"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Time      string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, w.client, w.url, webhookPayload{
		Type:      a.Type,
		Chain:     a.Chain,
		InvoiceID: a.InvoiceID,
		Title:     a.Title,
		Message:   a.Message,
		Fields:    a.Fields,
		Time:      w.now().UTC().Format(time.RFC3339),
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// LogAlerter writes alerts to the error log so a deployment without alert
// channels still leaves a trace of terminal conditions.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (l *LogAlerter) Name() string { return "log" }

func (l *LogAlerter) Send(ctx context.Context, a Alert) error {
	attrs := []any{
		"type", a.Type,
		"chain", a.Chain,
		"invoice_id", a.InvoiceID,
		"title", a.Title,
		"message", a.Message,
	}
	for _, k := range a.sortedFieldKeys() {
		attrs = append(attrs, k, a.Fields[k])
	}
	l.logger.ErrorContext(ctx, "operator alert", attrs...)
	return nil
}
