// Package notify delivers domain events to the notification service and
// to the NATS event bus.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	"github.com/nats-io/nats.go"
)

// Notifier delivers one domain event.
type Notifier interface {
	Notify(ctx context.Context, event model.Event) error
}

// Named is implemented by notifiers that label their own metrics.
type Named interface {
	Name() string
}

// WebhookNotifier POSTs events to the notification service.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookNotifier(url, token string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, event model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)
	req.Header.Set("X-Event-Name", string(event.Name))
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier publishes events on "<prefix>.<event name>".
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "invoices"
	}
	return &NATSNotifier{pub: pub, prefix: prefix}
}

func (n *NATSNotifier) Name() string { return "nats" }

// Subject returns the subject an event is published on.
func (n *NATSNotifier) Subject(name model.EventName) string {
	return n.prefix + "." + string(name)
}

func (n *NATSNotifier) Notify(_ context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(n.Subject(event.Name))
	msg.Data = data
	// JetStream drops duplicates carrying the same Nats-Msg-Id.
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set("Invoice-Id", event.InvoiceID)
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// ConnectNATS dials NATS and logs connection state changes.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	log := logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// MultiNotifier fans an event out to every channel. A failing channel does
// not stop delivery to the others.
type MultiNotifier struct {
	notifiers []Notifier
	logger    *slog.Logger
}

func NewMultiNotifier(logger *slog.Logger, notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{
		notifiers: notifiers,
		logger:    logger.With("component", "notifier"),
	}
}

func (m *MultiNotifier) Notify(ctx context.Context, event model.Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			channel := channelName(n)
			metrics.NotificationFailuresTotal.WithLabelValues(channel, string(event.Name)).Inc()
			m.logger.Warn("notification failed",
				"channel", channel,
				"event", event.Name,
				"invoice_id", event.InvoiceID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

func channelName(n Notifier) string {
	if named, ok := n.(Named); ok {
		return named.Name()
	}
	return "unknown"
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, model.Event) error { return nil }
