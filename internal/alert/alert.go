// Package alert delivers operator alerts for conditions that need a human:
// exhausted ledger syncs, overpayments, late payments, data inconsistencies
// and explorer outages.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/metrics"
)

type AlertType string

const (
	AlertTypeSyncFailed        AlertType = "LEDGER_SYNC_FAILED"
	AlertTypeOverpaid          AlertType = "INVOICE_OVERPAID"
	AlertTypeDataInconsistency AlertType = "DATA_INCONSISTENCY"
	AlertTypeLatePayment       AlertType = "LATE_PAYMENT"
	AlertTypeExplorerDown      AlertType = "EXPLORER_DOWN"
	AlertTypeExplorerRecovered AlertType = "EXPLORER_RECOVERED"
)

type Alert struct {
	Type      AlertType
	Chain     string
	InvoiceID string
	Title     string
	Message   string
	Fields    map[string]string
}

// scope renders the chain and invoice an alert is about.
func (a Alert) scope() string {
	var parts []string
	if a.Chain != "" {
		parts = append(parts, a.Chain)
	}
	if a.InvoiceID != "" {
		parts = append(parts, "invoice "+a.InvoiceID)
	}
	if len(parts) == 0 {
		return "reconciler"
	}
	return strings.Join(parts, " ")
}

func (a Alert) sortedFieldKeys() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Channel is an Alerter with a metric label.
type Channel interface {
	Alerter
	Name() string
}

// MultiAlerter fans an alert out to every channel, suppressing repeats of
// the same condition within the cooldown.
type MultiAlerter struct {
	channels []Channel
	cooldown time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Channel) *MultiAlerter {
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		nowFn:    time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(t AlertType, a Alert) string {
	return fmt.Sprintf("%s:%s:%s", t, a.Chain, a.InvoiceID)
}

// admit records the send and reports whether the alert is outside its
// cooldown. A recovery is always admitted and re-arms the outage alert.
func (m *MultiAlerter) admit(a Alert) bool {
	now := m.nowFn()
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Type == AlertTypeExplorerRecovered {
		delete(m.lastSent, cooldownKey(AlertTypeExplorerDown, a))
		return true
	}
	key := cooldownKey(a.Type, a)
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}

// Send returns the joined errors of the channels that failed. The others
// still deliver.
func (m *MultiAlerter) Send(ctx context.Context, a Alert) error {
	if !m.admit(a) {
		m.logger.Debug("alert suppressed by cooldown", "type", a.Type, "chain", a.Chain, "invoice_id", a.InvoiceID)
		for _, ch := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(ch.Name(), string(a.Type)).Inc()
		}
		return nil
	}

	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, a); err != nil {
			m.logger.Warn("alert send failed", "channel", ch.Name(), "type", a.Type, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(ch.Name(), string(a.Type)).Inc()
	}
	return errors.Join(errs...)
}
