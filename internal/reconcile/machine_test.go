package reconcile

import (
	"testing"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/matcher"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func verdict(kind matcher.Kind, confirmations int64) *matcher.Verdict {
	v := &matcher.Verdict{Kind: kind, AmountReceived: decimal.NewFromInt(1)}
	if kind != matcher.NoMatch {
		v.Contributing = []model.ObservedTransfer{{TxHash: "h", Confirmations: confirmations}}
	}
	return v
}

func TestMachineStep(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	chain := model.Chain{ID: "bitcoin", RequiredConfirmations: 2}
	before := base.Add(time.Hour)
	after := base.Add(48 * time.Hour)

	tests := []struct {
		name   string
		from   model.InvoiceStatus
		now    time.Time
		v      *matcher.Verdict
		to     model.InvoiceStatus
		events []model.EventName
	}{
		{"sent before lock", model.InvoiceStatusSent, base.Add(-time.Minute), nil, model.InvoiceStatusSent, nil},
		{"sent at lock start", model.InvoiceStatusSent, base, nil, model.InvoiceStatusPendingPayment, nil},
		{"pending without observation", model.InvoiceStatusPendingPayment, after, nil, model.InvoiceStatusPendingPayment, nil},
		{"pending no match", model.InvoiceStatusPendingPayment, before, verdict(matcher.NoMatch, 0), model.InvoiceStatusPendingPayment, nil},
		{"pending expires", model.InvoiceStatusPendingPayment, after, verdict(matcher.NoMatch, 0), model.InvoiceStatusExpired, []model.EventName{model.EventInvoiceExpired}},
		{"pending detects partial", model.InvoiceStatusPendingPayment, after, verdict(matcher.Partial, 0), model.InvoiceStatusPaymentDetected, nil},
		{"detected moves to confirming", model.InvoiceStatusPaymentDetected, before, verdict(matcher.Exact, 0), model.InvoiceStatusConfirming, nil},
		{"confirming waits for depth", model.InvoiceStatusConfirming, before, verdict(matcher.Exact, 1), model.InvoiceStatusConfirming, nil},
		{"confirming paid", model.InvoiceStatusConfirming, after, verdict(matcher.Exact, 2), model.InvoiceStatusPaid, []model.EventName{model.EventPaymentConfirmed}},
		{"confirming partial", model.InvoiceStatusConfirming, before, verdict(matcher.Partial, 2), model.InvoiceStatusPartial, []model.EventName{model.EventPartialPayment}},
		{"confirming overpaid", model.InvoiceStatusConfirming, before, verdict(matcher.Overpaid, 5), model.InvoiceStatusOverpaid, []model.EventName{model.EventOverpayment}},
		{"confirming vanished before deadline", model.InvoiceStatusConfirming, before, verdict(matcher.NoMatch, 0), model.InvoiceStatusConfirming, nil},
		{"confirming vanished after deadline", model.InvoiceStatusConfirming, after, verdict(matcher.NoMatch, 0), model.InvoiceStatusExpired, []model.EventName{model.EventInvoiceExpired}},
		{"confirming unconfirmed past deadline", model.InvoiceStatusConfirming, after, verdict(matcher.Exact, 0), model.InvoiceStatusConfirming, nil},
		{"partial topped up", model.InvoiceStatusPartial, after, verdict(matcher.Exact, 0), model.InvoiceStatusConfirming, nil},
		{"partial expires", model.InvoiceStatusPartial, after, verdict(matcher.Partial, 2), model.InvoiceStatusExpired, []model.EventName{model.EventInvoiceExpired}},
		{"partial self loop", model.InvoiceStatusPartial, before, verdict(matcher.Partial, 2), model.InvoiceStatusPartial, []model.EventName{model.EventPartialPayment}},
		{"partial unconfirmed", model.InvoiceStatusPartial, before, verdict(matcher.Partial, 0), model.InvoiceStatusPartial, nil},
		{"paid is final", model.InvoiceStatusPaid, after, verdict(matcher.NoMatch, 0), model.InvoiceStatusPaid, nil},
		{"expired is final", model.InvoiceStatusExpired, before, verdict(matcher.Exact, 9), model.InvoiceStatusExpired, nil},
		{"overpaid is final", model.InvoiceStatusOverpaid, before, verdict(matcher.Exact, 9), model.InvoiceStatusOverpaid, nil},
		{"draft never moves automatically", model.InvoiceStatusDraft, after, verdict(matcher.Exact, 9), model.InvoiceStatusDraft, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := Machine{}.Step(tc.from, Input{
				Now:          tc.now,
				RateLockedAt: base,
				Deadline:     base.Add(24 * time.Hour),
				Chain:        chain,
				Verdict:      tc.v,
			})
			assert.Equal(t, tc.from, tr.From)
			assert.Equal(t, tc.to, tr.To)
			assert.Equal(t, tc.events, tr.Events)
			if tr.Changed() {
				assert.True(t, CanTransition(tr.From, tr.To), "%s -> %s", tr.From, tr.To)
			}
		})
	}
}

func TestCanTransition_TerminalStatesHaveNoEdges(t *testing.T) {
	all := []model.InvoiceStatus{
		model.InvoiceStatusDraft, model.InvoiceStatusSent, model.InvoiceStatusPendingPayment,
		model.InvoiceStatusPaymentDetected, model.InvoiceStatusConfirming, model.InvoiceStatusPaid,
		model.InvoiceStatusPartial, model.InvoiceStatusOverpaid, model.InvoiceStatusExpired,
		model.InvoiceStatusCancelled,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, CanTransition(model.InvoiceStatusPendingPayment, model.InvoiceStatusCancelled))
	assert.False(t, CanTransition(model.InvoiceStatusConfirming, model.InvoiceStatusCancelled))
	assert.False(t, CanTransition(model.InvoiceStatusPartial, model.InvoiceStatusPaid))
}
