// Package reconcile drives invoices through the payment lifecycle.
//
// Machine is the pure transition function. Engine applies it to stored
// invoices inside a single store transaction and emits the resulting
// events once the transaction commits.
package reconcile

import (
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/matcher"
)

var allowedEdges = map[model.InvoiceStatus][]model.InvoiceStatus{
	model.InvoiceStatusDraft:           {model.InvoiceStatusSent, model.InvoiceStatusCancelled},
	model.InvoiceStatusSent:            {model.InvoiceStatusPendingPayment, model.InvoiceStatusCancelled},
	model.InvoiceStatusPendingPayment:  {model.InvoiceStatusPaymentDetected, model.InvoiceStatusExpired, model.InvoiceStatusCancelled},
	model.InvoiceStatusPaymentDetected: {model.InvoiceStatusConfirming},
	model.InvoiceStatusConfirming:      {model.InvoiceStatusPaid, model.InvoiceStatusPartial, model.InvoiceStatusOverpaid, model.InvoiceStatusExpired},
	model.InvoiceStatusPartial:         {model.InvoiceStatusConfirming, model.InvoiceStatusExpired},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to model.InvoiceStatus) bool {
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Input is everything the machine needs to decide one step.
type Input struct {
	Now          time.Time
	RateLockedAt time.Time
	Deadline     time.Time
	Chain        model.Chain
	// Verdict is nil when the invoice was not observed this cycle. Only
	// sent -> pending_payment can fire without an observation.
	Verdict *matcher.Verdict
}

func (in Input) pastDeadline() bool {
	return in.Now.After(in.Deadline)
}

// Transition is the result of one Step. From == To with events set is a
// self-loop that re-announces state (a new partial amount).
type Transition struct {
	From   model.InvoiceStatus
	To     model.InvoiceStatus
	Reason string
	Events []model.EventName
}

// Changed reports whether the status moves.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Machine is the invoice lifecycle transition function.
type Machine struct{}

func stay(s model.InvoiceStatus) Transition {
	return Transition{From: s, To: s}
}

func move(from, to model.InvoiceStatus, reason string, events ...model.EventName) Transition {
	return Transition{From: from, To: to, Reason: reason, Events: events}
}

// Step returns the single next transition for an invoice in status s.
func (Machine) Step(s model.InvoiceStatus, in Input) Transition {
	if s == model.InvoiceStatusSent {
		if !in.Now.Before(in.RateLockedAt) {
			return move(s, model.InvoiceStatusPendingPayment, "rate_lock_started")
		}
		return stay(s)
	}

	v := in.Verdict
	if v == nil {
		return stay(s)
	}

	switch s {
	case model.InvoiceStatusPendingPayment:
		if v.Kind != matcher.NoMatch {
			return move(s, model.InvoiceStatusPaymentDetected, "payment_observed")
		}
		if in.pastDeadline() {
			return move(s, model.InvoiceStatusExpired, "deadline_passed", model.EventInvoiceExpired)
		}

	case model.InvoiceStatusPaymentDetected:
		return move(s, model.InvoiceStatusConfirming, "awaiting_confirmations")

	case model.InvoiceStatusConfirming:
		if v.Kind == matcher.NoMatch {
			if in.pastDeadline() {
				return move(s, model.InvoiceStatusExpired, "payment_vanished", model.EventInvoiceExpired)
			}
			return stay(s)
		}
		if !v.Confirmed(in.Chain) {
			return stay(s)
		}
		switch v.Kind {
		case matcher.Exact:
			return move(s, model.InvoiceStatusPaid, "confirmed_exact", model.EventPaymentConfirmed)
		case matcher.Partial:
			return move(s, model.InvoiceStatusPartial, "confirmed_partial", model.EventPartialPayment)
		case matcher.Overpaid:
			return move(s, model.InvoiceStatusOverpaid, "confirmed_overpaid", model.EventOverpayment)
		}

	case model.InvoiceStatusPartial:
		if v.Kind == matcher.Exact || v.Kind == matcher.Overpaid {
			return move(s, model.InvoiceStatusConfirming, "top_up_observed")
		}
		if in.pastDeadline() {
			return move(s, model.InvoiceStatusExpired, "deadline_passed", model.EventInvoiceExpired)
		}
		if v.Kind == matcher.Partial && v.Confirmed(in.Chain) {
			return move(s, s, "partial_amount", model.EventPartialPayment)
		}
	}
	return stay(s)
}
