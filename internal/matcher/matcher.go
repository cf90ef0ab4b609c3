// Package matcher decides whether observed transfers settle an invoice.
package matcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
)

// ErrInvalidExpectedAmount is returned when an invoice quote is not positive.
var ErrInvalidExpectedAmount = errors.New("matcher: expected amount must be positive")

// Kind is the verdict category.
type Kind string

const (
	NoMatch  Kind = "no_match"
	Partial  Kind = "partial"
	Exact    Kind = "exact"
	Overpaid Kind = "overpaid"
)

func (k Kind) String() string { return string(k) }

// ExclusionReason says why a transfer did not count toward an invoice.
type ExclusionReason string

const (
	ExcludedWrongToken    ExclusionReason = "wrong_token"
	ExcludedWrongContract ExclusionReason = "wrong_contract"
	ExcludedBeforeCreate  ExclusionReason = "before_invoice_created"
	ExcludedAfterDeadline ExclusionReason = "after_deadline"
	ExcludedNonPositive   ExclusionReason = "non_positive_amount"
)

// Exclusion is a transfer filtered out before matching.
type Exclusion struct {
	Transfer model.ObservedTransfer
	Reason   ExclusionReason
}

// Verdict is the outcome of evaluating one invoice.
type Verdict struct {
	Kind           Kind
	AmountReceived decimal.Decimal
	// Contributing are the transfers the verdict counted, oldest first.
	Contributing []model.ObservedTransfer
	// Relevant are all transfers that passed filtering, oldest first.
	Relevant []model.ObservedTransfer
	Excluded []Exclusion
}

// MinConfirmations is the lowest confirmation count among contributing
// transfers, or zero when there are none.
func (v Verdict) MinConfirmations() int64 {
	if len(v.Contributing) == 0 {
		return 0
	}
	min := v.Contributing[0].Confirmations
	for _, t := range v.Contributing[1:] {
		if t.Confirmations < min {
			min = t.Confirmations
		}
	}
	return min
}

// Confirmed reports whether every contributing transfer has reached the
// chain's required depth.
func (v Verdict) Confirmed(chain model.Chain) bool {
	return len(v.Contributing) > 0 && v.MinConfirmations() >= chain.RequiredConfirmations
}

// Evaluate classifies transfers against the invoice's expected amount using
// the token's tolerance. Relevant transfers match the invoice token by
// symbol and contract, and were mined strictly after invoice creation and
// no later than the invoice deadline (unbounded while no rate is locked).
// If any single relevant
// transfer is within tolerance the earliest such transfer alone is an Exact
// match; otherwise all relevant transfers are summed.
func Evaluate(inv *model.Invoice, token model.Token, transfers []model.ObservedTransfer) (Verdict, error) {
	expected := inv.ExpectedAmount
	if !expected.IsPositive() {
		return Verdict{}, fmt.Errorf("invoice %s expected %s: %w", inv.ID, expected, ErrInvalidExpectedAmount)
	}

	want := model.NormalizeSymbol(token.Symbol)
	deadline := inv.Deadline()
	bounded := !inv.RateLockedUntil.IsZero()
	var (
		relevant []model.ObservedTransfer
		excluded []Exclusion
	)
	for _, t := range transfers {
		switch {
		case model.NormalizeSymbol(t.TokenSymbol) != want:
			excluded = append(excluded, Exclusion{Transfer: t, Reason: ExcludedWrongToken})
		case !SameContract(t.ContractAddress, token.ContractAddress):
			excluded = append(excluded, Exclusion{Transfer: t, Reason: ExcludedWrongContract})
		case !t.BlockTimestamp.After(inv.CreatedAt):
			excluded = append(excluded, Exclusion{Transfer: t, Reason: ExcludedBeforeCreate})
		case bounded && t.BlockTimestamp.After(deadline):
			excluded = append(excluded, Exclusion{Transfer: t, Reason: ExcludedAfterDeadline})
		case !t.Amount.IsPositive():
			excluded = append(excluded, Exclusion{Transfer: t, Reason: ExcludedNonPositive})
		default:
			relevant = append(relevant, t)
		}
	}

	sort.SliceStable(relevant, func(i, j int) bool {
		if relevant[i].BlockTimestamp.Equal(relevant[j].BlockTimestamp) {
			return relevant[i].TxHash < relevant[j].TxHash
		}
		return relevant[i].BlockTimestamp.Before(relevant[j].BlockTimestamp)
	})

	verdict := Verdict{Kind: NoMatch, AmountReceived: decimal.Zero, Relevant: relevant, Excluded: excluded}
	if len(relevant) == 0 {
		return verdict, nil
	}

	for _, t := range relevant {
		if WithinTolerance(t.Amount, expected, token.PaymentTolerance) {
			verdict.Kind = Exact
			verdict.AmountReceived = t.Amount
			verdict.Contributing = []model.ObservedTransfer{t}
			return verdict, nil
		}
	}

	sum := decimal.Zero
	for _, t := range relevant {
		sum = sum.Add(t.Amount)
	}
	verdict.AmountReceived = sum
	verdict.Contributing = relevant
	verdict.Kind = Classify(sum, expected, token.PaymentTolerance)
	return verdict, nil
}

// SameContract compares contract addresses case-insensitively. Two empty
// addresses both name the native asset.
func SameContract(observed, expected string) bool {
	return strings.EqualFold(strings.TrimSpace(observed), strings.TrimSpace(expected))
}

// WithinTolerance reports |observed-expected| <= expected*tolerance.
func WithinTolerance(observed, expected, tolerance decimal.Decimal) bool {
	return observed.Sub(expected).Abs().LessThanOrEqual(expected.Mul(tolerance))
}

// Classify buckets a cumulative amount relative to expected.
func Classify(observed, expected, tolerance decimal.Decimal) Kind {
	switch {
	case !observed.IsPositive():
		return NoMatch
	case WithinTolerance(observed, expected, tolerance):
		return Exact
	case observed.LessThan(expected):
		return Partial
	default:
		return Overpaid
	}
}
