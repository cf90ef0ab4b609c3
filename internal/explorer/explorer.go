// Package explorer fetches payment activity for watched addresses from
// public block explorers. Each chain family has its own strategy; Router
// picks one per call from the chain's configured family.
package explorer

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks . Client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
)

// ErrMalformedResponse matches every *MalformedResponseError.
var ErrMalformedResponse = errors.New("explorer: malformed response")

// ErrUnsupportedFamily is returned by Router for a family with no strategy.
var ErrUnsupportedFamily = errors.New("explorer: unsupported chain family")

// Client observes inbound transfers to an address.
type Client interface {
	// FetchActivity returns transfers into address observed at or after
	// since, newest first. Confirmations are relative to the current tip.
	FetchActivity(ctx context.Context, chain model.Chain, address string, since time.Time) ([]model.ObservedTransfer, error)
}

// HTTPStatusError is a non-2xx explorer response.
type HTTPStatusError struct {
	Chain      string
	Method     string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("explorer %s %s: http status %d: %s", e.Chain, e.Method, e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code to retry classification.
func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

// MalformedResponseError is a response that could not be decoded or
// violated the explorer's documented shape.
type MalformedResponseError struct {
	Chain  string
	Method string
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("explorer %s %s: malformed response: %s: %v", e.Chain, e.Method, e.Reason, e.Err)
	}
	return fmt.Sprintf("explorer %s %s: malformed response: %s", e.Chain, e.Method, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// Malformed is shorthand used by strategies.
func Malformed(chain, method, reason string, err error) error {
	return &MalformedResponseError{Chain: chain, Method: method, Reason: reason, Err: err}
}

// Router dispatches to the strategy registered for a chain's family.
type Router struct {
	strategies map[model.ChainFamily]Client
}

// NewRouter builds a router from per-family strategies.
func NewRouter(strategies map[model.ChainFamily]Client) *Router {
	m := make(map[model.ChainFamily]Client, len(strategies))
	for f, c := range strategies {
		m[f] = c
	}
	return &Router{strategies: m}
}

func (r *Router) FetchActivity(ctx context.Context, chain model.Chain, address string, since time.Time) ([]model.ObservedTransfer, error) {
	s, ok := r.strategies[chain.Family]
	if !ok {
		return nil, fmt.Errorf("chain %s family %q: %w", chain.ID, chain.Family, ErrUnsupportedFamily)
	}
	return s.FetchActivity(ctx, chain, address, since)
}
