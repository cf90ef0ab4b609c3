// Package registry holds the catalogue of supported chains and tokens.
//
// The catalogue is an immutable Snapshot swapped atomically on Reload, so
// readers never lock and never observe a half-applied refresh.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for unknown chains and tokens.
	ErrNotFound = errors.New("registry: not found")
	// ErrReferencedChainChanged rejects a reload that alters settlement rules
	// of a chain or token still referenced by an open invoice's quote.
	ErrReferencedChainChanged = errors.New("registry: referenced chain changed")
)

// Source loads the persisted catalogue.
type Source interface {
	Load(ctx context.Context) ([]model.Chain, []model.Token, error)
}

// ReferenceGuard reports which chain IDs open invoices currently reference.
type ReferenceGuard interface {
	ReferencedChainIDs(ctx context.Context) ([]string, error)
}

type tokenKey struct {
	chainID string
	symbol  string
}

// Snapshot is a validated, read-only view of the catalogue.
type Snapshot struct {
	chains   map[string]model.Chain
	tokens   map[tokenKey]model.Token
	loadedAt time.Time
	version  int64
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Version increments on every successful reload.
func (s *Snapshot) Version() int64 { return s.version }

func (s *Snapshot) chain(id string) (model.Chain, bool) {
	c, ok := s.chains[strings.ToLower(id)]
	return c, ok
}

func (s *Snapshot) token(chainID, symbol string) (model.Token, bool) {
	t, ok := s.tokens[tokenKey{chainID: strings.ToLower(chainID), symbol: model.NormalizeSymbol(symbol)}]
	return t, ok
}

// Registry serves chain and token lookups from the current snapshot.
type Registry struct {
	source Source
	guard  ReferenceGuard
	logger *slog.Logger

	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]
	nowFn    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithReferenceGuard enables the locked-quote immutability check on reload.
func WithReferenceGuard(g ReferenceGuard) Option {
	return func(r *Registry) { r.guard = g }
}

// New builds a registry and performs the initial load.
func New(ctx context.Context, source Source, logger *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		source: source,
		logger: logger.With("component", "registry"),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial registry load: %w", err)
	}
	return r, nil
}

// Reload re-reads the source and atomically swaps in the new snapshot. On
// any error the previous snapshot stays active.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	chains, tokens, err := r.source.Load(ctx)
	if err != nil {
		metrics.RegistryReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load registry source: %w", err)
	}

	prev := r.current.Load()
	var version int64 = 1
	if prev != nil {
		version = prev.version + 1
	}

	next, err := buildSnapshot(chains, tokens, r.nowFn(), version)
	if err != nil {
		metrics.RegistryReloadsTotal.WithLabelValues("invalid").Inc()
		return err
	}

	if prev != nil && r.guard != nil {
		referenced, err := r.guard.ReferencedChainIDs(ctx)
		if err != nil {
			metrics.RegistryReloadsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("list referenced chains: %w", err)
		}
		if err := checkReferencedUnchanged(prev, next, referenced); err != nil {
			metrics.RegistryReloadsTotal.WithLabelValues("rejected").Inc()
			return err
		}
	}

	r.current.Store(next)
	metrics.RegistryReloadsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("registry loaded",
		"version", next.version,
		"chains", len(next.chains),
		"tokens", len(next.tokens),
	)
	return nil
}

// Snapshot returns the active snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// GetChain returns the chain with the given ID.
func (r *Registry) GetChain(chainID string) (model.Chain, error) {
	c, ok := r.current.Load().chain(chainID)
	if !ok {
		return model.Chain{}, fmt.Errorf("chain %q: %w", chainID, ErrNotFound)
	}
	return c, nil
}

// GetToken returns the token with the given symbol on a chain.
func (r *Registry) GetToken(chainID, symbol string) (model.Token, error) {
	t, ok := r.current.Load().token(chainID, symbol)
	if !ok {
		return model.Token{}, fmt.Errorf("token %s/%s: %w", chainID, symbol, ErrNotFound)
	}
	return t, nil
}

// ListEnabled returns enabled chains ordered by ID.
func (r *Registry) ListEnabled() []model.Chain {
	snap := r.current.Load()
	out := make([]model.Chain, 0, len(snap.chains))
	for _, c := range snap.chains {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTokens returns every token of a chain ordered by symbol.
func (r *Registry) ListTokens(chainID string) []model.Token {
	snap := r.current.Load()
	id := strings.ToLower(chainID)
	var out []model.Token
	for k, t := range snap.tokens {
		if k.chainID == id {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

var maxTolerance = decimal.NewFromInt(1)

func buildSnapshot(chains []model.Chain, tokens []model.Token, now time.Time, version int64) (*Snapshot, error) {
	snap := &Snapshot{
		chains:   make(map[string]model.Chain, len(chains)),
		tokens:   make(map[tokenKey]model.Token, len(tokens)),
		loadedAt: now,
		version:  version,
	}

	var problems []string
	for _, c := range chains {
		id := strings.ToLower(strings.TrimSpace(c.ID))
		switch {
		case id == "":
			problems = append(problems, "chain with empty id")
			continue
		case !c.Family.Valid():
			problems = append(problems, fmt.Sprintf("chain %s: unknown family %q", id, c.Family))
		case c.RequiredConfirmations < 0:
			problems = append(problems, fmt.Sprintf("chain %s: negative required_confirmations", id))
		}
		if _, dup := snap.chains[id]; dup {
			problems = append(problems, fmt.Sprintf("duplicate chain %s", id))
			continue
		}
		c.ID = id
		c.NativeSymbol = model.NormalizeSymbol(c.NativeSymbol)
		snap.chains[id] = c
	}

	for _, t := range tokens {
		key := tokenKey{chainID: strings.ToLower(strings.TrimSpace(t.ChainID)), symbol: model.NormalizeSymbol(t.Symbol)}
		if _, ok := snap.chains[key.chainID]; !ok {
			problems = append(problems, fmt.Sprintf("token %s/%s: unknown chain", key.chainID, key.symbol))
			continue
		}
		if key.symbol == "" {
			problems = append(problems, fmt.Sprintf("token on %s with empty symbol", key.chainID))
			continue
		}
		if t.PaymentTolerance.IsNegative() || t.PaymentTolerance.GreaterThanOrEqual(maxTolerance) {
			problems = append(problems, fmt.Sprintf("token %s/%s: payment_tolerance %s outside [0,1)", key.chainID, key.symbol, t.PaymentTolerance))
		}
		if t.Decimals < 0 {
			problems = append(problems, fmt.Sprintf("token %s/%s: negative decimals", key.chainID, key.symbol))
		}
		// Only the account family observes contract token transfers.
		if family := snap.chains[key.chainID].Family; !t.IsNative() && family != model.FamilyAccount {
			problems = append(problems, fmt.Sprintf("token %s/%s: contract tokens unsupported on %s chains", key.chainID, key.symbol, family))
		}
		if _, dup := snap.tokens[key]; dup {
			problems = append(problems, fmt.Sprintf("duplicate token %s/%s", key.chainID, key.symbol))
			continue
		}
		t.ChainID = key.chainID
		t.Symbol = key.symbol
		snap.tokens[key] = t
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid registry: %s", strings.Join(problems, "; "))
	}
	return snap, nil
}

// checkReferencedUnchanged enforces that settlement-relevant fields of
// referenced chains and their tokens survive a reload unchanged.
func checkReferencedUnchanged(prev, next *Snapshot, referenced []string) error {
	var conflicts []string
	for _, raw := range referenced {
		id := strings.ToLower(raw)
		old, ok := prev.chains[id]
		if !ok {
			continue
		}
		cur, ok := next.chains[id]
		if !ok {
			conflicts = append(conflicts, fmt.Sprintf("chain %s removed", id))
			continue
		}
		if old.RequiredConfirmations != cur.RequiredConfirmations {
			conflicts = append(conflicts, fmt.Sprintf("chain %s required_confirmations %d -> %d", id, old.RequiredConfirmations, cur.RequiredConfirmations))
		}
		if old.Family != cur.Family {
			conflicts = append(conflicts, fmt.Sprintf("chain %s family %s -> %s", id, old.Family, cur.Family))
		}
		for key, oldTok := range prev.tokens {
			if key.chainID != id {
				continue
			}
			curTok, ok := next.tokens[key]
			if !ok {
				conflicts = append(conflicts, fmt.Sprintf("token %s/%s removed", id, key.symbol))
				continue
			}
			if !oldTok.PaymentTolerance.Equal(curTok.PaymentTolerance) || oldTok.Decimals != curTok.Decimals {
				conflicts = append(conflicts, fmt.Sprintf("token %s/%s settlement rules changed", id, key.symbol))
			}
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return fmt.Errorf("%w: %s", ErrReferencedChainChanged, strings.Join(conflicts, "; "))
	}
	return nil
}
