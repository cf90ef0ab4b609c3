// Package circuitbreaker stops calling an upstream that keeps failing and
// lets a probe through once the open period has elapsed.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config configures a Breaker. Zero values select the defaults noted.
type Config struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Default 5.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes
	// it again. Default 1.
	SuccessThreshold int
	// OpenTimeout is how long the breaker rejects calls. Default 30s.
	OpenTimeout   time.Duration
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards a single upstream, such as one chain's explorer or the
// ledger API. Callers report only availability failures; a rejected
// request is the caller's fault and must not trip it.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openUntil time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

func (b *Breaker) Name() string { return b.cfg.Name }

// Allow returns ErrCircuitOpen while the breaker is open. The first call
// after the open period moves it to half-open and is let through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.current() != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		b.transition(StateClosed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.successes = 0
	switch b.current() {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateOpen:
		b.openUntil = b.cfg.Now().Add(b.cfg.OpenTimeout)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current resolves an elapsed open period into half-open. Callers hold mu.
func (b *Breaker) current() State {
	if b.state == StateOpen && !b.cfg.Now().Before(b.openUntil) {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) trip() {
	b.openUntil = b.cfg.Now().Add(b.cfg.OpenTimeout)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// Set lazily creates one breaker per key from a shared config.
type Set struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key. The breaker's name is the key.
func (s *Set) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		cfg := s.cfg
		cfg.Name = key
		b = New(cfg)
		s.breakers[key] = b
	}
	return b
}

// Keys lists the keys that have a breaker, sorted.
func (s *Set) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	for k := range s.breakers {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}
