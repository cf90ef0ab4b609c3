package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 1, b.cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.OpenTimeout)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "bitcoin", FailureThreshold: 3, OpenTimeout: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	clock := newClock()
	var transitions []string
	b := New(Config{
		Name:             "ethereum",
		FailureThreshold: 1,
		OpenTimeout:      10 * time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{
		"ethereum:closed->open",
		"ethereum:open->half-open",
		"ethereum:half-open->closed",
	}, transitions)
}

func TestBreaker_HalfOpenFailureReopensForFullTimeout(t *testing.T) {
	clock := newClock()
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	clock.Advance(time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_SuccessThresholdInHalfOpen(t *testing.T) {
	clock := newClock()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(time.Second)
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestSet_ReturnsSameBreakerPerKey(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 2})
	a := s.Get("bitcoin")
	assert.Same(t, a, s.Get("bitcoin"))
	assert.NotSame(t, a, s.Get("solana"))
	assert.Equal(t, "solana", s.Get("solana").Name())
	assert.Equal(t, []string{"bitcoin", "solana"}, s.Keys())
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure()
			} else {
				b.RecordSuccess()
			}
			_ = b.Allow()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}
