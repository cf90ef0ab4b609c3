// Package ratelimit paces explorer calls per chain and labels their
// outcomes for metrics.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	"github.com/emperorhan/invoice-reconciler/internal/retry"
	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5.0
	defaultBurst = 1
)

var errReserve = errors.New("rate: burst too small to reserve a token")

// Limiter is a token bucket for one chain's explorer.
type Limiter struct {
	chain   string
	limiter *rate.Limiter
}

// NewLimiter allows rps calls per second with the given burst. Non-positive
// values fall back to 5 rps and a burst of 1.
func NewLimiter(rps float64, burst int, chain string) *Limiter {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Limiter{chain: chain, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limiter) matches(rps float64, burst int) bool {
	other := NewLimiter(rps, burst, l.chain)
	return l.limiter.Limit() == other.limiter.Limit() && l.limiter.Burst() == other.limiter.Burst()
}

// Wait takes one token, sleeping until it is available or ctx is done.
// A cancelled wait returns its reservation to the bucket.
func (l *Limiter) Wait(ctx context.Context) error {
	res := l.limiter.Reserve()
	if !res.OK() {
		return errReserve
	}
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	metrics.ExplorerRateLimitWaits.WithLabelValues(l.chain).Inc()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// Set keeps one limiter per chain. A registry reload that changes a chain's
// rate replaces its limiter on the next call.
type Set struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

func NewSet() *Set {
	return &Set{limiters: make(map[string]*Limiter)}
}

func (s *Set) For(chain string, rps float64, burst int) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[chain]; ok && l.matches(rps, burst) {
		return l
	}
	l := NewLimiter(rps, burst, chain)
	s.limiters[chain] = l
	return l
}

// RecordCall counts one explorer call and observes its latency.
func RecordCall(chain, method string, started time.Time, err error) {
	metrics.ExplorerCallsTotal.WithLabelValues(chain, method, ClassifyError(err)).Inc()
	metrics.ExplorerCallDuration.WithLabelValues(chain, method).Observe(time.Since(started).Seconds())
}

// ClassifyError reduces an explorer error to a status label.
func ClassifyError(err error) string {
	if err == nil {
		return "ok"
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "malformed") {
		return "malformed"
	}
	switch retry.Classify(err).Reason {
	case "http_rate_limited":
		return "rate_limited"
	case "http_server_error", "explicit_transient":
		return "server_error"
	case "context_deadline_exceeded", "net_timeout", "http_request_timeout":
		return "timeout"
	case "net_error":
		return "network_error"
	case "message_transient":
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
			return "timeout"
		}
		return "network_error"
	}
	return "client_error"
}
