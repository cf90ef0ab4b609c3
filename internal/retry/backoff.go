package retry

import (
	"context"
	"time"
)

// Backoff is a bounded exponential delay schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Multiplier defaults to 2 when <= 1.
	Multiplier float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Do runs fn up to maxAttempts times, sleeping between attempts while the
// returned error classifies as transient. The last error is returned.
func Do(ctx context.Context, maxAttempts int, b Backoff, fn func(ctx context.Context, attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !Classify(err).IsTransient() || attempt == maxAttempts {
			return err
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
