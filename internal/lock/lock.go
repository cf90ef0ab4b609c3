// Package lock serializes work on a single invoice across poll cycles and
// workers.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned by TryLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker grants exclusive, non-blocking ownership of a key.
// The returned release func must be called exactly once.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// KeyedLocker is an in-process Locker. Entries are removed on release so
// the map does not grow with the number of invoices ever seen.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: make(map[string]struct{})}
}

func (l *KeyedLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, ErrNotAcquired
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports the number of keys currently locked.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// InvoiceKey is the lock key for reconciliation work on an invoice.
func InvoiceKey(invoiceID string) string {
	return "invoice:" + invoiceID
}

// SyncKey is the lock key for ledger sync work on an invoice.
func SyncKey(invoiceID string) string {
	return "ledger-sync:" + invoiceID
}
