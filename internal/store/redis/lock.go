package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/lock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 2 * time.Minute

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a lock.Locker shared by every reconciler process pointed at the
// same Redis. Keys expire after ttl so a crashed holder cannot wedge an
// invoice forever; ttl must exceed the longest per-invoice work.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ lock.Locker = (*Locker)(nil)

func NewLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if prefix == "" {
		prefix = "reconciler:lock:"
	}
	return &Locker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "redis_locker"),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", fullKey, err)
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}

	return func() {
		// Release must run even when the caller's ctx is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("failed to release lock", "key", fullKey, "error", err)
		}
	}, nil
}
