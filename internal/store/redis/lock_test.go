package redis

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not-a-redis-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestNewLocker_Defaults(t *testing.T) {
	l := NewLocker(nil, "", 0, testLogger())
	assert.Equal(t, "reconciler:lock:", l.prefix)
	assert.Equal(t, defaultLockTTL, l.ttl)
}

// TestLocker_AgainstRedis runs only when TEST_REDIS_URL points at a live server.
func TestLocker_AgainstRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	l := NewLocker(client, "reconciler:test:", 10*time.Second, testLogger())
	key := lock.InvoiceKey("redis-lock-test")

	release, err := l.TryLock(ctx, key)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	release()

	again, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	again()
}
