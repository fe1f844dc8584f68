//go:build integration

package integration

import (
	"context"
	"log/slog"
	"testing"
	"time"

	metricsinfra "MKK-Gate/internal/infra/metrics"
	redislock "MKK-Gate/internal/infra/redislock"
)

func TestLockerOwnerRelease(t *testing.T) {
	client := setupRedisClient(t)
	locker := redislock.New(client, 30*time.Second, slog.Default(), metricsinfra.New())
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, "idem:lock:test:owner")
	if err != nil || !ok || token == "" {
		t.Fatalf("first acquire: token=%q ok=%v err=%v", token, ok, err)
	}

	// Held lock refuses a second holder.
	if _, ok, err := locker.Acquire(ctx, "idem:lock:test:owner"); err != nil || ok {
		t.Fatalf("second acquire: ok=%v err=%v", ok, err)
	}

	// Releasing with a foreign token must not free the lock.
	if err := locker.Release(ctx, "idem:lock:test:owner", "not-the-token"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, ok, err := locker.Acquire(ctx, "idem:lock:test:owner"); err != nil || ok {
		t.Fatalf("acquire after foreign release: ok=%v err=%v", ok, err)
	}

	if err := locker.Release(ctx, "idem:lock:test:owner", token); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if _, ok, err := locker.Acquire(ctx, "idem:lock:test:owner"); err != nil || !ok {
		t.Fatalf("acquire after owner release: ok=%v err=%v", ok, err)
	}
}

func TestLockerExpiry(t *testing.T) {
	client := setupRedisClient(t)
	locker := redislock.New(client, 200*time.Millisecond, slog.Default(), metricsinfra.New())
	ctx := context.Background()

	if _, ok, err := locker.Acquire(ctx, "idem:lock:test:expiry"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// A crashed holder never releases; the TTL must free the key.
	time.Sleep(400 * time.Millisecond)

	if _, ok, err := locker.Acquire(ctx, "idem:lock:test:expiry"); err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestLockerRejectsEmptyKey(t *testing.T) {
	client := setupRedisClient(t)
	locker := redislock.New(client, time.Second, slog.Default(), metricsinfra.New())

	if _, _, err := locker.Acquire(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
