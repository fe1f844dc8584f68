// Package redislock provides a single-instance Redis lock used to fence
// concurrent requests sharing one idempotency key.
package redislock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	metricsinfra "MKK-Gate/internal/infra/metrics"
)

const defaultTTL = 15 * time.Second

// releaseScript deletes the key only while it still holds our token, so
// an expired lock reacquired by somebody else is never released from here.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker holds every lock for one configured TTL. The TTL bounds how long
// a crashed holder can block retries of the same key.
type Locker struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metricsinfra.Metrics
}

func New(client *redis.Client, ttl time.Duration, logger *slog.Logger, metrics *metricsinfra.Metrics) *Locker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Locker{client: client, ttl: ttl, logger: logger, metrics: metrics}
}

// Acquire takes the lock and returns the fencing token needed to release
// it. ok=false with nil error means somebody else holds it.
func (l *Locker) Acquire(ctx context.Context, key string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("redis lock unavailable")
	}
	if key == "" {
		return "", false, errors.New("empty lock key")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		l.onRedisError(err)
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{key}, token).Result(); err != nil {
		l.onRedisError(err)
		return err
	}
	return nil
}

func (l *Locker) onRedisError(err error) {
	if l.logger != nil {
		l.logger.Warn("redis lock error", "err", err)
	}
	l.metrics.IncDegraded("lock")
}
