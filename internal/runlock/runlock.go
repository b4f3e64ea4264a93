// Package runlock guards scheduled invocations against overlap. The drainer
// is re-invoked on a fixed schedule with a runtime budget just below the
// interval; the redis lease catches the cases where a run overstays anyway.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrHeld is returned when another process holds the lease.
var ErrHeld = errors.New("run lock already held")

// releaseScript deletes the lease only when the token still matches, so a
// slow run cannot release its successor's lease.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Lock acquires per-subcommand leases in redis.
type Lock struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects a lock to the configured redis.
func New(redisURL string, logger *zap.Logger) (*Lock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Lock{client: redis.NewClient(opts), logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Lock {
	return &Lock{client: client, logger: logger}
}

// Acquire takes the lease named name for at most ttl and returns a release
// function. ErrHeld when another run is still active.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := "metacache:runlock:" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, name)
	}

	release := func() {
		if _, err := l.client.Eval(context.Background(), releaseScript, []string{key}, token).Result(); err != nil {
			l.logger.Warn("failed to release run lock", zap.String("name", name), zap.Error(err))
		}
	}
	return release, nil
}

// Close releases the redis connection.
func (l *Lock) Close() error { return l.client.Close() }
