package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lease never frees a lock taken over by another replica.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker over Redis SET NX with expiry.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisLocker creates a RedisLocker. Keys are stored as prefix + key.
func NewRedisLocker(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, prefix: prefix, logger: logger.Named("lock")}
}

// Acquire takes key for ttl.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		r.logger.Error("failed to acquire lock", zap.String("key", full), zap.Error(err))
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{r: r, key: full, token: token}, nil
}

type redisLease struct {
	r     *RedisLocker
	key   string
	token string
}

// Release frees the key if this lease still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.r.client, []string{l.key}, l.token).Err(); err != nil {
		l.r.logger.Error("failed to release lock", zap.String("key", l.key), zap.Error(err))
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
