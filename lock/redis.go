package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/compliance-engine/logger"
)

// releaseScript deletes the lock only if this holder still owns it.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// =============================================================================
// REDIS - shared across engine replicas
// =============================================================================

// DefaultTTL is the lease length when none is configured.
const DefaultTTL = 30 * time.Second

// Redis is a lease lock: SET NX with an expiry, released by compare-and-delete.
// The lease bounds how long a crashed holder blocks a lineage.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    zerolog.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// TTL is the lease length. Default DefaultTTL. The lease is not renewed,
	// so it must outlast the longest critical section.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts. Default 25ms.
	RetryInterval time.Duration
}

func NewRedis(opts RedisOptions) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisFromClient(rdb, opts.TTL, opts.RetryInterval)
}

func NewRedisFromClient(client *redis.Client, ttl, retry time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Redis{
		client: client,
		prefix: "compliance:lock:",
		ttl:    ttl,
		retry:  retry,
		log:    logger.WithComponent("lock"),
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Lock retries SET NX until it wins or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, waitFailed(ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, waitFailed(ctx.Err())
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("lock release failed; lease will expire")
		}
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
