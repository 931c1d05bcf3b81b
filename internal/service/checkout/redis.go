package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]
local ttl = tonumber(ARGV[2])
if redis.call('SET', key, token, 'NX', 'PX', ttl) then
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]
if redis.call('GET', key) == token then
  return redis.call('DEL', key)
end
return 0
`)

// RedisRegistry holds checkout leases as Redis keys so that independent
// processes sharing an identity pool cannot check out the same identity.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry constructs a Redis-backed registry.
func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if prefix == "" {
		prefix = "dispatch:identity"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

// Acquire reserves the identity or returns ErrHeld.
func (r *RedisRegistry) Acquire(ctx context.Context, name string) (Lease, error) {
	lease := Lease{Name: name, Token: uuid.New(), AcquiredAt: time.Now().UTC()}
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(name)}, lease.Token.String(), r.ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("checkout acquire: %w", err)
	}
	if res != 1 {
		return Lease{}, fmt.Errorf("checkout acquire %s: %w", name, ErrHeld)
	}
	return lease, nil
}

// Release frees the lease if this token still owns it.
func (r *RedisRegistry) Release(ctx context.Context, lease Lease) error {
	if _, err := releaseScript.Run(ctx, r.client, []string{r.key(lease.Name)}, lease.Token.String()).Int(); err != nil {
		return fmt.Errorf("checkout release: %w", err)
	}
	return nil
}

// ForceRelease drops any lease on the identity regardless of owner.
func (r *RedisRegistry) ForceRelease(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.key(name)).Err(); err != nil {
		return fmt.Errorf("checkout force release: %w", err)
	}
	return nil
}

// Held reports whether any process currently holds the identity.
func (r *RedisRegistry) Held(ctx context.Context, name string) (bool, error) {
	_, err := r.client.Get(ctx, r.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkout held: %w", err)
	}
	return true, nil
}

func (r *RedisRegistry) key(name string) string {
	return fmt.Sprintf("%s:%s:lease", r.prefix, name)
}
