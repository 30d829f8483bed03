package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisService backs leases with Redis SET NX PX, giving cluster-wide
// exclusivity. Release is a compare-and-delete on the lock nonce.
type RedisService struct {
	client *redis.Client
}

// releaseScript deletes the key only when it still holds our nonce.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisService wraps an existing client.
func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

// DialRedis connects and verifies the Redis backend.
func DialRedis(ctx context.Context, addr, password string) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisService(client), nil
}

// DialRedisURL connects using a redis:// URL.
func DialRedisURL(ctx context.Context, url string) (*RedisService, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisService(client), nil
}

func (r *RedisService) Acquire(ctx context.Context, scope Scope, userID, discussionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = scope.DefaultTTL()
	}
	lockID := NewLockID()
	ok, err := r.client.SetNX(ctx, Key(scope, userID, discussionID), lockID, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return "", nil
	}
	return lockID, nil
}

func (r *RedisService) Release(ctx context.Context, scope Scope, userID, discussionID, lockID string) error {
	_, err := releaseScript.Run(ctx, r.client, []string{Key(scope, userID, discussionID)}, lockID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisService) Close() error { return r.client.Close() }
