package access

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StatusPrefix is the Redis key prefix for cached gate inputs.
	StatusPrefix = "access:"

	// StatusTTL bounds how long cached inputs may seed a new engine.
	StatusTTL = 10 * time.Minute
)

// StatusCache persists the last known gate inputs per user.
type StatusCache interface {
	Load(ctx context.Context, userID string) (Inputs, bool, error)
	Save(ctx context.Context, userID string, in Inputs) error
}

// RedisStatusCache stores inputs in a Redis hash per user.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusCache creates a cache on client with the default TTL.
func NewRedisStatusCache(client *redis.Client) *RedisStatusCache {
	return &RedisStatusCache{client: client, ttl: StatusTTL}
}

type cachedInputs struct {
	SubscriptionActive bool   `redis:"subscription_active"`
	Verification       string `redis:"verification_status"`
	VerificationReason string `redis:"verification_reason"`
	ProfileComplete    bool   `redis:"profile_complete"`
	SavedAt            int64  `redis:"saved_at"`
}

// Load returns the cached inputs for userID. The bool is false when nothing
// is cached.
func (c *RedisStatusCache) Load(ctx context.Context, userID string) (Inputs, bool, error) {
	var v cachedInputs
	if err := c.client.HGetAll(ctx, StatusPrefix+userID).Scan(&v); err != nil {
		return Inputs{}, false, fmt.Errorf("access: load status: %w", err)
	}
	if v.SavedAt == 0 {
		return Inputs{}, false, nil
	}
	return Inputs{
		SubscriptionActive: v.SubscriptionActive,
		Verification:       VerificationStatus(v.Verification),
		VerificationReason: v.VerificationReason,
		ProfileComplete:    v.ProfileComplete,
	}, true, nil
}

// Save writes in for userID and refreshes the TTL.
func (c *RedisStatusCache) Save(ctx context.Context, userID string, in Inputs) error {
	key := StatusPrefix + userID
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key,
		"subscription_active", in.SubscriptionActive,
		"verification_status", string(in.Verification),
		"verification_reason", in.VerificationReason,
		"profile_complete", in.ProfileComplete,
		"saved_at", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("access: save status: %w", err)
	}
	return nil
}
