package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// DeliveryPolicy bounds outbound notification traffic per destination.
type DeliveryPolicy struct {
	// PerMinute is the sustained delivery rate.
	PerMinute int
	// Burst is the bucket capacity.
	Burst int
}

// DeliveryLimiter gates outbound deliveries per destination key. Deliveries
// denied here stay in the outbox and retry on the next drain.
type DeliveryLimiter interface {
	Allow(ctx context.Context, destination string) (bool, error)
}

// MemoryDeliveryLimiter implements DeliveryLimiter in-process with one
// token bucket per destination.
type MemoryDeliveryLimiter struct {
	mu      sync.Mutex
	policy  DeliveryPolicy
	buckets map[string]*rate.Limiter
}

// NewMemoryDeliveryLimiter creates a limiter for single-instance
// deployments.
func NewMemoryDeliveryLimiter(policy DeliveryPolicy) *MemoryDeliveryLimiter {
	return &MemoryDeliveryLimiter{
		policy:  policy,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow implements DeliveryLimiter.
func (l *MemoryDeliveryLimiter) Allow(ctx context.Context, destination string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.buckets[destination]
	if !ok {
		perSec := rate.Limit(float64(l.policy.PerMinute) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		lim = rate.NewLimiter(perSec, l.policy.Burst)
		l.buckets[destination] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// deliveryBucketScript runs the token bucket atomically in Redis, shared by
// every kernel instance delivering to the same destination.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix timestamp (seconds)
var deliveryBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisDeliveryLimiter implements DeliveryLimiter on Redis, so multiple
// kernel instances share one bucket per destination.
type RedisDeliveryLimiter struct {
	client *redis.Client
	policy DeliveryPolicy
}

// NewRedisDeliveryLimiter connects a shared limiter.
func NewRedisDeliveryLimiter(addr, password string, db int, policy DeliveryPolicy) *RedisDeliveryLimiter {
	return &RedisDeliveryLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		policy: policy,
	}
}

// Allow implements DeliveryLimiter.
func (l *RedisDeliveryLimiter) Allow(ctx context.Context, destination string) (bool, error) {
	key := fmt.Sprintf("notify:limiter:%s", destination)
	perSec := float64(l.policy.PerMinute) / 60.0
	if perSec <= 0 {
		perSec = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := deliveryBucketScript.Run(ctx, l.client, []string{key}, perSec, l.policy.Burst, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis delivery limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis delivery limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}
