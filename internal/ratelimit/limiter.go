package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultWindow      = 30 * time.Second
	DefaultMaxRequests = 6

	redisKeyPrefix = "contactform:ratelimit"

	errorMessageIncrementCounter = "ratelimit: increment counter"
	errorMessageExpireCounter    = "ratelimit: expire counter"
)

// ErrMissingRedisClient indicates a Redis limiter was built without a client.
var ErrMissingRedisClient = errors.New("ratelimit: nil redis client")

// Limiter decides whether one more request for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config bounds requests per key within fixed windows. MaxRequests <= 0 disables limiting.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

func (config Config) normalized() Config {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	return config
}

func bucketFor(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / window.Nanoseconds()
}

// MemoryLimiter keeps fixed-window counters in process memory.
type MemoryLimiter struct {
	config        Config
	now           func() time.Time
	countersMutex sync.Mutex
	counters      map[string]int
	currentBucket int64
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(config Config) *MemoryLimiter {
	return &MemoryLimiter{
		config:   config.normalized(),
		now:      time.Now,
		counters: make(map[string]int),
	}
}

// Allow counts the request and reports whether it is within budget.
func (limiter *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if limiter.config.MaxRequests <= 0 {
		return true, nil
	}
	bucket := bucketFor(limiter.now(), limiter.config.Window)

	limiter.countersMutex.Lock()
	defer limiter.countersMutex.Unlock()

	if bucket != limiter.currentBucket {
		limiter.counters = make(map[string]int)
		limiter.currentBucket = bucket
	}
	limiter.counters[key]++
	return limiter.counters[key] <= limiter.config.MaxRequests, nil
}

// RedisLimiter shares fixed-window counters across instances through Redis.
type RedisLimiter struct {
	client *redis.Client
	config Config
	now    func() time.Time
}

// NewRedisLimiter builds a limiter backed by client.
func NewRedisLimiter(client *redis.Client, config Config) (*RedisLimiter, error) {
	if client == nil {
		return nil, ErrMissingRedisClient
	}
	return &RedisLimiter{client: client, config: config.normalized(), now: time.Now}, nil
}

// Allow increments the shared counter for key and reports whether it is within budget.
func (limiter *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if limiter.config.MaxRequests <= 0 {
		return true, nil
	}
	counterKey := fmt.Sprintf("%s:%s:%d", redisKeyPrefix, key, bucketFor(limiter.now(), limiter.config.Window))

	count, incrErr := limiter.client.Incr(ctx, counterKey).Result()
	if incrErr != nil {
		return true, fmt.Errorf("%s: %w", errorMessageIncrementCounter, incrErr)
	}
	if count == 1 {
		if expireErr := limiter.client.Expire(ctx, counterKey, limiter.config.Window).Err(); expireErr != nil {
			return true, fmt.Errorf("%s: %w", errorMessageExpireCounter, expireErr)
		}
	}
	return count <= int64(limiter.config.MaxRequests), nil
}
