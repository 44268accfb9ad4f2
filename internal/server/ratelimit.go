package server

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds request volume. GlobalRPS applies to every request
// this instance serves; ConnectLimit caps websocket upgrades per user within
// ConnectWindow, shared across instances when Redis is set.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ConnectLimit  int
	ConnectWindow time.Duration
	Redis         redis.UniversalClient
}

type rateLimiter struct {
	global        *tokenBucket
	connectLimit  int
	connectWindow time.Duration
	mu            sync.Mutex
	buckets       map[string]*keyedBucket
	store         windowStore
}

type keyedBucket struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:  cfg.ConnectLimit,
		connectWindow: cfg.ConnectWindow,
		buckets:       make(map[string]*keyedBucket),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.connectLimit < 0 {
		rl.connectLimit = 0
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if cfg.Redis != nil && rl.connectLimit > 0 {
		rl.store = newRedisWindowStore(cfg.Redis)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowConnect reports whether userID may open another websocket and, when
// not, how long until it may.
func (r *rateLimiter) AllowConnect(ctx context.Context, userID string) (bool, time.Duration, error) {
	if r == nil || r.connectLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, "ratelimit:connect:"+userID, r.connectLimit, r.connectWindow)
	}
	r.mu.Lock()
	entry, exists := r.buckets[userID]
	if !exists {
		rate := float64(r.connectLimit) / r.connectWindow.Seconds()
		entry = &keyedBucket{bucket: newTokenBucket(rate, r.connectLimit)}
		r.buckets[userID] = entry
	}
	entry.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	if entry.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.connectWindow)
	for key, entry := range r.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
