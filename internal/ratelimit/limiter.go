// Package ratelimit throttles job registration per owner.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"report-scheduler/internal/config"
	"report-scheduler/internal/errs"
)

// Limiter decides whether key may spend one token now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// New returns a Redis-backed bucket when cfg.RedisAddr is set, otherwise an
// in-process limiter. The closer releases the Redis client.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (Limiter, io.Closer, error) {
	if cfg.RedisAddr == "" {
		log.Info().Int("capacity", cfg.RateLimitCapacity).Float64("refill", cfg.RateLimitRefill).Msg("in-process rate limiter")
		return NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill), io.NopCloser(nil), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, errs.Wrapf(err, "ping redis %s", cfg.RedisAddr)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("redis rate limiter")
	return NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour), client, nil
}

// maxIdleBuckets bounds the local map; full buckets are dropped past it.
const maxIdleBuckets = 10000

// Local keeps one x/time/rate limiter per key in memory.
type Local struct {
	capacity int
	refill   rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	if capacity < 1 {
		capacity = 1
	}
	return &Local{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, float64, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxIdleBuckets {
			l.sweepLocked()
		}
		b = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	allowed := b.Allow()
	return allowed, b.Tokens(), nil
}

func (l *Local) sweepLocked() {
	for k, b := range l.buckets {
		if b.Tokens() >= float64(l.capacity) {
			delete(l.buckets, k)
		}
	}
}
