// Package idempotency remembers which booking a client submission key
// produced, so a repeated submission returns the original booking.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces submission keys in Redis.
const KeyPrefix = "scheduler:idem:booking:"

const (
	// DefaultTTL is how long a completed submission key is remembered.
	DefaultTTL = 24 * time.Hour

	// PendingTTL bounds how long a claim survives a submission that never
	// completes or releases it.
	PendingTTL = 2 * time.Minute

	// DefaultRetryAfter is how long the store stays off after a Redis error
	// when DisableOnError is set.
	DefaultRetryAfter = 30 * time.Second
)

// maxKeyLen bounds stored keys.
const maxKeyLen = 200

const pendingValue = "pending"

// releaseScript deletes a claim only while it is still pending, so a
// completed key is never dropped by a late release.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config contains store configuration.
type Config struct {
	RedisURL string
	TTL      time.Duration

	// DisableOnError pauses the store for RetryAfter after a Redis failure.
	DisableOnError bool
	RetryAfter     time.Duration
}

// Store maps submission keys to booking ids in Redis. When Redis is
// unreachable every claim is granted and nothing is remembered.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
	config Config
	now    func() time.Time

	mu          sync.RWMutex
	disabled    bool
	pausedUntil time.Time
}

// New connects to Redis. A connection failure yields a disabled store, never
// an error; only a malformed URL is reported.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	logger = logger.With().Str("component", "idempotency").Logger()
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, idempotency keys are not remembered")
		return &Store{logger: logger, config: cfg, now: time.Now, disabled: true}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, running without idempotency")
		_ = client.Close()
		return &Store{logger: logger, config: cfg, now: time.Now, disabled: true}, nil
	}

	logger.Info().Str("addr", opts.Addr).Dur("ttl", cfg.TTL).Msg("idempotency store initialized")
	return &Store{client: client, logger: logger, config: cfg, now: time.Now}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// IsAvailable reports whether keys are being stored.
func (s *Store) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disabled || s.client == nil {
		return false
	}
	return !s.now().Before(s.pausedUntil)
}

func (s *Store) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	// A caller giving up says nothing about Redis.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.logger.Debug().Err(err).Str("operation", operation).Msg("idempotency operation failed")
	if s.config.DisableOnError {
		s.mu.Lock()
		s.pausedUntil = s.now().Add(s.config.RetryAfter)
		s.mu.Unlock()
		s.logger.Warn().Dur("retry_after", s.config.RetryAfter).Msg("pausing idempotency store due to redis error")
	}
}

func redisKey(key string) (string, bool) {
	if key == "" || len(key) > maxKeyLen {
		return "", false
	}
	return KeyPrefix + key, true
}

// Reserve claims key for a new submission. It returns the booking id when the
// key already completed, and pending when another submission holds the claim.
// Otherwise the caller owns the claim and must Complete or Release it. A store
// that cannot reach Redis grants every claim.
func (s *Store) Reserve(ctx context.Context, key string) (id uuid.UUID, pending bool) {
	rk, ok := redisKey(key)
	if !ok || !s.IsAvailable() {
		return uuid.Nil, false
	}

	// The second pass covers a claim that expired between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		set, err := s.client.SetNX(ctx, rk, pendingValue, PendingTTL).Result()
		if err != nil {
			s.handleError(err, "setnx")
			return uuid.Nil, false
		}
		if set {
			return uuid.Nil, false
		}

		val, err := s.client.Get(ctx, rk).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.handleError(err, "get")
			return uuid.Nil, false
		}
		if val == pendingValue {
			return uuid.Nil, true
		}
		id, err := uuid.Parse(val)
		if err != nil {
			s.logger.Debug().Err(err).Str("key", rk).Msg("discarding malformed idempotency value")
			if err := s.client.Del(ctx, rk).Err(); err != nil {
				s.handleError(err, "del")
				return uuid.Nil, false
			}
			continue
		}
		return id, false
	}
	return uuid.Nil, true
}

// Complete records the booking created under a claim.
func (s *Store) Complete(ctx context.Context, key string, id uuid.UUID) {
	rk, ok := redisKey(key)
	if !ok || !s.IsAvailable() {
		return
	}
	if err := s.client.Set(ctx, rk, id.String(), s.config.TTL).Err(); err != nil {
		s.handleError(err, "set")
	}
}

// Release gives up a claim that produced no booking, so the client may retry.
func (s *Store) Release(ctx context.Context, key string) {
	rk, ok := redisKey(key)
	if !ok || !s.IsAvailable() {
		return
	}
	if err := releaseScript.Run(ctx, s.client, []string{rk}, pendingValue).Err(); err != nil {
		s.handleError(err, "release")
	}
}
