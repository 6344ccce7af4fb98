package analysiscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/raine/food-vision/internal/nutrition"
)

const redisKeyPrefix = "food-vision:analysis:"

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores entries in a Redis server with a native TTL. Expiry is also
// re-checked on read so clock skew never serves a stale entry. Redis errors
// degrade to misses.
type Redis struct {
	client redisClient
	ttl    time.Duration
	now    func() time.Time
}

// ConnectRedis parses url, verifies connectivity and returns the cache.
func ConnectRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedis(rdb, ttl), rdb, nil
}

// NewRedis wraps an existing client.
func NewRedis(client redisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

func (r *Redis) Get(ctx context.Context, fingerprint string) (nutrition.Result, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		lookupsTotal.WithLabelValues("redis", "miss").Inc()
		return nutrition.Result{}, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("analysis cache read failed")
		lookupsTotal.WithLabelValues("redis", "miss").Inc()
		return nutrition.Result{}, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Warn().Err(err).Msg("dropping undecodable analysis cache entry")
		r.Evict(ctx, fingerprint)
		lookupsTotal.WithLabelValues("redis", "miss").Inc()
		return nutrition.Result{}, false
	}
	if entry.expired(r.now()) {
		r.Evict(ctx, fingerprint)
		lookupsTotal.WithLabelValues("redis", "expired").Inc()
		return nutrition.Result{}, false
	}

	lookupsTotal.WithLabelValues("redis", "hit").Inc()
	return entry.Payload, true
}

func (r *Redis) Put(ctx context.Context, fingerprint string, result nutrition.Result) {
	now := r.now()
	raw, err := json.Marshal(Entry{
		Fingerprint: fingerprint,
		Payload:     result,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode analysis cache entry")
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+fingerprint, raw, r.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("analysis cache write failed")
	}
}

func (r *Redis) Evict(ctx context.Context, fingerprint string) {
	if err := r.client.Del(ctx, redisKeyPrefix+fingerprint).Err(); err != nil {
		log.Warn().Err(err).Msg("analysis cache evict failed")
	}
}
