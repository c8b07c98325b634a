package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/metergate/internal/call"
	"github.com/go-redis/redis/v8"
)

// addIfPresent increments KEYS[1] by ARGV[1] only when it exists. INCRBY
// keeps the key's TTL.
var addIfPresent = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('INCRBY', KEYS[1], ARGV[1])
end
return false
`)

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Redis implements Totals and Entries on a shared Redis instance so every
// gateway replica sees the same totals.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps client. Every key is prefixed with prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) GetTotal(ctx context.Context, tenantID, day string) (int64, error) {
	v, err := r.client.Get(ctx, totalKey(r.prefix, tenantID, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("getting spend total: %w", err)
	}
	return v, nil
}

func (r *Redis) SetTotal(ctx context.Context, tenantID, day string, micros int64, ttl time.Duration) error {
	if err := r.client.Set(ctx, totalKey(r.prefix, tenantID, day), micros, ttl).Err(); err != nil {
		return fmt.Errorf("setting spend total: %w", err)
	}
	return nil
}

func (r *Redis) AddTotal(ctx context.Context, tenantID, day string, delta int64) error {
	err := addIfPresent.Run(ctx, r.client, []string{totalKey(r.prefix, tenantID, day)}, delta).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("adding to spend total: %w", err)
	}
	return nil
}

func (r *Redis) GetEntry(ctx context.Context, tenantID, fingerprint string) (*call.Outcome, error) {
	raw, err := r.client.Get(ctx, entryKey(r.prefix, tenantID, fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("getting dedup entry: %w", err)
	}

	var o call.Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decoding dedup entry: %w", err)
	}
	return &o, nil
}

func (r *Redis) SetEntry(ctx context.Context, tenantID, fingerprint string, o *call.Outcome, ttl time.Duration) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding dedup entry: %w", err)
	}
	if err := r.client.Set(ctx, entryKey(r.prefix, tenantID, fingerprint), raw, ttl).Err(); err != nil {
		return fmt.Errorf("setting dedup entry: %w", err)
	}
	return nil
}
