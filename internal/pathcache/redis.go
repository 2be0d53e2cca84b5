package pathcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pansave:paths:"

// Redis is a Store backed by one Redis hash per scope. The hash expires
// ttl after its last write; entries older than ttl are also ignored on read.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// OpenRedis connects to addr and verifies the connection with PING.
func OpenRedis(ctx context.Context, addr string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pathcache: redis %s: ping failed: %w", addr, err)
	}

	r := NewRedis(client, ttl, logger)
	r.logger.Debug("path cache connected", slog.String("redis_addr", addr))

	return r, nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{client: client, ttl: ttl, logger: logger, now: time.Now}
}

func redisKey(scope Scope) string {
	return redisKeyPrefix + scope.String()
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, scope Scope, path string) (Entry, bool, error) {
	raw, err := r.client.HGet(ctx, redisKey(scope), path).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, fmt.Errorf("pathcache: reading %s %s: %w", scope, path, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("pathcache: decoding %s %s: %w", scope, path, err)
	}

	if expired(e, r.ttl, r.now()) {
		return Entry{}, false, nil
	}

	return e, true, nil
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, scope Scope, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pathcache: encoding %s: %w", e.Path, err)
	}

	key := redisKey(scope)

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, e.Path, raw)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("pathcache: writing %s %s: %w", scope, e.Path, err)
	}

	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, scope Scope, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	if err := r.client.HDel(ctx, redisKey(scope), paths...).Err(); err != nil {
		return fmt.Errorf("pathcache: deleting from %s: %w", scope, err)
	}

	return nil
}

// Clear implements Store.
func (r *Redis) Clear(ctx context.Context, scope Scope) error {
	if err := r.client.Del(ctx, redisKey(scope)).Err(); err != nil {
		return fmt.Errorf("pathcache: clearing %s: %w", scope, err)
	}

	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
