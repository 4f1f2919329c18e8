package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "intake:verification:"

// RedisStore keeps entries in Redis with native key expiry.
type RedisStore struct {
	client *goredis.Client
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis store requires a URL")
	}

	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}

	return &RedisStore{client: goredis.NewClient(opts)}, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal entry: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, body, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (r *RedisStore) Take(ctx context.Context, key string) (*Entry, error) {
	body, err := r.client.GetDel(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNoCode
	}
	if err != nil {
		return nil, fmt.Errorf("redis: getdel: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("redis: unmarshal entry: %w", err)
	}
	return &e, nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
