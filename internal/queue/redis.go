package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	URL      string
	Password string
	Key      string
}

// Redis is a list-backed queue shared by every process pointing at the same
// key. Producers LPUSH and consumers BRPOP.
type Redis struct {
	rdb    *redis.Client
	key    string
	poll   time.Duration
	closed atomic.Bool
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{rdb: rdb, key: cfg.Key, poll: time.Second}, nil
}

func (r *Redis) Enqueue(ctx context.Context, runID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.rdb.LPush(ctx, r.key, runID).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", r.key, err)
	}
	return nil
}

// Dequeue polls with a short BRPOP timeout so Close and ctx are noticed.
func (r *Redis) Dequeue(ctx context.Context) (string, error) {
	for {
		if r.closed.Load() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := r.rdb.BRPop(ctx, r.poll, r.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if r.closed.Load() {
				return "", ErrClosed
			}
			return "", fmt.Errorf("brpop %s: %w", r.key, err)
		}
		// BRPOP replies with [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

func (r *Redis) Len(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, r.key).Result()
}

func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.rdb.Close()
}
