package db

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/promptgen/internal/errors"
)

// NewRedis opens the Redis client shared by the cache tier and the Redis
// quota store.
func NewRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewStorage("redis ping", err)
	}
	return client, nil
}
