package db

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// OpenRedis connects to the shared lock/cache backend.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "pinging redis")
	}
	return client, nil
}
