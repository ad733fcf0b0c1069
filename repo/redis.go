package repo

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// NewRedis parses a redis:// url and pings the server.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse redis url")
	}
	cli := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}
	return cli, nil
}
