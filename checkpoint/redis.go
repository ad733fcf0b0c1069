package checkpoint

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/model"
)

// Redis keeps the position under a single key. Network failures are
// returned to the caller, not retried.
type Redis struct {
	client redis.Cmdable
	key    string
	log    *logrus.Entry
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.Cmdable, key string) *Redis {
	return &Redis{
		client: client,
		key:    key,
		log:    log.WithComponent("checkpoint").WithField("key", key),
	}
}

func (r *Redis) Get(ctx context.Context) (*model.Position, error) {
	value, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read checkpoint key %s", r.key)
	}
	pos, err := model.ParsePosition(value)
	if err != nil {
		r.log.WithError(err).Error("error reading lastop redis key")
		return nil, nil
	}
	return &pos, nil
}

func (r *Redis) Set(ctx context.Context, pos model.Position) error {
	if err := r.client.Set(ctx, r.key, pos.String(), 0).Err(); err != nil {
		return errors.Wrapf(err, "unable to write checkpoint key %s", r.key)
	}
	return nil
}
