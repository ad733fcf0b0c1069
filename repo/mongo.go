package repo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ConnectionTimeout bounds the initial connect and ping of every client.
const ConnectionTimeout = time.Second * 10

var ErrMissingMongoURI = errors.New("a mongo uri is required")

// NewMongo connects and pings the server.
func NewMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, ErrMissingMongoURI
	}
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect failed")
	}
	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping failed")
	}
	return cli, nil
}
