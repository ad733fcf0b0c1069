package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/levonmo/mongo-listener/checkpoint"
	"github.com/levonmo/mongo-listener/config"
	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/logic"
	"github.com/levonmo/mongo-listener/repo"
	"github.com/levonmo/mongo-listener/sink"
	"github.com/levonmo/mongo-listener/source"
	"github.com/levonmo/mongo-listener/status"
	"github.com/levonmo/mongo-listener/transform"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	if err := rootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("mongo listener failed")
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "mongo-listener",
		Short:         "tail a mongodb collection oplog and upsert its documents into a sink",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, os.Getenv, cmd.Flags())
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "f", "", "path to a json config file")
	config.Bind(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	oplogClient, err := repo.NewMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return err
	}
	defer disconnect(oplogClient)
	readClient := oplogClient
	if cfg.Mongo.FullReadURI != cfg.Mongo.URI {
		if readClient, err = repo.NewMongo(ctx, cfg.Mongo.FullReadURI); err != nil {
			return err
		}
		defer disconnect(readClient)
	}
	coll := source.NewCollection(readClient, cfg.Mongo.DB, cfg.Mongo.Collection)

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	out, closeSink, err := newSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	var transformer transform.Transformer
	if cfg.TransformScript != "" {
		script, err := transform.LoadScript(cfg.TransformScript)
		if err != nil {
			return err
		}
		transformer = script
	}

	listener, err := logic.NewListener(cfg, logic.Dependencies{
		Source:      source.NewOplog(oplogClient, cfg.Mongo.Namespace()),
		Store:       store,
		Sink:        out,
		Getter:      coll,
		Transformer: transformer,
		Cursor: func(ctx context.Context) (logic.Cursor, error) {
			return coll.All(ctx)
		},
	})
	if err != nil {
		return err
	}

	if cfg.HTTP.Port > 0 {
		if err := status.Serve(ctx, cfg.HTTP.Port, listener); err != nil {
			return err
		}
	}
	logger.Infof("listening to %s, sink %s", cfg.Mongo.Namespace(), cfg.Sink.Type)
	return listener.Run(ctx)
}

func newStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	if cfg.RedisLastOp != nil {
		client, err := repo.NewRedis(ctx, cfg.RedisLastOp.URL)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewRedis(client, cfg.RedisLastOp.Key), nil
	}
	return checkpoint.NewFile(cfg.LastOpPath)
}

func newSink(cfg *config.Config) (sink.Sink, func(), error) {
	switch cfg.Sink.Type {
	case conts.SinkTypeElastic:
		client, err := repo.NewElastic(cfg.Sink.ElasticsearchURL, cfg.Sink.Username, cfg.Sink.Password)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewElastic(client, cfg.Sink.IndexName, cfg.IDField), func() { client.Stop() }, nil
	case conts.SinkTypeKafka:
		writer, err := repo.NewKafkaWriter(cfg.Sink.KafkaBrokers, cfg.Sink.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewKafka(writer, cfg.IDField), func() {
			if err := writer.Close(); err != nil {
				logrus.WithError(err).Warn("unable to close kafka writer")
			}
		}, nil
	case conts.SinkTypeNone, "":
		return sink.NewNoop(), func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown sink type %q", cfg.Sink.Type)
}

func disconnect(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), repo.ConnectionTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logrus.WithError(err).Warn("unable to disconnect from mongo")
	}
}
