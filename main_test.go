package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levonmo/mongo-listener/config"
	"github.com/levonmo/mongo-listener/sink"
)

func TestNewSink(t *testing.T) {
	cfg := config.Default()
	out, closeSink, err := newSink(cfg)
	require.NoError(t, err)
	assert.IsType(t, &sink.Noop{}, out)
	closeSink()

	cfg.Sink.Type = "kafka"
	cfg.Sink.KafkaBrokers = []string{"localhost:9092"}
	cfg.Sink.KafkaTopic = "products"
	out, closeSink, err = newSink(cfg)
	require.NoError(t, err)
	assert.IsType(t, &sink.Kafka{}, out)
	closeSink()

	cfg.Sink.Type = "carrier-pigeon"
	_, _, err = newSink(cfg)
	assert.Error(t, err)
}

func TestRootCmdFlags(t *testing.T) {
	cmd := rootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-f", "listener.json", "--mongo-uri", "mongodb://db", "--skip-full-upsert"}))

	path, err := cmd.Flags().GetString("config")
	require.NoError(t, err)
	assert.Equal(t, "listener.json", path)
	assert.True(t, cmd.Flags().Changed("mongo-uri"))
	assert.True(t, cmd.Flags().Changed("skip-full-upsert"))
}
