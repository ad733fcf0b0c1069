// Package config builds the listener configuration once at startup. The
// resulting Config is read-only and passed to every component.
package config

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/filter"
)

type MongoConfig struct {
	URI string `json:"uri"`
	// FullReadURI is used for the full collection walk and for reading
	// documents back after partial updates. Defaults to URI.
	FullReadURI string `json:"full_read_uri"`
	DB          string `json:"db"`
	Collection  string `json:"collection"`
}

// Namespace is the db.collection string oplog entries carry.
func (m MongoConfig) Namespace() string {
	return m.DB + "." + m.Collection
}

type RedisConfig struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

type HTTPConfig struct {
	Port int `json:"port"`
}

type SinkConfig struct {
	Type             string   `json:"type"`
	ElasticsearchURL string   `json:"elasticsearch_url"`
	Username         string   `json:"elasticsearch_username"`
	Password         string   `json:"elasticsearch_password"`
	IndexName        string   `json:"elastic_index_name"`
	KafkaBrokers     []string `json:"kafka_brokers"`
	KafkaTopic       string   `json:"kafka_topic"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Config struct {
	// Filter limits the fields that reach the sink. Nil allows all.
	Filter          filter.Tree `json:"filter"`
	TransformScript string      `json:"transform_script"`

	BatchProcessDelayMS int `json:"batch_process_delay_ms"`
	MaxBatchSize        int `json:"max_batch_size"`
	BackfillConcurrency int `json:"backfill_concurrency"`

	SkipFullUpsert bool   `json:"skip_full_upsert"`
	Resubscribe    bool   `json:"resubscribe"`
	IDField        string `json:"id_field"`
	LastOpPath     string `json:"last_op_path"`

	Mongo       MongoConfig  `json:"mongo"`
	RedisLastOp *RedisConfig `json:"redis_last_op"`
	HTTP        HTTPConfig   `json:"http"`
	Sink        SinkConfig   `json:"sink"`
	Log         LogConfig    `json:"log"`
}

func (c *Config) BatchProcessDelay() time.Duration {
	return time.Duration(c.BatchProcessDelayMS) * time.Millisecond
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		BatchProcessDelayMS: int(conts.DefaultBatchProcessDelay / time.Millisecond),
		MaxBatchSize:        conts.DefaultMaxBatchSize,
		Resubscribe:         true,
		IDField:             conts.DefaultSinkIDField,
		LastOpPath:          conts.DefaultLastOpPath,
		Sink:                SinkConfig{Type: conts.SinkTypeNone},
		Log:                 LogConfig{Level: "info", Format: "text"},
	}
}

var falsy = regexp.MustCompile(`(?i)^(false|no|0)$`)

// LoadEnv overrides c with the environment variables the listener has
// always honored.
func (c *Config) LoadEnv(getenv func(string) string) {
	if v := getenv("SKIP_FULL_UPSERT"); v != "" {
		c.SkipFullUpsert = !falsy.MatchString(v)
	}
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}
	if v := getenv("MONGO_URL"); v != "" {
		c.Mongo.URI = v
	}
	if v := getenv("MONGO_FULL_READ_URL"); v != "" {
		c.Mongo.FullReadURI = v
	}
	if v := getenv("MONGO_DB"); v != "" {
		c.Mongo.DB = v
	}
	if v := getenv("MONGO_COLLECTION"); v != "" {
		c.Mongo.Collection = v
	}
	if v := getenv("REDISCLOUD_URL"); v != "" {
		c.RedisLastOp = &RedisConfig{URL: v, Key: getenv("REDIS_KEY")}
	}
}

// LoadFile overlays a JSON config file on c. Fields missing from the
// file keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "unable to read config file %s", path)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "unable to parse config file %s", path)
	}
	return nil
}

// Preflight fills derived defaults and validates the configuration.
func (c *Config) Preflight() error {
	if c.Mongo.URI == "" {
		return errors.New("mongo uri is required")
	}
	if c.Mongo.DB == "" || c.Mongo.Collection == "" {
		return errors.New("mongo db and collection are required")
	}
	if c.Mongo.FullReadURI == "" {
		c.Mongo.FullReadURI = c.Mongo.URI
	}
	if c.MaxBatchSize <= 0 {
		return errors.Errorf("max batch size must be positive, got %d", c.MaxBatchSize)
	}
	if c.BatchProcessDelayMS < 0 {
		return errors.Errorf("batch process delay must not be negative, got %d", c.BatchProcessDelayMS)
	}
	if c.BackfillConcurrency <= 0 {
		c.BackfillConcurrency = c.MaxBatchSize
	}
	if c.IDField == "" {
		c.IDField = conts.DefaultSinkIDField
	}
	if c.LastOpPath == "" {
		c.LastOpPath = conts.DefaultLastOpPath
	}
	if c.RedisLastOp != nil {
		if c.RedisLastOp.URL == "" {
			return errors.New("redis last op url is required")
		}
		if c.RedisLastOp.Key == "" {
			c.RedisLastOp.Key = conts.DefaultRedisKey
		}
	}

	switch c.Sink.Type {
	case "", conts.SinkTypeNone:
		c.Sink.Type = conts.SinkTypeNone
	case conts.SinkTypeElastic:
		if c.Sink.ElasticsearchURL == "" {
			return errors.New("elasticsearch url is required for the elastic sink")
		}
		if c.Sink.IndexName == "" {
			c.Sink.IndexName = strings.ToLower(c.Mongo.DB + "__" + c.Mongo.Collection)
		}
	case conts.SinkTypeKafka:
		if len(c.Sink.KafkaBrokers) == 0 || c.Sink.KafkaTopic == "" {
			return errors.New("kafka brokers and topic are required for the kafka sink")
		}
	default:
		return errors.Errorf("unknown sink type %q", c.Sink.Type)
	}
	return nil
}

const (
	flagMongoURI       = "mongo-uri"
	flagMongoFullRead  = "mongo-full-read-uri"
	flagMongoDB        = "mongo-db"
	flagMongoColl      = "mongo-collection"
	flagBatchDelay     = "batch-process-delay"
	flagMaxBatch       = "max-batch-size"
	flagBackfill       = "backfill-concurrency"
	flagSkipFullUpsert = "skip-full-upsert"
	flagResubscribe    = "resubscribe"
	flagTransform      = "transform-script"
	flagIDField        = "id-field"
	flagLastOpPath     = "last-op-path"
	flagRedisURL       = "redis-url"
	flagRedisKey       = "redis-key"
	flagHTTPPort       = "http-port"
	flagSinkType       = "sink"
	flagElasticURL     = "elasticsearch-url"
	flagElasticIndex   = "elastic-index"
	flagKafkaBrokers   = "kafka-brokers"
	flagKafkaTopic     = "kafka-topic"
	flagLogLevel       = "log-level"
	flagLogFormat      = "log-format"
)

// Bind registers the command line flags. Only flags the user sets
// override the file and environment.
func Bind(f *pflag.FlagSet) {
	d := Default()
	f.String(flagMongoURI, "", "mongo connection uri used to tail the oplog")
	f.String(flagMongoFullRead, "", "mongo uri used to read documents, defaults to --mongo-uri")
	f.String(flagMongoDB, "", "database to watch")
	f.String(flagMongoColl, "", "collection to watch")
	f.Duration(flagBatchDelay, d.BatchProcessDelay(), "delay between the first queued document and the batch flush")
	f.Int(flagMaxBatch, d.MaxBatchSize, "maximum documents per sink call")
	f.Int(flagBackfill, 0, "documents in flight during the full collection walk, defaults to --max-batch-size")
	f.Bool(flagSkipFullUpsert, d.SkipFullUpsert, "do not walk the collection when no checkpoint exists")
	f.Bool(flagResubscribe, d.Resubscribe, "re-tail the oplog when the stream ends")
	f.String(flagTransform, "", "path to a javascript file defining transform(doc)")
	f.String(flagIDField, d.IDField, "field the document id is carried under at the sink")
	f.String(flagLastOpPath, d.LastOpPath, "file holding the checkpoint when redis is not configured")
	f.String(flagRedisURL, "", "redis url holding the checkpoint")
	f.String(flagRedisKey, conts.DefaultRedisKey, "redis key holding the checkpoint")
	f.Int(flagHTTPPort, 0, "port of the status endpoint, 0 disables it")
	f.String(flagSinkType, d.Sink.Type, "sink type: none, elastic or kafka")
	f.String(flagElasticURL, "", "elasticsearch url")
	f.String(flagElasticIndex, "", "elasticsearch index, defaults to <db>__<collection>")
	f.StringSlice(flagKafkaBrokers, nil, "kafka brokers")
	f.String(flagKafkaTopic, "", "kafka topic")
	f.String(flagLogLevel, d.Log.Level, "log level")
	f.String(flagLogFormat, d.Log.Format, "log format: text or json")
}

// applyFlags copies the flags set on the command line into c.
func (c *Config) applyFlags(f *pflag.FlagSet) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetInt(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetBool(name)
		}
	}

	str(flagMongoURI, &c.Mongo.URI)
	str(flagMongoFullRead, &c.Mongo.FullReadURI)
	str(flagMongoDB, &c.Mongo.DB)
	str(flagMongoColl, &c.Mongo.Collection)
	if err == nil && f.Changed(flagBatchDelay) {
		var d time.Duration
		d, err = f.GetDuration(flagBatchDelay)
		c.BatchProcessDelayMS = int(d / time.Millisecond)
	}
	num(flagMaxBatch, &c.MaxBatchSize)
	num(flagBackfill, &c.BackfillConcurrency)
	boolean(flagSkipFullUpsert, &c.SkipFullUpsert)
	boolean(flagResubscribe, &c.Resubscribe)
	str(flagTransform, &c.TransformScript)
	str(flagIDField, &c.IDField)
	str(flagLastOpPath, &c.LastOpPath)
	if err == nil && f.Changed(flagRedisURL) {
		if c.RedisLastOp == nil {
			c.RedisLastOp = &RedisConfig{}
		}
		str(flagRedisURL, &c.RedisLastOp.URL)
	}
	if err == nil && f.Changed(flagRedisKey) && c.RedisLastOp != nil {
		str(flagRedisKey, &c.RedisLastOp.Key)
	}
	num(flagHTTPPort, &c.HTTP.Port)
	str(flagSinkType, &c.Sink.Type)
	str(flagElasticURL, &c.Sink.ElasticsearchURL)
	str(flagElasticIndex, &c.Sink.IndexName)
	if err == nil && f.Changed(flagKafkaBrokers) {
		c.Sink.KafkaBrokers, err = f.GetStringSlice(flagKafkaBrokers)
	}
	str(flagKafkaTopic, &c.Sink.KafkaTopic)
	str(flagLogLevel, &c.Log.Level)
	str(flagLogFormat, &c.Log.Format)
	return err
}

// Load layers defaults, environment, the optional JSON file at path and
// the command line flags, in that order, then runs Preflight.
func Load(path string, getenv func(string) string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	if getenv != nil {
		cfg.LoadEnv(getenv)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if flags != nil {
		if err := cfg.applyFlags(flags); err != nil {
			return nil, errors.Wrap(err, "unable to read flags")
		}
	}
	if err := cfg.Preflight(); err != nil {
		return nil, err
	}
	return cfg, nil
}
