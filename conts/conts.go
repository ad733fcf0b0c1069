package conts

import "time"

const (
	// Delay between the first queued upsert and the batch flush.
	DefaultBatchProcessDelay = time.Millisecond * 5000
	// Upper bound on documents handed to the sink in one call.
	DefaultMaxBatchSize = 5000
	// In-flight documents during a full collection walk.
	DefaultBackfillConcurrency = DefaultMaxBatchSize

	// The no-op sink answers after this long.
	NoopSinkDelay = time.Millisecond * 10

	// Timeout for a single oplog tail round trip.
	OplogQueryTailTimeoutDuration = time.Second * 10
	// Buffered oplog events between the tail cursor and the listener.
	OplogEventBufferSize = 1000
	// Timeout for one checkpoint read or write.
	CheckpointTimeout = time.Second * 5
	// Timeout for reading back and queueing the document of a partial
	// update. It outlives shutdown so dispatched ops are not lost.
	DocFetchTimeout = time.Second * 30

	DefaultLastOpPath  = "lastop.json"
	DefaultRedisKey    = "mongoListenerLastOp"
	DefaultSinkIDField = "objectID"
	SourceIDField      = "_id"

	OperationInsert  = "i"
	OperationUpdate  = "u"
	OperationDelete  = "d"
	OperationCommand = "c"
	OperationNoop    = "n"

	ProcessingFailedTag = "processing-failed"

	ElasticMaxRetryOnConflict = 20

	SinkTypeNone    = "none"
	SinkTypeElastic = "elastic"
	SinkTypeKafka   = "kafka"
)
