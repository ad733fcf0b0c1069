package sink

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/utils"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes every document as a JSON message keyed by its id.
type Kafka struct {
	writer  MessageWriter
	idField string
}

var _ Sink = (*Kafka)(nil)

func NewKafka(writer MessageWriter, idField string) *Kafka {
	return &Kafka{writer: writer, idField: idField}
}

func (k *Kafka) ProcessDocs(ctx context.Context, docs []model.Document) (Result, error) {
	msgs := make([]kafka.Message, 0, len(docs))
	for _, doc := range docs {
		value, err := json.Marshal(doc)
		if err != nil {
			return Result{}, errors.Wrapf(err, "unable to marshal document %v", doc[k.idField])
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(utils.DocID(doc[k.idField])),
			Value: value,
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return Result{}, errors.Wrapf(err, "unable to write %d messages", len(msgs))
	}
	return Result{Processed: len(docs)}, nil
}
