package logic

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/metrics"
	"github.com/levonmo/mongo-listener/model"
)

// Cursor is the part of *mongo.Cursor the collection walk needs.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

type BackfillStats struct {
	Count   int64
	Elapsed time.Duration
}

// Backfill pushes every document of a cursor through the processor.
type Backfill struct {
	processor *Processor
	log       *logrus.Entry
}

func NewBackfill(processor *Processor) *Backfill {
	return &Backfill{
		processor: processor,
		log:       log.WithComponent("backfill"),
	}
}

// Run processes the cursor with at most concurrency documents in flight;
// a document stays in flight until its batch has been delivered. The
// first failing document stops the walk and its error is returned.
func (b *Backfill) Run(ctx context.Context, cursor Cursor, concurrency int) (BackfillStats, error) {
	if concurrency <= 0 {
		concurrency = conts.DefaultBackfillConcurrency
	}
	start := time.Now()
	defer cursor.Close(context.Background())

	b.log.Infof("start sync historical data with %d documents in flight...", concurrency)

	var count int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for cursor.Next(gctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			_ = g.Wait()
			return BackfillStats{Count: atomic.LoadInt64(&count), Elapsed: time.Since(start)}, errors.Wrap(err, "sync historical data decode failed")
		}
		doc := model.Document(raw)
		id := doc.ID()
		g.Go(func() error {
			result := make(chan error, 1)
			b.processor.ProcessDoc(gctx, doc, true, func(err error) {
				result <- err
			})
			err := <-result
			atomic.AddInt64(&count, 1)
			metrics.BackfillDocs.Inc()
			if err != nil {
				return errors.Wrapf(err, "processing document %v failed", id)
			}
			return nil
		})
	}

	err := g.Wait()
	stats := BackfillStats{Count: atomic.LoadInt64(&count), Elapsed: time.Since(start)}
	if err != nil {
		return stats, err
	}
	if err := cursor.Err(); err != nil {
		return stats, errors.Wrap(err, "collection cursor failed")
	}
	return stats, nil
}
