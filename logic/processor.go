// Package logic turns oplog entries into upserts: it resolves ops to
// documents, filters and transforms them, batches them for the sink,
// walks the whole collection when there is no checkpoint and drives the
// oplog subscription.
package logic

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/filter"
	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/metrics"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/sink"
	"github.com/levonmo/mongo-listener/transform"
)

var ErrMissingDocGetter = errors.New("a doc getter is required to read partial updates")

// DocGetter reads the current version of a document. A nil document
// with a nil error means it no longer exists.
type DocGetter interface {
	GetDoc(ctx context.Context, id interface{}) (model.Document, error)
}

// DocGetterFunc adapts a plain function.
type DocGetterFunc func(ctx context.Context, id interface{}) (model.Document, error)

func (f DocGetterFunc) GetDoc(ctx context.Context, id interface{}) (model.Document, error) {
	return f(ctx, id)
}

// Done is called exactly once per processed op or document: with nil
// when the work was skipped or delivered, or with the error that stopped
// it.
type Done func(err error)

// Processor runs the resolve, filter, transform and enqueue steps.
type Processor struct {
	filter      filter.Tree
	transformer transform.Transformer
	getter      DocGetter
	queue       *Queue
	log         *logrus.Entry

	fetches sync.WaitGroup
}

func NewProcessor(queue *Queue, getter DocGetter, tree filter.Tree, transformer transform.Transformer) *Processor {
	return &Processor{
		filter:      tree,
		transformer: transformer,
		getter:      getter,
		queue:       queue,
		log:         log.WithComponent("processor"),
	}
}

// ProcessOp handles one oplog entry. Inserts and full replacements are
// processed before ProcessOp returns. Partial updates that touch allowed
// fields read the full document on another goroutine, so the caller can
// move on to the next op while the read is in flight.
func (p *Processor) ProcessOp(ctx context.Context, op model.Op, done Done) {
	kind := string(op.Kind)
	if op.Kind != model.OpInsert && op.Kind != model.OpUpdate {
		metrics.OpsCount.WithLabelValues(kind, metrics.Ignored).Inc()
		done(nil)
		return
	}

	if !op.IsPartialUpdate() {
		metrics.OpsCount.WithLabelValues(kind, metrics.Dispatched).Inc()
		p.ProcessDoc(ctx, op.Object, false, done)
		return
	}

	id := op.ID()
	if !p.filter.Op(op.Object) {
		metrics.OpsCount.WithLabelValues(kind, metrics.Skipped).Inc()
		p.log.Debugf("partial update, after filtering, skipping %v %v", id, op.Object)
		done(nil)
		return
	}
	if p.getter == nil {
		metrics.OpsCount.WithLabelValues(kind, metrics.Failed).Inc()
		done(ErrMissingDocGetter)
		return
	}

	metrics.OpsCount.WithLabelValues(kind, metrics.Dispatched).Inc()
	p.log.Debugf("partial update: %v, reading full doc from db: %v", op.Object, id)
	// the op's position may already be checkpointed, so the read and the
	// enqueue finish even when ctx is cancelled
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), conts.DocFetchTimeout)
	p.fetches.Add(1)
	go func() {
		defer p.fetches.Done()
		defer cancel()
		doc, err := p.getter.GetDoc(fetchCtx, id)
		if err != nil {
			done(errors.Wrapf(err, "unable to read full document %v", id))
			return
		}
		if doc == nil {
			p.log.Debugf("document %v is gone, skipping", id)
			done(nil)
			return
		}
		p.ProcessDoc(fetchCtx, doc, false, done)
	}()
}

// Wait blocks until every partial update read started by ProcessOp has
// queued its document or failed.
func (p *Processor) Wait() {
	p.fetches.Wait()
}

// ProcessDoc filters, transforms and queues a complete document.
// fullUpsert marks documents coming from the collection walk, which are
// not traced one by one.
func (p *Processor) ProcessDoc(ctx context.Context, doc model.Document, fullUpsert bool, done Done) {
	if err := ctx.Err(); err != nil {
		done(err)
		return
	}
	if doc == nil {
		done(nil)
		return
	}
	id := doc.ID()

	filtered := p.filter.Document(doc)
	if filtered == nil {
		p.log.Debugf("after filtering, no update needed for %v", id)
		done(nil)
		return
	}
	if _, ok := filtered[conts.SourceIDField]; !ok && id != nil {
		filtered[conts.SourceIDField] = id
	}

	transformed := transform.Apply(ctx, p.transformer, filtered)
	if transformed == nil {
		p.log.Debugf("after transforming, no update needed for %v", id)
		done(nil)
		return
	}
	if failed, _ := transformed["processingFailed"].(bool); failed && p.transformer != nil {
		metrics.TransformFailures.Inc()
		p.log.Errorf("transform error for %v: %v", id, transformed["processingError"])
	}

	if !fullUpsert {
		p.log.Debugf("upserting %v", id)
	}
	p.queue.Enqueue(transformed, func(_ sink.Result, err error) {
		done(err)
	})
}
