package logic

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/metrics"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/sink"
)

// QueueState is where the queue is in its flush cycle.
type QueueState int

const (
	// Idle: no flush pending.
	Idle QueueState = iota
	// TimerArmed: one flush is scheduled.
	TimerArmed
	// Flushing: a batch is with the sink.
	Flushing
)

func (s QueueState) String() string {
	switch s {
	case Idle:
		return "idle"
	case TimerArmed:
		return "timer-armed"
	case Flushing:
		return "flushing"
	}
	return "unknown"
}

// Completion is told the outcome of the batch its document went out in.
type Completion func(res sink.Result, err error)

type QueueItem struct {
	Doc  model.Document
	Done Completion
}

// Queue collects documents and hands them to the sink in batches. The
// first document queued while idle arms a single timer; when it fires up
// to maxBatch documents are flushed in arrival order and, if anything is
// left, the timer is armed again. Only one batch is with the sink at a
// time.
type Queue struct {
	sink     sink.Sink
	delay    time.Duration
	maxBatch int
	idField  string
	log      *logrus.Entry

	flushMu sync.Mutex // held while a batch is with the sink

	mu    sync.Mutex
	items []QueueItem
	state QueueState
	timer *time.Timer
	gen   uint64
}

func NewQueue(s sink.Sink, delay time.Duration, maxBatch int, idField string) *Queue {
	if s == nil {
		s = sink.NewNoop()
	}
	if maxBatch <= 0 {
		maxBatch = conts.DefaultMaxBatchSize
	}
	if idField == "" {
		idField = conts.DefaultSinkIDField
	}
	return &Queue{
		sink:     s,
		delay:    delay,
		maxBatch: maxBatch,
		idField:  idField,
		log:      log.WithComponent("queue"),
	}
}

// Enqueue moves the document id to the sink's id field and queues doc.
// It never blocks on the sink.
func (q *Queue) Enqueue(doc model.Document, done Completion) {
	if id, ok := doc[conts.SourceIDField]; ok && q.idField != conts.SourceIDField {
		doc[q.idField] = id
		delete(doc, conts.SourceIDField)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, QueueItem{Doc: doc, Done: done})
	metrics.DocsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.scheduleLocked()
}

// Len is the number of documents waiting for a flush.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) scheduleLocked() {
	if len(q.items) == 0 || q.state != Idle {
		return
	}
	q.gen++
	gen := q.gen
	q.state = TimerArmed
	q.timer = time.AfterFunc(q.delay, func() { q.fire(gen) })
}

func (q *Queue) fire(gen uint64) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.state != TimerArmed || q.gen != gen {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	batch := q.startFlushLocked()
	q.mu.Unlock()

	q.deliver(batch)

	q.mu.Lock()
	q.state = Idle
	q.scheduleLocked()
	q.mu.Unlock()
}

// startFlushLocked takes up to maxBatch items off the front. Items queued
// afterwards wait for the next flush.
func (q *Queue) startFlushLocked() []QueueItem {
	q.state = Flushing
	n := len(q.items)
	if n > q.maxBatch {
		n = q.maxBatch
	}
	batch := make([]QueueItem, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	metrics.QueueDepth.Set(float64(len(q.items)))
	return batch
}

func (q *Queue) deliver(batch []QueueItem) {
	if len(batch) == 0 {
		return
	}
	docs := make([]model.Document, len(batch))
	for i := range batch {
		docs[i] = batch[i].Doc
	}

	start := time.Now()
	res, err := q.process(docs)
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Batches.WithLabelValues(metrics.Failed).Inc()
		q.log.WithError(err).Errorf("batch of %d documents failed", len(docs))
	} else {
		metrics.Batches.WithLabelValues(metrics.Success).Inc()
		q.log.Debugf("batch of %d documents processed", len(docs))
	}

	for _, item := range batch {
		if item.Done != nil {
			item.Done(res, err)
		}
	}
}

// process calls the sink, turning a panic into a batch error. Delivery
// is not cancelled once started.
func (q *Queue) process(docs []model.Document) (res sink.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("sink panic: %v", r)
		}
	}()
	return q.sink.ProcessDocs(context.Background(), docs)
}

// Drain cancels the pending timer and flushes until the queue is empty,
// waiting for an in-flight batch first.
func (q *Queue) Drain() {
	for {
		q.flushMu.Lock()
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		if len(q.items) == 0 {
			q.state = Idle
			q.mu.Unlock()
			q.flushMu.Unlock()
			return
		}
		batch := q.startFlushLocked()
		q.mu.Unlock()

		q.deliver(batch)

		q.mu.Lock()
		q.state = Idle
		q.mu.Unlock()
		q.flushMu.Unlock()
	}
}
