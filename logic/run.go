package logic

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/levonmo/mongo-listener/checkpoint"
	"github.com/levonmo/mongo-listener/config"
	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/sink"
	"github.com/levonmo/mongo-listener/source"
	"github.com/levonmo/mongo-listener/transform"
)

// State is the lifecycle stage of a Listener.
type State int32

const (
	Initializing State = iota
	ResolvingStartPosition
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case ResolvingStartPosition:
		return "resolving-start-position"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Dependencies are the collaborators a Listener is wired to.
type Dependencies struct {
	Source      source.OpSource
	Store       checkpoint.Store
	Sink        sink.Sink
	Getter      DocGetter
	Transformer transform.Transformer
	// Cursor opens the cursor walked when there is no checkpoint. Setting
	// it to a fixed cursor overrides the full collection scan.
	Cursor func(ctx context.Context) (Cursor, error)
	// OnFatal is called when the collection walk fails. It defaults to
	// logging the error and exiting with status 1.
	OnFatal func(err error)
}

// newestFinder is implemented by sources that can tell where the oplog
// currently ends.
type newestFinder interface {
	Newest(ctx context.Context) (model.Position, error)
}

// Listener ties the pipeline together: it decides between resuming and
// walking the collection, tails the oplog, pushes every op through the
// processor and advances the checkpoint.
type Listener struct {
	cfg       *config.Config
	ns        string
	source    source.OpSource
	store     checkpoint.Store
	queue     *Queue
	processor *Processor
	backfill  *Backfill
	cursor    func(ctx context.Context) (Cursor, error)
	onFatal   func(err error)
	log       *logrus.Entry

	checkpoints *checkpointWriter

	state       atomic.Int32
	backfilling atomic.Bool
	backfillWG  sync.WaitGroup

	lastMu sync.RWMutex
	last   *model.Position
}

func NewListener(cfg *config.Config, deps Dependencies) (*Listener, error) {
	if deps.Source == nil {
		return nil, errors.New("an op source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("a checkpoint store is required")
	}
	queue := NewQueue(deps.Sink, cfg.BatchProcessDelay(), cfg.MaxBatchSize, cfg.IDField)
	processor := NewProcessor(queue, deps.Getter, cfg.Filter, deps.Transformer)

	l := &Listener{
		cfg:       cfg,
		ns:        cfg.Mongo.Namespace(),
		source:    deps.Source,
		store:     deps.Store,
		queue:     queue,
		processor: processor,
		backfill:  NewBackfill(processor),
		cursor:    deps.Cursor,
		onFatal:   deps.OnFatal,
		log:       log.WithComponent("listener").WithField("ns", cfg.Mongo.Namespace()),
	}
	l.checkpoints = newCheckpointWriter(deps.Store, l.log)
	if l.onFatal == nil {
		l.onFatal = func(err error) {
			l.log.WithError(err).Fatal("error processing entire collection")
		}
	}
	return l, nil
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	l.log.Debugf("listener %s", s)
}

// Backfilling reports whether the collection walk is running.
func (l *Listener) Backfilling() bool {
	return l.backfilling.Load()
}

// QueueDepth is the number of documents waiting for the sink.
func (l *Listener) QueueDepth() int {
	return l.queue.Len()
}

func (l *Listener) setLast(pos model.Position) {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	l.last = &pos
}

// LastPosition is the position of the most recent op seen on the stream,
// or the position the stream was started from before any op arrived.
func (l *Listener) LastPosition() *model.Position {
	l.lastMu.RLock()
	defer l.lastMu.RUnlock()
	if l.last == nil {
		return nil
	}
	pos := *l.last
	return &pos
}

// Run blocks until ctx is cancelled or the stream ends for good. Before
// returning it waits for the collection walk and pending document reads,
// flushes the queue and writes the last checkpoint.
func (l *Listener) Run(ctx context.Context) error {
	l.setState(ResolvingStartPosition)
	since := l.startPosition(ctx)

	if since != nil {
		l.log.Infof("resuming from timestamp %s", since)
		l.setLast(*since)
	} else {
		l.log.Info("unable to determine last op")
		if since = l.pinTail(ctx); since != nil {
			l.setLast(*since)
		}
		if l.cfg.SkipFullUpsert {
			l.log.Info("skipping full upsert, only new ops will be processed")
		} else {
			l.log.Info("unable to determine last op, processing entire collection...")
			l.backfillWG.Add(1)
			l.backfilling.Store(true)
			go l.processEntireCollection(ctx)
		}
	}

	stop := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		l.checkpoints.run(stop)
	}()

	l.setState(Streaming)
	err := l.stream(ctx, since)

	l.backfillWG.Wait()
	l.processor.Wait()
	l.queue.Drain()
	close(stop)
	<-written
	l.setState(Stopped)
	l.log.Info("server stopped")
	return err
}

// startPosition reads the checkpoint. Failures are logged and treated as
// a missing checkpoint.
func (l *Listener) startPosition(ctx context.Context) *model.Position {
	ctx, cancel := context.WithTimeout(ctx, conts.CheckpointTimeout)
	defer cancel()
	since, err := l.store.Get(ctx)
	if err != nil {
		checkpointError("get")
		l.log.WithError(err).Error("error reading lastop")
		return nil
	}
	return since
}

// pinTail resolves the current end of the oplog so a later resubscribe
// continues from there rather than from a newer tail.
func (l *Listener) pinTail(ctx context.Context) *model.Position {
	finder, ok := l.source.(newestFinder)
	if !ok {
		return nil
	}
	pos, err := finder.Newest(ctx)
	if err != nil {
		l.log.WithError(err).Warn("unable to find the end of the oplog, tailing from the current end")
		return nil
	}
	return &pos
}

func (l *Listener) processEntireCollection(ctx context.Context) {
	defer l.backfillWG.Done()
	defer l.backfilling.Store(false)

	if l.cursor == nil {
		l.onFatal(errors.New("no collection cursor configured"))
		return
	}
	cursor, err := l.cursor(ctx)
	if err != nil {
		l.onFatal(errors.Wrap(err, "unable to open collection cursor"))
		return
	}
	stats, err := l.backfill.Run(ctx, cursor, l.cfg.BackfillConcurrency)
	if err != nil {
		if ctx.Err() != nil {
			l.log.WithError(err).Warn("collection walk interrupted by shutdown")
			return
		}
		l.onFatal(err)
		return
	}
	secs := int64(stats.Elapsed.Seconds())
	l.log.Infof("entire collection processed (%d documents, %dm%ds).", stats.Count, secs/60, secs%60)
}
