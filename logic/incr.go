package logic

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/levonmo/mongo-listener/checkpoint"
	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/metrics"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/source"
)

func checkpointError(op string) {
	metrics.CheckpointErrors.WithLabelValues(op).Inc()
}

func newResubscribeBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// stream tails the oplog from since until ctx is done. When resubscribe
// is on, an ended or failed subscription is reopened from the last
// observed position after a backoff.
func (l *Listener) stream(ctx context.Context, since *model.Position) error {
	b := newResubscribeBackOff()
	for {
		if last := l.LastPosition(); last != nil {
			since = last
		}
		s, err := l.source.Tail(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !l.cfg.Resubscribe {
				return err
			}
			l.log.WithError(err).Error("unable to tail oplog")
		} else {
			if l.consume(ctx, s) {
				b.Reset()
			}
			if ctx.Err() != nil {
				return nil
			}
			l.log.Info("Stream ended")
			if !l.cfg.Resubscribe {
				return nil
			}
		}

		wait := b.NextBackOff()
		l.log.Infof("resubscribing in %s", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consume handles the events of one subscription in order. It reports
// whether any op was seen.
func (l *Listener) consume(ctx context.Context, s source.Stream) bool {
	defer s.Stop()
	seen := false
	for {
		select {
		case <-ctx.Done():
			return seen
		case ev, ok := <-s.Events():
			if !ok {
				return seen
			}
			if ev.Err != nil {
				l.log.WithError(ev.Err).Error("oplog stream error")
				continue
			}
			seen = true
			l.handleOp(ctx, ev.Op)
		}
	}
}

// handleOp dispatches one op and then records its position. The
// checkpoint moves as soon as the op is handed to the processor, not when
// the sink confirms it, so a crash replays rather than skips it.
func (l *Listener) handleOp(ctx context.Context, op model.Op) {
	if op.Namespace != l.ns {
		metrics.OpsCount.WithLabelValues(string(op.Kind), metrics.Ignored).Inc()
		return
	}
	id := op.ID()
	l.processor.ProcessOp(ctx, op, func(err error) {
		if err != nil {
			metrics.OpsCount.WithLabelValues(string(op.Kind), metrics.Failed).Inc()
			l.log.WithError(err).WithField("ts", op.Position).Errorf("error processing op %s %v", op.Kind, id)
		}
	})
	if !op.Position.IsZero() {
		l.setLastOp(op.Position)
	}
}

// setLastOp records pos as the newest observed position and hands it to
// the checkpoint writer. It never waits on the store.
func (l *Listener) setLastOp(pos model.Position) {
	l.setLast(pos)
	metrics.LastPosition.Set(float64(pos.T))
	l.checkpoints.offer(pos)
}

// checkpointWriter persists positions on its own goroutine. Offers made
// while a write is in flight collapse into the newest one, and writes
// happen one at a time in offer order, so the store only moves forward.
type checkpointWriter struct {
	store checkpoint.Store
	log   *logrus.Entry

	mu      sync.Mutex
	pending *model.Position
	wake    chan struct{}
}

func newCheckpointWriter(store checkpoint.Store, log *logrus.Entry) *checkpointWriter {
	return &checkpointWriter{
		store: store,
		log:   log,
		wake:  make(chan struct{}, 1),
	}
}

func (w *checkpointWriter) offer(pos model.Position) {
	w.mu.Lock()
	w.pending = &pos
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run writes offered positions until stop is closed, then writes the last
// pending one.
func (w *checkpointWriter) run(stop <-chan struct{}) {
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-stop:
			w.flush()
			return
		}
	}
}

func (w *checkpointWriter) flush() {
	w.mu.Lock()
	pos := w.pending
	w.pending = nil
	w.mu.Unlock()
	if pos == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), conts.CheckpointTimeout)
	defer cancel()
	if err := w.store.Set(ctx, *pos); err != nil {
		checkpointError("set")
		w.log.WithError(err).Errorf("unable to store lastop %s", pos)
	}
}
