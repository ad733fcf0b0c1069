// Package sink delivers batches of processed documents downstream.
// Sinks are expected to upsert by id, so redelivery is harmless.
package sink

import (
	"context"
	"time"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/model"
)

// Sink receives one batch per call.
type Sink interface {
	ProcessDocs(ctx context.Context, docs []model.Document) (Result, error)
}

// Result summarizes a delivered batch.
type Result struct {
	Processed int
	// Failed maps document ids the sink rejected to the reason.
	Failed map[string]string
}

// Func adapts a plain function.
type Func func(ctx context.Context, docs []model.Document) (Result, error)

func (f Func) ProcessDocs(ctx context.Context, docs []model.Document) (Result, error) {
	return f(ctx, docs)
}

// Noop accepts every batch after a short delay. It stands in when no
// sink is configured.
type Noop struct {
	Delay time.Duration
}

func NewNoop() *Noop {
	return &Noop{Delay: conts.NoopSinkDelay}
}

func (n *Noop) ProcessDocs(ctx context.Context, docs []model.Document) (Result, error) {
	select {
	case <-time.After(n.Delay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Result{Processed: len(docs)}, nil
}
