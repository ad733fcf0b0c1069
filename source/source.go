// Package source reads ops and documents from the source database.
package source

import (
	"context"

	"github.com/levonmo/mongo-listener/model"
)

// Event is one item of an op stream: either an op or a stream error.
type Event struct {
	Op  model.Op
	Err error
}

// Stream delivers events in oplog order. The events channel is closed
// when the stream ends.
type Stream interface {
	Events() <-chan Event
	Stop()
}

// OpSource opens op streams. A nil since starts at the current end of
// the oplog.
type OpSource interface {
	Tail(ctx context.Context, since *model.Position) (Stream, error)
}
