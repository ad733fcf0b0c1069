// Package checkpoint persists the position of the last observed oplog
// entry so a restarted listener resumes instead of starting over.
package checkpoint

import (
	"context"

	"github.com/levonmo/mongo-listener/model"
)

// Store reads and writes the last processed position. Get returns a nil
// position when nothing has been stored yet. Writes are last-write-wins.
type Store interface {
	Get(ctx context.Context) (*model.Position, error)
	Set(ctx context.Context, pos model.Position) error
}
