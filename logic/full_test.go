package logic

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/sink"
)

func productDocs(n int) []bson.M {
	docs := make([]bson.M, n)
	for i := range docs {
		docs[i] = bson.M{"_id": fmt.Sprintf("p%02d", i), "name": fmt.Sprintf("product %d", i)}
	}
	return docs
}

func TestBackfillProcessesEveryDocument(t *testing.T) {
	defer leaktest.Check(t)()

	s := &recordingSink{}
	q := NewQueue(s, 2*time.Millisecond, 100, "objectID")
	b := NewBackfill(NewProcessor(q, nil, nil, nil))

	cursor := &sliceCursor{docs: productDocs(25)}
	stats, err := b.Run(context.Background(), cursor, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 25, stats.Count)
	assert.True(t, cursor.closed)

	want := make([]string, 25)
	for i := range want {
		want[i] = fmt.Sprintf("p%02d", i)
	}
	assert.Equal(t, want, s.ids())
}

func TestBackfillBoundsDocumentsInFlight(t *testing.T) {
	s := &recordingSink{}
	q := NewQueue(s, 2*time.Millisecond, 100, "objectID")
	b := NewBackfill(NewProcessor(q, nil, nil, nil))

	_, err := b.Run(context.Background(), &sliceCursor{docs: productDocs(12)}, 3)
	require.NoError(t, err)
	for _, n := range s.sizes() {
		assert.LessOrEqual(t, n, 3)
	}
	assert.Len(t, s.docs(), 12)
}

func TestBackfillStopsOnFirstError(t *testing.T) {
	boom := errors.New("cluster unavailable")
	q := NewQueue(sink.Func(func(context.Context, []model.Document) (sink.Result, error) {
		return sink.Result{}, boom
	}), time.Millisecond, 100, "objectID")
	b := NewBackfill(NewProcessor(q, nil, nil, nil))

	cursor := &sliceCursor{docs: productDocs(50)}
	_, err := b.Run(context.Background(), cursor, 2)
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
	assert.Less(t, cursor.pos, 50)
	assert.True(t, cursor.closed)
}

func TestBackfillEmptyCollection(t *testing.T) {
	s := &recordingSink{}
	q := NewQueue(s, time.Millisecond, 100, "objectID")
	b := NewBackfill(NewProcessor(q, nil, nil, nil))

	stats, err := b.Run(context.Background(), &sliceCursor{}, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
	assert.Zero(t, s.calls())
}
