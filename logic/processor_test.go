package logic

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levonmo/mongo-listener/filter"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/transform"
)

// result captures the single Done call of a processed op.
type result struct {
	ch chan error
}

func newResult() *result {
	return &result{ch: make(chan error, 2)}
}

func (r *result) done(err error) {
	r.ch <- err
}

func (r *result) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("done was never called")
		return nil
	}
}

func (r *result) once(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
		t.Fatal("done called twice")
	case <-time.After(20 * time.Millisecond):
	}
}

var productFilter = filter.Tree{
	"name":  filter.Leaf(),
	"price": filter.Leaf(),
	"stock": filter.Sub(filter.Tree{"count": filter.Leaf()}),
}

func newTestProcessor(s *recordingSink, g DocGetter, tree filter.Tree, tr transform.Transformer) (*Processor, *Queue) {
	q := NewQueue(s, time.Hour, 100, "objectID")
	return NewProcessor(q, g, tree, tr), q
}

func TestProcessOpIgnoresOtherKinds(t *testing.T) {
	s := &recordingSink{}
	g := &fakeGetter{}
	p, q := newTestProcessor(s, g, nil, nil)

	for _, kind := range []model.OpKind{model.OpDelete, model.OpCommand, model.OpNoop} {
		r := newResult()
		p.ProcessOp(context.Background(), model.Op{Kind: kind, Object: model.Document{"_id": 1}}, r.done)
		assert.NoError(t, r.wait(t))
		r.once(t)
	}
	q.Drain()
	assert.Zero(t, s.calls())
	assert.Zero(t, g.callCount())
}

func TestProcessOpInsertIsSynchronous(t *testing.T) {
	s := &recordingSink{}
	p, q := newTestProcessor(s, nil, productFilter, nil)

	obj := model.Document{"_id": 7, "name": "lamp", "secret": "x"}
	r := newResult()
	p.ProcessOp(context.Background(), model.Op{Kind: model.OpInsert, Object: obj}, r.done)
	assert.Equal(t, 1, q.Len())

	q.Drain()
	assert.NoError(t, r.wait(t))
	assert.Equal(t, []model.Document{{"objectID": 7, "name": "lamp"}}, s.docs())
	assert.Equal(t, model.Document{"_id": 7, "name": "lamp", "secret": "x"}, obj)
}

func TestProcessOpReplacement(t *testing.T) {
	s := &recordingSink{}
	g := &fakeGetter{}
	p, q := newTestProcessor(s, g, nil, nil)

	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"_id": 7, "name": "desk"},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(context.Background(), op, r.done)
	q.Drain()
	assert.NoError(t, r.wait(t))
	assert.Zero(t, g.callCount())
	assert.Equal(t, []model.Document{{"objectID": 7, "name": "desk"}}, s.docs())
}

func TestProcessOpPartialUpdateFetches(t *testing.T) {
	s := &recordingSink{}
	g := &fakeGetter{docs: map[interface{}]model.Document{
		7: {"_id": 7, "name": "lamp", "price": 12, "secret": "x"},
	}}
	p, q := newTestProcessor(s, g, productFilter, nil)

	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"$set": model.Document{"price": 12}},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(context.Background(), op, r.done)
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, time.Millisecond)
	q.Drain()

	assert.NoError(t, r.wait(t))
	assert.Equal(t, []interface{}{7}, g.calls)
	assert.Equal(t, []model.Document{{"objectID": 7, "name": "lamp", "price": 12}}, s.docs())
}

func TestProcessOpPartialUpdateFilteredOut(t *testing.T) {
	s := &recordingSink{}
	g := &fakeGetter{}
	p, q := newTestProcessor(s, g, productFilter, nil)

	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"$set": model.Document{"secret": "y", "stock.warehouse": "b"}},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(context.Background(), op, r.done)
	assert.NoError(t, r.wait(t))
	r.once(t)
	q.Drain()
	assert.Zero(t, g.callCount())
	assert.Zero(t, s.calls())
}

func TestProcessOpPartialUpdateNestedField(t *testing.T) {
	s := &recordingSink{}
	g := &fakeGetter{docs: map[interface{}]model.Document{
		7: {"_id": 7, "stock": model.Document{"count": 3, "warehouse": "b"}},
	}}
	p, q := newTestProcessor(s, g, productFilter, nil)

	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"$set": model.Document{"stock.count": 3}},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(context.Background(), op, r.done)
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, time.Millisecond)
	q.Drain()
	assert.NoError(t, r.wait(t))
	assert.Equal(t, []model.Document{{"objectID": 7, "stock": model.Document{"count": 3}}}, s.docs())
}

func TestProcessOpFetchError(t *testing.T) {
	boom := errors.New("connection reset")
	s := &recordingSink{}
	g := &fakeGetter{err: boom}
	p, q := newTestProcessor(s, g, nil, nil)

	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"$set": model.Document{"name": "x"}},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(context.Background(), op, r.done)
	err := r.wait(t)
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
	q.Drain()
	assert.Zero(t, s.calls())
}

func TestProcessOpDocumentGone(t *testing.T) {
	s := &recordingSink{}
	g := &fakeGetter{}
	p, q := newTestProcessor(s, g, nil, nil)

	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"$set": model.Document{"name": "x"}},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(context.Background(), op, r.done)
	assert.NoError(t, r.wait(t))
	q.Drain()
	assert.Equal(t, 1, g.callCount())
	assert.Zero(t, s.calls())
}

func TestProcessOpMissingGetter(t *testing.T) {
	p, _ := newTestProcessor(&recordingSink{}, nil, nil, nil)

	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"$set": model.Document{"name": "x"}},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(context.Background(), op, r.done)
	assert.Equal(t, ErrMissingDocGetter, r.wait(t))
}

func TestProcessDocTransformFailure(t *testing.T) {
	s := &recordingSink{}
	tr := transform.Func(func(_ context.Context, doc model.Document) (model.Document, error) {
		if doc["name"] == "bad" {
			return nil, errors.New("cannot map bad")
		}
		doc["upper"] = true
		return doc, nil
	})
	p, q := newTestProcessor(s, nil, nil, tr)

	r1, r2 := newResult(), newResult()
	p.ProcessDoc(context.Background(), model.Document{"_id": 1, "name": "good"}, false, r1.done)
	p.ProcessDoc(context.Background(), model.Document{"_id": 2, "name": "bad"}, false, r2.done)
	q.Drain()
	assert.NoError(t, r1.wait(t))
	assert.NoError(t, r2.wait(t))

	assert.Equal(t, []model.Document{
		{"objectID": 1, "name": "good", "upper": true},
		{
			"objectID":         2,
			"processingFailed": true,
			"processingError":  "cannot map bad",
			"tags":             []interface{}{"processing-failed"},
		},
	}, s.docs())
}

func TestProcessDocTransformDrops(t *testing.T) {
	s := &recordingSink{}
	tr := transform.Func(func(context.Context, model.Document) (model.Document, error) {
		return nil, nil
	})
	p, q := newTestProcessor(s, nil, nil, tr)

	r := newResult()
	p.ProcessDoc(context.Background(), model.Document{"_id": 1}, false, r.done)
	assert.NoError(t, r.wait(t))
	q.Drain()
	assert.Zero(t, s.calls())
}

func TestProcessDocKeepsIDWhenFiltered(t *testing.T) {
	s := &recordingSink{}
	p, q := newTestProcessor(s, nil, filter.Tree{"name": filter.Leaf()}, nil)

	r := newResult()
	p.ProcessDoc(context.Background(), model.Document{"_id": "abc", "name": "n", "other": 1}, true, r.done)
	q.Drain()
	assert.NoError(t, r.wait(t))
	assert.Equal(t, []model.Document{{"objectID": "abc", "name": "n"}}, s.docs())
}

func TestProcessDocNothingSurvivesFilter(t *testing.T) {
	s := &recordingSink{}
	p, q := newTestProcessor(s, nil, filter.Tree{"name": filter.Leaf()}, nil)

	r := newResult()
	p.ProcessDoc(context.Background(), model.Document{"_id": "abc", "other": 1}, false, r.done)
	assert.NoError(t, r.wait(t))
	q.Drain()
	assert.Zero(t, s.calls())
}

func TestProcessDocCancelled(t *testing.T) {
	s := &recordingSink{}
	p, q := newTestProcessor(s, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newResult()
	p.ProcessDoc(ctx, model.Document{"_id": 1}, true, r.done)
	assert.ErrorIs(t, r.wait(t), context.Canceled)
	assert.Zero(t, q.Len())
}

func TestProcessDocSinkErrorReachesDone(t *testing.T) {
	boom := errors.New("index closed")
	s := &recordingSink{err: boom}
	p, q := newTestProcessor(s, nil, nil, nil)

	r := newResult()
	p.ProcessDoc(context.Background(), model.Document{"_id": 1}, false, r.done)
	q.Drain()
	assert.Equal(t, boom, r.wait(t))
}

func TestProcessOpReadOutlivesCancellation(t *testing.T) {
	s := &recordingSink{}
	g := &fakeGetter{
		delay: 50 * time.Millisecond,
		docs:  map[interface{}]model.Document{7: {"_id": 7, "name": "lamp"}},
	}
	p, q := newTestProcessor(s, g, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r := newResult()
	op := model.Op{
		Kind:   model.OpUpdate,
		Object: model.Document{"$set": model.Document{"name": "lamp"}},
		Query:  model.Document{"_id": 7},
	}
	p.ProcessOp(ctx, op, r.done)
	cancel()

	p.Wait()
	assert.Equal(t, 1, q.Len())
	q.Drain()
	assert.NoError(t, r.wait(t))
	assert.Equal(t, []model.Document{{"objectID": 7, "name": "lamp"}}, s.docs())
}
