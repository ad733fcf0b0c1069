package logic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/levonmo/mongo-listener/config"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/sink"
	"github.com/levonmo/mongo-listener/source"
	"github.com/levonmo/mongo-listener/utils"
)

// recordingSink keeps every batch it is handed.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]model.Document
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (s *recordingSink) ProcessDocs(_ context.Context, docs []model.Document) (sink.Result, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, docs)
	if s.err != nil {
		return sink.Result{}, s.err
	}
	return sink.Result{Processed: len(docs)}, nil
}

func (s *recordingSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *recordingSink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

func (s *recordingSink) docs() []model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Document
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// ids returns the sorted, stringified sink ids of everything delivered.
func (s *recordingSink) ids() []string {
	var out []string
	for _, d := range s.docs() {
		out = append(out, utils.DocID(d["objectID"]))
	}
	sort.Strings(out)
	return out
}

// fakeGetter serves documents from a map.
type fakeGetter struct {
	mu    sync.Mutex
	docs  map[interface{}]model.Document
	err   error
	delay time.Duration
	calls []interface{}
}

func (g *fakeGetter) GetDoc(ctx context.Context, id interface{}) (model.Document, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, id)
	if g.err != nil {
		return nil, g.err
	}
	doc, ok := g.docs[id]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (g *fakeGetter) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// memStore is an in-memory checkpoint store.
type memStore struct {
	mu       sync.Mutex
	pos      *model.Position
	sets     []model.Position
	getErr   error
	setDelay time.Duration
}

func (m *memStore) Get(context.Context) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.pos == nil {
		return nil, nil
	}
	p := *m.pos
	return &p, nil
}

func (m *memStore) Set(_ context.Context, pos model.Position) error {
	if m.setDelay > 0 {
		time.Sleep(m.setDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = &pos
	m.sets = append(m.sets, pos)
	return nil
}

func (m *memStore) setCalls() []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Position(nil), m.sets...)
}

func (m *memStore) current() *model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// fakeSource hands out one test-controlled stream per Tail call.
type fakeSource struct {
	mu      sync.Mutex
	streams []*chanStream
	since   []*model.Position
	tails   chan *chanStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{tails: make(chan *chanStream, 16)}
}

func (f *fakeSource) Tail(_ context.Context, since *model.Position) (source.Stream, error) {
	s := &chanStream{events: make(chan source.Event, 16)}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.since = append(f.since, since)
	f.mu.Unlock()
	f.tails <- s
	return s, nil
}

func (f *fakeSource) sinceArgs() []*model.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Position(nil), f.since...)
}

type chanStream struct {
	events chan source.Event
	once   sync.Once
}

func (c *chanStream) Events() <-chan source.Event {
	return c.events
}

func (c *chanStream) Stop() {}

func (c *chanStream) end() {
	c.once.Do(func() { close(c.events) })
}

// sliceCursor walks a fixed set of documents like a *mongo.Cursor.
type sliceCursor struct {
	docs    []bson.M
	pos     int
	current bson.M
	closed  bool
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos >= len(c.docs) {
		return false
	}
	c.current = c.docs[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor) Decode(val interface{}) error {
	raw, err := bson.Marshal(c.current)
	if err != nil {
		return errors.WithStack(err)
	}
	return bson.Unmarshal(raw, val)
}

func (c *sliceCursor) Err() error { return nil }

func (c *sliceCursor) Close(context.Context) error {
	c.closed = true
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Mongo = config.MongoConfig{URI: "mongodb://test", DB: "shop", Collection: "products"}
	cfg.BatchProcessDelayMS = 5
	if err := cfg.Preflight(); err != nil {
		panic(err)
	}
	return cfg
}
