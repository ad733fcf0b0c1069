package source

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/model"
)

// Oplog tails local.oplog.rs for a single namespace.
type Oplog struct {
	client *mongo.Client
	ns     string
	log    *logrus.Entry
}

var _ OpSource = (*Oplog)(nil)

func NewOplog(client *mongo.Client, ns string) *Oplog {
	return &Oplog{
		client: client,
		ns:     ns,
		log:    log.WithComponent("oplog").WithField("ns", ns),
	}
}

func (o *Oplog) collection() *mongo.Collection {
	return o.client.Database("local").Collection("oplog.rs")
}

// Newest returns the position of the most recent op in the oplog, or the
// current wall clock when the oplog is empty.
func (o *Oplog) Newest(ctx context.Context) (model.Position, error) {
	var latest model.OpLog
	opts := options.FindOne().SetSort(bson.M{"$natural": -1})
	err := o.collection().FindOne(ctx, model.ValidOps(), opts).Decode(&latest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.NewPosition(uint32(time.Now().Unix()), 0), nil
	}
	if err != nil {
		return model.Position{}, errors.Wrap(err, "find latest oplog.rs entry failed")
	}
	return model.Position(latest.Timestamp), nil
}

func (o *Oplog) Tail(ctx context.Context, since *model.Position) (Stream, error) {
	if since == nil {
		newest, err := o.Newest(ctx)
		if err != nil {
			return nil, err
		}
		since = &newest
	}
	query := bson.M{
		"ts":          bson.M{"$gt": since.Timestamp()},
		"op":          bson.M{"$in": model.OpCodes},
		"ns":          o.ns,
		"fromMigrate": bson.M{"$exists": false},
	}
	opts := options.Find().
		SetSort(bson.M{"$natural": 1}).
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(conts.OplogQueryTailTimeoutDuration)

	ctx, cancel := context.WithCancel(ctx)
	cursor, err := o.collection().Find(ctx, query, opts)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "tail oplog.rs since %s failed", since)
	}
	o.log.Infof("tailing oplog since %s", since)

	s := &oplogStream{
		events: make(chan Event, conts.OplogEventBufferSize),
		cancel: cancel,
		log:    o.log,
	}
	go s.run(ctx, cursor)
	return s, nil
}

type oplogStream struct {
	events chan Event
	cancel context.CancelFunc
	once   sync.Once
	log    *logrus.Entry
}

func (s *oplogStream) Events() <-chan Event {
	return s.events
}

func (s *oplogStream) Stop() {
	s.once.Do(s.cancel)
}

func (s *oplogStream) run(ctx context.Context, cursor *mongo.Cursor) {
	defer close(s.events)
	defer cursor.Close(context.Background())

	for cursor.Next(ctx) {
		var entry model.OpLog
		ev := Event{}
		if err := cursor.Decode(&entry); err != nil {
			ev.Err = errors.Wrap(err, "tail decode oplog.rs failed")
		} else {
			ev.Op = entry.Op()
		}
		if !s.send(ctx, ev) {
			return
		}
	}
	if err := cursor.Err(); err != nil && ctx.Err() == nil {
		s.send(ctx, Event{Err: errors.Wrap(err, "oplog cursor failed")})
	}
}

func (s *oplogStream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
