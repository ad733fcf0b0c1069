package source

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/levonmo/mongo-listener/model"
)

// Collection fetches current documents of the watched collection.
type Collection struct {
	coll *mongo.Collection
}

func NewCollection(client *mongo.Client, db, coll string) *Collection {
	return &Collection{coll: client.Database(db).Collection(coll)}
}

// GetDoc returns the current document with the given id, or nil when it
// no longer exists.
func (c *Collection) GetDoc(ctx context.Context, id interface{}) (model.Document, error) {
	var doc bson.M
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find document %v failed", id)
	}
	return model.Document(doc), nil
}

// All opens a cursor over the whole collection.
func (c *Collection) All(ctx context.Context) (*mongo.Cursor, error) {
	cursor, err := c.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "coll.Find failed")
	}
	return cursor, nil
}
