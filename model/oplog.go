package model

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/levonmo/mongo-listener/conts"
)

// ValidOps matches the oplog entries worth reading back from local.oplog.rs.
func ValidOps() bson.M {
	return bson.M{"op": bson.M{"$in": OpCodes}}
}

var OpCodes = [...]string{conts.OperationCommand, conts.OperationInsert, conts.OperationUpdate, conts.OperationDelete}

// OpLog is one raw entry of local.oplog.rs.
type OpLog struct {
	Timestamp    primitive.Timestamp `bson:"ts"`
	HistoryID    int64               `bson:"h,omitempty"`
	MongoVersion int                 `bson:"v,omitempty"`
	Operation    string              `bson:"op"`
	Namespace    string              `bson:"ns"`
	Doc          bson.M              `bson:"o"`
	Update       bson.M              `bson:"o2,omitempty"`
	FromMigrate  bool                `bson:"fromMigrate,omitempty"`
}

// OpKind is the single letter operation code of an oplog entry.
type OpKind string

const (
	OpInsert  OpKind = conts.OperationInsert
	OpUpdate  OpKind = conts.OperationUpdate
	OpDelete  OpKind = conts.OperationDelete
	OpCommand OpKind = conts.OperationCommand
	OpNoop    OpKind = conts.OperationNoop
)

// Op is an oplog entry as seen by the pipeline.
type Op struct {
	Kind      OpKind
	Namespace string
	// Object is the inserted document, the replacement document or the
	// update specification.
	Object Document
	// Query carries the _id of the updated document.
	Query    Document
	Position Position
}

// Op converts the raw record.
func (o OpLog) Op() Op {
	op := Op{
		Kind:      OpKind(o.Operation),
		Namespace: o.Namespace,
		Position:  Position(o.Timestamp),
	}
	if o.Doc != nil {
		op.Object = Document(o.Doc)
	}
	if o.Update != nil {
		op.Query = Document(o.Update)
	}
	return op
}

// ID returns the identifier of the document the op touches, preferring
// the update query over the payload.
func (o Op) ID() interface{} {
	if o.Query != nil {
		if id, ok := o.Query[conts.SourceIDField]; ok {
			return id
		}
	}
	if o.Object != nil {
		return o.Object[conts.SourceIDField]
	}
	return nil
}

// IsPartialUpdate reports whether the op is an update expressed with
// operators rather than a full replacement document.
func (o Op) IsPartialUpdate() bool {
	if o.Kind != OpUpdate || o.Object == nil || o.Query == nil {
		return false
	}
	for name := range o.Object {
		if strings.HasPrefix(name, "$") {
			return true
		}
	}
	return false
}
