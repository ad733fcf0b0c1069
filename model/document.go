package model

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/levonmo/mongo-listener/conts"
)

// Document is a decoded source document. A stage owns the document it is
// working on until it hands it to the next stage.
type Document map[string]interface{}

func (d Document) ID() interface{} {
	return d[conts.SourceIDField]
}

// Clone copies the document, descending into nested documents and arrays.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	if m, ok := AsDocument(v); ok {
		return m.Clone()
	}
	if a, ok := AsArray(v); ok {
		out := make([]interface{}, len(a))
		for i := range a {
			out[i] = cloneValue(a[i])
		}
		return out
	}
	return v
}

// AsDocument reports whether v is a nested document, normalizing the
// shapes the bson decoder produces.
func AsDocument(v interface{}) (Document, bool) {
	switch t := v.(type) {
	case Document:
		return t, true
	case map[string]interface{}:
		return Document(t), true
	case primitive.M:
		return Document(t), true
	case primitive.D:
		out := make(Document, len(t))
		for _, e := range t {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// AsArray reports whether v is an array.
func AsArray(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case primitive.A:
		return []interface{}(t), true
	case []Document:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	}
	return nil, false
}

// FromBSON decodes raw bson into a Document.
func FromBSON(raw bson.Raw) (Document, error) {
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Document(m), nil
}
