// Package transform applies the user mapping to filtered documents.
package transform

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/model"
)

// Transformer maps a filtered document to the document handed to the
// sink. Returning a nil document drops it.
type Transformer interface {
	Transform(ctx context.Context, doc model.Document) (model.Document, error)
}

// Func adapts a plain function.
type Func func(ctx context.Context, doc model.Document) (model.Document, error)

func (f Func) Transform(ctx context.Context, doc model.Document) (model.Document, error) {
	return f(ctx, doc)
}

// Apply runs t over doc and never fails: an error or a panic inside t
// yields a document flagged with processingFailed so the failure shows up
// at the sink. A nil t is the identity.
func Apply(ctx context.Context, t Transformer, doc model.Document) model.Document {
	if t == nil || doc == nil {
		return doc
	}
	id := doc.ID()
	out, err := call(ctx, t, doc)
	if err != nil {
		return FailedDocument(id, err)
	}
	if out == nil {
		return nil
	}
	if _, ok := out[conts.SourceIDField]; !ok && id != nil {
		out[conts.SourceIDField] = id
	}
	return out
}

func call(ctx context.Context, t Transformer, doc model.Document) (out model.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("transform panic: %v", r)
		}
	}()
	return t.Transform(ctx, doc)
}

// FailedDocument is what the sink receives for a document whose
// transform failed.
func FailedDocument(id interface{}, err error) model.Document {
	return model.Document{
		conts.SourceIDField: id,
		"processingFailed":  true,
		"processingError":   fmt.Sprint(errors.Cause(err)),
		"tags":              []interface{}{conts.ProcessingFailedTag},
	}
}
