package transform

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/pkg/errors"

	"github.com/levonmo/mongo-listener/model"
)

// ScriptFunction is the global the user script must define:
//
//	function transform(doc) { doc.name = doc.name.toUpperCase(); return doc; }
const ScriptFunction = "transform"

// Script runs a JavaScript transform function. The runtime is not safe
// for concurrent use, so calls are serialized.
type Script struct {
	mu sync.Mutex
	rt *goja.Runtime
	fn goja.Callable
}

var _ Transformer = (*Script)(nil)

// LoadScript reads and compiles a script file.
func LoadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open transform script %s", path)
	}
	defer f.Close()
	src, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read transform script %s", path)
	}
	return NewScript(path, string(src))
}

// NewScript compiles src and looks up its transform function.
func NewScript(name, src string) (*Script, error) {
	prog, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compile transform script")
	}
	rt := goja.New()
	if _, err := rt.RunProgram(prog); err != nil {
		return nil, errors.Wrap(err, "unable to run transform script")
	}
	fn, ok := goja.AssertFunction(rt.Get(ScriptFunction))
	if !ok {
		return nil, errors.Errorf("transform script must define a %s(doc) function", ScriptFunction)
	}
	return &Script{rt: rt, fn: fn}, nil
}

func (s *Script) Transform(_ context.Context, doc model.Document) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.fn(goja.Undefined(), s.rt.ToValue(map[string]interface{}(doc)))
	if err != nil {
		if ex, ok := err.(*goja.Exception); ok {
			return nil, errors.New(ex.Value().String())
		}
		return nil, err
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	exported, ok := res.Export().(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("transform returned %T, expected an object", res.Export())
	}
	return model.Document(exported), nil
}
