// Package filter decides which fields of a source document the pipeline
// cares about.
//
// A Tree maps field names to a Node. An Allow node lets the field and
// everything below it through; a Subtree node only lets through the
// nested fields its own Tree names. Fields missing from the tree are
// dropped. A nil Tree lets everything through.
package filter

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/levonmo/mongo-listener/model"
)

type NodeKind int

const (
	Allow NodeKind = iota
	Subtree
)

type Node struct {
	Kind NodeKind
	Tree Tree
}

type Tree map[string]Node

// Leaf allows a field and all of its children.
func Leaf() Node {
	return Node{Kind: Allow}
}

// Sub restricts a field to the children named by t.
func Sub(t Tree) Node {
	if t == nil {
		t = Tree{}
	}
	return Node{Kind: Subtree, Tree: t}
}

// Document returns a pruned copy of doc. The result is nil when nothing
// survives. doc itself is left untouched.
func (t Tree) Document(doc model.Document) model.Document {
	if doc == nil {
		return nil
	}
	if t == nil {
		out := make(model.Document, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		return out
	}
	out := pruneDocument(doc, t)
	if len(out) == 0 {
		return nil
	}
	return out
}

func pruneDocument(doc model.Document, t Tree) model.Document {
	out := make(model.Document, len(doc))
	for name, value := range doc {
		node, ok := t[name]
		if !ok {
			continue
		}
		switch node.Kind {
		case Allow:
			out[name] = value
		case Subtree:
			pruned, keep := pruneValue(value, node.Tree)
			if keep {
				out[name] = pruned
			}
		}
	}
	return out
}

// pruneValue applies a subtree to a nested value. Scalars pass through
// untouched; documents and arrays that end up empty are dropped.
func pruneValue(value interface{}, t Tree) (interface{}, bool) {
	if nested, ok := model.AsDocument(value); ok {
		pruned := pruneDocument(nested, t)
		return pruned, len(pruned) > 0
	}
	if items, ok := model.AsArray(value); ok {
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = pruneElement(item, t)
		}
		return out, len(out) > 0
	}
	return value, true
}

// pruneElement filters one array element against the array's subtree.
// Elements are never removed, so positions stay stable.
func pruneElement(item interface{}, t Tree) interface{} {
	if nested, ok := model.AsDocument(item); ok {
		return pruneDocument(nested, t)
	}
	if items, ok := model.AsArray(item); ok {
		out := make([]interface{}, len(items))
		for i := range items {
			out[i] = pruneElement(items[i], t)
		}
		return out
	}
	return item
}

// Field reports whether a dotted update path, or one of its ancestors,
// is allowed. Array positions ("0", "$", "$[]", "$[elem]") are skipped so
// element updates are checked against the element's fields.
func (t Tree) Field(path string) bool {
	if t == nil {
		return true
	}
	node := Sub(t)
	for _, member := range strings.Split(path, ".") {
		if isPositional(member) {
			continue
		}
		child, ok := node.Tree[member]
		if !ok {
			return false
		}
		if child.Kind == Allow {
			return true
		}
		node = child
	}
	return true
}

func isPositional(member string) bool {
	if member == "" || strings.HasPrefix(member, "$") {
		return true
	}
	for _, r := range member {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Op reports whether a partial update touches at least one allowed field.
// Operators other than $set and $unset are assumed to matter.
func (t Tree) Op(update model.Document) bool {
	if t == nil || update == nil {
		return true
	}
	paths, known := TouchedFields(update)
	if !known {
		return true
	}
	for _, p := range paths {
		if t.Field(p) {
			return true
		}
	}
	return false
}

// TouchedFields lists the field paths an update specification writes.
// known is false when the update contains something whose effect cannot
// be narrowed to a list of paths.
func TouchedFields(update model.Document) (paths []string, known bool) {
	names := make([]string, 0, len(update))
	for name := range update {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch {
		case name == "$set" || name == "$unset":
			fields, ok := model.AsDocument(update[name])
			if !ok {
				return nil, false
			}
			for field := range fields {
				paths = append(paths, field)
			}
		case name == "$v":
			// format version marker
		case name == "diff":
			diff, ok := model.AsDocument(update[name])
			if !ok {
				return nil, false
			}
			paths = append(paths, diffFields(diff, "")...)
		case strings.HasPrefix(name, "$"):
			return nil, false
		default:
			// a replacement document is not partial
			return nil, false
		}
	}
	sort.Strings(paths)
	return paths, true
}

// diffFields walks a "$v: 2" oplog diff: u, i and d hold updated, inserted
// and deleted fields, s<name> holds a nested diff.
func diffFields(diff model.Document, prefix string) []string {
	var paths []string
	for key, value := range diff {
		switch {
		case key == "u" || key == "i" || key == "d":
			fields, ok := model.AsDocument(value)
			if !ok {
				continue
			}
			for field := range fields {
				paths = append(paths, prefix+field)
			}
		case key == "a" || key == "l":
			// array diff markers
		case strings.HasPrefix(key, "s") && len(key) > 1:
			name := key[1:]
			nested, ok := model.AsDocument(value)
			if !ok {
				paths = append(paths, prefix+name)
				continue
			}
			if isArrayDiff(nested) {
				paths = append(paths, prefix+name)
				continue
			}
			paths = append(paths, diffFields(nested, prefix+name+".")...)
		}
	}
	return paths
}

func isArrayDiff(diff model.Document) bool {
	a, ok := diff["a"].(bool)
	return ok && a
}

// UnmarshalJSON reads {"field": true, "nested": {"child": true}}. Falsy
// leaves are treated as absent.
func (t *Tree) UnmarshalJSON(data []byte) error {
	if strings.TrimSpace(string(data)) == "null" {
		*t = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "filter must be a JSON object")
	}
	tree, err := parseTree(raw)
	if err != nil {
		return err
	}
	*t = tree
	return nil
}

func parseTree(raw map[string]json.RawMessage) (Tree, error) {
	tree := make(Tree, len(raw))
	for name, msg := range raw {
		var v interface{}
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, errors.Wrapf(err, "filter field %q", name)
		}
		switch t := v.(type) {
		case map[string]interface{}:
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(msg, &nested); err != nil {
				return nil, errors.Wrapf(err, "filter field %q", name)
			}
			sub, err := parseTree(nested)
			if err != nil {
				return nil, err
			}
			tree[name] = Sub(sub)
		case bool:
			if t {
				tree[name] = Leaf()
			}
		case float64:
			if t != 0 {
				tree[name] = Leaf()
			}
		case string:
			if t != "" {
				tree[name] = Leaf()
			}
		case nil:
		default:
			return nil, errors.Errorf("filter field %q: unsupported value %v", name, v)
		}
	}
	return tree, nil
}

// MarshalJSON writes the inverse of UnmarshalJSON.
func (t Tree) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(t))
	for name, node := range t {
		if node.Kind == Allow {
			out[name] = true
			continue
		}
		out[name] = node.Tree
	}
	return json.Marshal(out)
}
