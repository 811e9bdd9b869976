// Package patch computes and applies ordered structural operations over
// JSON-shaped state trees (map[string]any, []any, and scalar leaves).
//
// A patch is the ordered list of operations describing the transition between
// two specific state versions: replaying Diff(old, new) against old always
// yields new. Operations inside one patch must be applied strictly in order.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// OpType is the kind of a single structural operation.
type OpType string

const (
	OpAdd     OpType = "add"
	OpReplace OpType = "replace"
	OpRemove  OpType = "remove"
)

// Path addresses one node in the state tree, root first. Map keys appear
// verbatim; slice indices appear in decimal form ("0", "1", ...).
type Path []string

func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	s := ""
	for _, token := range p {
		s += "/" + token
	}
	return s
}

// Operation is one structural step of a patch.
type Operation struct {
	Op    OpType `json:"op"`
	Path  Path   `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Document canonicalizes an arbitrary Go value into the JSON-shaped tree form
// Diff and Apply operate on (map[string]any, []any, float64, string, bool,
// nil). Two values that marshal to the same JSON produce equal documents.
func Document(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("patch: encode document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("patch: decode document: %w", err)
	}
	return doc, nil
}

// Diff computes the ordered operations transforming old into new.
//
// The output is deterministic: within an object, removed keys come first,
// then added/changed keys, each group in sorted key order; within an array,
// common indices are diffed in position order, then the tail is added in
// ascending order or removed in descending order (so earlier removals never
// shift the indices of later ones).
func Diff(old, new any) []Operation {
	var ops []Operation
	diffValue(nil, old, new, &ops)
	return ops
}

func diffValue(path Path, old, new any, ops *[]Operation) {
	if reflect.DeepEqual(old, new) {
		return
	}

	oldMap, oldIsMap := old.(map[string]any)
	newMap, newIsMap := new.(map[string]any)
	if oldIsMap && newIsMap {
		diffMap(path, oldMap, newMap, ops)
		return
	}

	oldArr, oldIsArr := old.([]any)
	newArr, newIsArr := new.([]any)
	if oldIsArr && newIsArr {
		diffArray(path, oldArr, newArr, ops)
		return
	}

	// Scalar change or container kind change: replace the whole node.
	*ops = append(*ops, Operation{Op: OpReplace, Path: clonePath(path), Value: new})
}

func diffMap(path Path, old, new map[string]any, ops *[]Operation) {
	var removed, present []string
	for k := range old {
		if _, ok := new[k]; !ok {
			removed = append(removed, k)
		}
	}
	for k := range new {
		present = append(present, k)
	}
	sort.Strings(removed)
	sort.Strings(present)

	for _, k := range removed {
		*ops = append(*ops, Operation{Op: OpRemove, Path: childPath(path, k)})
	}
	for _, k := range present {
		oldChild, existed := old[k]
		if !existed {
			*ops = append(*ops, Operation{Op: OpAdd, Path: childPath(path, k), Value: new[k]})
			continue
		}
		diffValue(childPath(path, k), oldChild, new[k], ops)
	}
}

func diffArray(path Path, old, new []any, ops *[]Operation) {
	common := len(old)
	if len(new) < common {
		common = len(new)
	}
	for i := 0; i < common; i++ {
		diffValue(childPath(path, strconv.Itoa(i)), old[i], new[i], ops)
	}
	for i := len(old); i < len(new); i++ {
		*ops = append(*ops, Operation{Op: OpAdd, Path: childPath(path, strconv.Itoa(i)), Value: new[i]})
	}
	for i := len(old) - 1; i >= len(new); i-- {
		*ops = append(*ops, Operation{Op: OpRemove, Path: childPath(path, strconv.Itoa(i))})
	}
}

func childPath(path Path, token string) Path {
	return append(clonePath(path), token)
}

func clonePath(path Path) Path {
	out := make(Path, len(path))
	copy(out, path)
	return out
}

// Apply replays ops, in order, against doc and returns the resulting tree.
// Containers are updated in place where possible; callers that need the old
// version afterwards must not reuse doc. Values taken from operations are
// deep-cloned so the result never aliases the patch.
//
// Any operation that does not fit the current tree (missing key, index out of
// range, add over an existing key) fails with ErrConflict: the patch was
// produced against a different state version than the one it is applied to.
func Apply(doc any, ops []Operation) (any, error) {
	var err error
	for i, op := range ops {
		doc, err = applyOne(doc, op)
		if err != nil {
			return nil, fmt.Errorf("patch: op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return doc, nil
}

// ErrConflict marks a patch that cannot be applied to the current tree.
var ErrConflict = errors.New("operation conflicts with current state")

func applyOne(node any, op Operation) (any, error) {
	if len(op.Path) == 0 {
		switch op.Op {
		case OpAdd, OpReplace:
			return cloneValue(op.Value), nil
		default:
			return nil, fmt.Errorf("%w: cannot remove the document root", ErrConflict)
		}
	}
	return applyAt(node, op.Path, op)
}

func applyAt(node any, path Path, op Operation) (any, error) {
	token := path[0]

	switch container := node.(type) {
	case map[string]any:
		if len(path) > 1 {
			child, ok := container[token]
			if !ok {
				return nil, fmt.Errorf("%w: key %q not found", ErrConflict, token)
			}
			next, err := applyAt(child, path[1:], op)
			if err != nil {
				return nil, err
			}
			container[token] = next
			return container, nil
		}
		_, exists := container[token]
		switch op.Op {
		case OpAdd:
			if exists {
				return nil, fmt.Errorf("%w: key %q already present", ErrConflict, token)
			}
			container[token] = cloneValue(op.Value)
		case OpReplace:
			if !exists {
				return nil, fmt.Errorf("%w: key %q not found", ErrConflict, token)
			}
			container[token] = cloneValue(op.Value)
		case OpRemove:
			if !exists {
				return nil, fmt.Errorf("%w: key %q not found", ErrConflict, token)
			}
			delete(container, token)
		default:
			return nil, fmt.Errorf("%w: unknown op %q", ErrConflict, op.Op)
		}
		return container, nil

	case []any:
		index, err := strconv.Atoi(token)
		if err != nil || index < 0 {
			return nil, fmt.Errorf("%w: bad array index %q", ErrConflict, token)
		}
		if len(path) > 1 {
			if index >= len(container) {
				return nil, fmt.Errorf("%w: index %d out of range", ErrConflict, index)
			}
			next, err := applyAt(container[index], path[1:], op)
			if err != nil {
				return nil, err
			}
			container[index] = next
			return container, nil
		}
		switch op.Op {
		case OpAdd:
			if index > len(container) {
				return nil, fmt.Errorf("%w: index %d out of range for add", ErrConflict, index)
			}
			container = append(container, nil)
			copy(container[index+1:], container[index:])
			container[index] = cloneValue(op.Value)
		case OpReplace:
			if index >= len(container) {
				return nil, fmt.Errorf("%w: index %d out of range", ErrConflict, index)
			}
			container[index] = cloneValue(op.Value)
		case OpRemove:
			if index >= len(container) {
				return nil, fmt.Errorf("%w: index %d out of range", ErrConflict, index)
			}
			container = append(container[:index], container[index+1:]...)
		default:
			return nil, fmt.Errorf("%w: unknown op %q", ErrConflict, op.Op)
		}
		return container, nil

	default:
		return nil, fmt.Errorf("%w: cannot descend into %T at %q", ErrConflict, node, token)
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}
