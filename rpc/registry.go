package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Call is one inbound procedure invocation as seen by a handler.
type Call struct {
	// Path is the full dot-delimited procedure path that was invoked.
	Path string
	// CallerID identifies the invoking connection. On the host this is the
	// client's connection id; on a client it is empty (the caller is the
	// host).
	CallerID string

	params []json.RawMessage
}

// NumParams reports how many positional parameters the caller sent.
func (c *Call) NumParams() int { return len(c.params) }

// Param decodes positional parameter i into out.
func (c *Call) Param(i int, out any) error {
	if i < 0 || i >= len(c.params) {
		return newError(KindProcedureError, "procedure %s: parameter %d out of range (%d sent)", c.Path, i, len(c.params))
	}
	if err := json.Unmarshal(c.params[i], out); err != nil {
		return newError(KindProcedureError, "procedure %s: decode parameter %d: %v", c.Path, i, err)
	}
	return nil
}

// Handler implements one procedure. The returned value is serialized into
// the rpc_return; a returned error becomes the rpc_exception.
type Handler func(ctx context.Context, call *Call) (any, error)

// Tree is a nested group of procedures. Values must be Handler or Tree;
// nesting flattens into dot-delimited paths ("workspace" -> "increment"
// registers "workspace.increment").
type Tree map[string]any

// Registry maps flattened procedure paths to handlers. At most one handler
// may occupy a path at a time. Safe for concurrent use; registration and
// removal work while connections are live (lazy registration), and on the
// host a single Registry is shared by every connection so late registrations
// apply retroactively.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h at path. Registering over an occupied path fails
// synchronously with PROCEDURE_ALREADY_REGISTERED; nothing crosses the wire.
func (r *Registry) Register(path string, h Handler) error {
	if path == "" {
		return newError(KindProcedureError, "procedure path must not be empty")
	}
	if h == nil {
		return newError(KindProcedureError, "procedure %s: handler must not be nil", path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, occupied := r.handlers[path]; occupied {
		return newError(KindProcedureAlreadyRegistered, "procedure already registered: %s", path)
	}
	r.handlers[path] = h
	return nil
}

// Unregister frees path. Removing an unregistered path fails with
// PROCEDURE_NOT_REGISTERED so registration bookkeeping bugs surface early.
func (r *Registry) Unregister(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[path]; !ok {
		return newError(KindProcedureNotRegistered, "procedure not registered: %s", path)
	}
	delete(r.handlers, path)
	return nil
}

func (r *Registry) Has(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[path]
	return ok
}

// Paths returns the registered paths in sorted order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for path := range r.handlers {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Clear removes every handler. Client runtimes call this when their
// connection is torn down for good.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]Handler)
}

func (r *Registry) lookup(path string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[path]
	return h, ok
}

// RegisterTree flattens tree under prefix (which may be empty) and registers
// every leaf. The first conflict aborts registration with the paths
// registered so far left in place.
func (r *Registry) RegisterTree(prefix string, tree Tree) error {
	for _, key := range sortedKeys(tree) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch node := tree[key].(type) {
		case Handler:
			if err := r.Register(path, node); err != nil {
				return err
			}
		case func(ctx context.Context, call *Call) (any, error):
			if err := r.Register(path, node); err != nil {
				return err
			}
		case Tree:
			if err := r.RegisterTree(path, node); err != nil {
				return err
			}
		default:
			return fmt.Errorf("rpc: tree node %q is %T, want Handler or Tree", path, tree[key])
		}
	}
	return nil
}

func sortedKeys(tree Tree) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
