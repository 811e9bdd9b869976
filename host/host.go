// Package host implements the authoritative side of the runtime: it owns the
// shared state, accepts client connections, replicates state changes as
// patches, and exchanges procedure calls with every connected client.
//
// Connection lifecycle:
//
//	Attach(transport) → assign connection id → wire message pump
//	  → full state_sync (under the state lock, before joining the broadcast set)
//	  → rpc traffic flows both ways
//	  → transport close → destroy once: reject pendings, run close hooks
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sync-rpc/message"
	"sync-rpc/patch"
	"sync-rpc/rpc"
	"sync-rpc/transport"
)

// ErrClosed is returned by operations on a host that has been shut down.
var ErrClosed = errors.New("host: closed")

// Options configure a Host.
type Options struct {
	Log         *zap.Logger
	CallTimeout time.Duration
	// Wrapper is layered around each connection's dispatch path
	// (see the middleware package).
	Wrapper func(rpc.Invoker) rpc.Invoker
}

type Option func(*Options)

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Log = l }
}

// WithCallTimeout sets the default timeout for host-initiated calls.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

// WithInvokeWrapper installs middleware around inbound procedure dispatch.
func WithInvokeWrapper(w func(rpc.Invoker) rpc.Invoker) Option {
	return func(o *Options) { o.Wrapper = w }
}

// Host is the single authoritative node. S is the application's state type;
// it must marshal to JSON. Recipes passed to SetState must treat their
// argument as immutable and return the next state as a new value.
//
// All connections dispatch against one shared registry, so procedures
// registered after clients connect are immediately callable by them.
type Host[S any] struct {
	log      *zap.Logger
	opts     Options
	registry *rpc.Registry

	mu     sync.Mutex
	state  S
	doc    any // canonical JSON tree mirror of state, diffed on every SetState
	conns  map[string]*conn
	closed bool

	hookMu    sync.Mutex
	hookNext  int
	hookOrder []int
	hooks     map[int]func(clientID string)
}

type conn struct {
	id     string
	tr     transport.Transport
	engine *rpc.Engine
	unsubs []func()
}

// NewHost creates a host owning initial as its authoritative state.
func NewHost[S any](initial S, opts ...Option) (*Host[S], error) {
	o := Options{Log: zap.NewNop(), CallTimeout: rpc.DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	doc, err := patch.Document(initial)
	if err != nil {
		return nil, fmt.Errorf("host: initial state: %w", err)
	}

	h := &Host[S]{
		log:      o.Log.Named("host"),
		opts:     o,
		registry: rpc.NewRegistry(),
		state:    initial,
		doc:      doc,
		conns:    make(map[string]*conn),
		hooks:    make(map[int]func(string)),
	}
	if err := h.registry.Register(rpc.ResyncProcedure, h.resync); err != nil {
		return nil, err
	}
	return h, nil
}

// Serve starts the listener and attaches every connection it produces.
// Transports that fail to attach are closed.
func (h *Host[S]) Serve(ls transport.ServerTransport) error {
	ls.OnConnection(func(t transport.Transport) {
		if _, err := h.Attach(t); err != nil {
			h.log.Warn("rejecting connection", zap.Error(err))
			t.Close()
		}
	})
	return ls.Start()
}

// Attach adopts one duplex transport as a client connection and returns the
// connection id handed to procedure handlers as Call.CallerID. The full
// current state is sent before the connection can observe any patch.
func (h *Host[S]) Attach(t transport.Transport) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrClosed
	}
	h.mu.Unlock()

	id := uuid.NewString()
	log := h.log.With(zap.String("clientId", id))

	engineOpts := []rpc.EngineOption{
		rpc.WithCallerID(id),
		rpc.WithLogger(log),
		rpc.WithTimeout(h.opts.CallTimeout),
	}
	if h.opts.Wrapper != nil {
		engineOpts = append(engineOpts, rpc.WithInvokeWrapper(h.opts.Wrapper))
	}
	c := &conn{
		id:     id,
		tr:     t,
		engine: rpc.NewEngine(t.Send, h.registry, engineOpts...),
	}

	// Clients only originate rpc traffic; state messages flow host→client.
	c.unsubs = append(c.unsubs, t.OnMessage(func(m *message.Message) {
		if m.IsRPC() {
			c.engine.HandleMessage(m)
			return
		}
		log.Debug("ignoring state message from client", zap.String("type", string(m.Type)))
	}))
	c.unsubs = append(c.unsubs, t.OnClose(func() {
		h.destroy(id)
	}))

	if err := t.Start(); err != nil {
		for _, u := range c.unsubs {
			u()
		}
		return "", err
	}

	// Sync and table insertion happen under the state lock, so no SetState
	// broadcast can slip a patch in before (or instead of) the initial sync.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.Close()
		return "", ErrClosed
	}
	if err := sendSync(t, h.doc); err != nil {
		h.mu.Unlock()
		t.Close()
		return "", fmt.Errorf("host: initial sync: %w", err)
	}
	h.conns[id] = c
	h.mu.Unlock()

	// The transport may have closed between Start and table insertion; its
	// close notification would have found no entry to remove.
	if !t.IsOpen() {
		h.destroy(id)
	}

	log.Debug("client connected")
	return id, nil
}

// destroy tears one connection down exactly once: duplicate close
// notifications find the table entry already gone.
func (h *Host[S]) destroy(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.engine.Cleanup()
	for _, u := range c.unsubs {
		u()
	}
	c.tr.Close()

	for _, hook := range h.snapshotHooks() {
		hook(id)
	}
	h.log.Debug("client disconnected", zap.String("clientId", id))
}

// SetState is the only way to mutate the shared state. The recipe receives
// the current state and returns the next one; the host diffs the two
// versions and broadcasts a single state_patch to every connected client.
// Calls are fully serialized, so each patch describes the transition between
// two consecutive versions.
func (h *Host[S]) SetState(recipe func(S) S) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	next := recipe(h.state)
	nextDoc, err := patch.Document(next)
	if err != nil {
		return fmt.Errorf("host: next state: %w", err)
	}
	ops := patch.Diff(h.doc, nextDoc)
	h.state = next
	h.doc = nextDoc

	if len(ops) == 0 {
		return nil
	}
	msg, err := message.NewPatch(ops)
	if err != nil {
		return fmt.Errorf("host: encode patch: %w", err)
	}
	for id, c := range h.conns {
		if sendErr := c.tr.Send(msg); sendErr != nil {
			h.log.Warn("failed to send state patch",
				zap.String("clientId", id),
				zap.Error(sendErr),
			)
		}
	}
	return nil
}

// State returns the current authoritative state. The caller must not mutate
// reference types reachable from it.
func (h *Host[S]) State() S {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RegisterProcedure makes a procedure callable by every client, including
// ones already connected.
func (h *Host[S]) RegisterProcedure(path string, handler rpc.Handler) error {
	return h.registry.Register(path, handler)
}

// UnregisterProcedure removes a procedure; subsequent calls to it fail with
// PROCEDURE_NOT_REGISTERED.
func (h *Host[S]) UnregisterProcedure(path string) error {
	return h.registry.Unregister(path)
}

// RegisterTree registers a nested group of procedures under dot-delimited
// paths (see rpc.Tree).
func (h *Host[S]) RegisterTree(prefix string, tree rpc.Tree) error {
	return h.registry.RegisterTree(prefix, tree)
}

// CallClient invokes a procedure registered on one specific client.
func (h *Host[S]) CallClient(ctx context.Context, clientID, path string, params ...any) (json.RawMessage, error) {
	c, err := h.lookup(clientID)
	if err != nil {
		return nil, err
	}
	return c.engine.Call(ctx, path, params...)
}

// CallClientInto invokes a procedure on one client and decodes the result
// into reply (which may be nil).
func (h *Host[S]) CallClientInto(ctx context.Context, clientID, path string, reply any, params ...any) error {
	c, err := h.lookup(clientID)
	if err != nil {
		return err
	}
	return c.engine.CallInto(ctx, path, reply, params...)
}

// Result is one client's outcome of a CallAllClients fan-out.
type Result struct {
	Value json.RawMessage
	Err   error
}

// CallAllClients invokes the same procedure on every connected client in
// parallel and reports each outcome keyed by connection id.
func (h *Host[S]) CallAllClients(ctx context.Context, path string, params ...any) map[string]Result {
	h.mu.Lock()
	targets := make(map[string]*conn, len(h.conns))
	for id, c := range h.conns {
		targets[id] = c
	}
	h.mu.Unlock()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]Result, len(targets))
	)
	for id, c := range targets {
		wg.Add(1)
		go func(id string, c *conn) {
			defer wg.Done()
			value, err := c.engine.Call(ctx, path, params...)
			resMu.Lock()
			results[id] = Result{Value: value, Err: err}
			resMu.Unlock()
		}(id, c)
	}
	wg.Wait()
	return results
}

// ConnectedClients returns the ids of all open connections, sorted.
func (h *Host[S]) ConnectedClients() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// OnClose registers a hook invoked with the connection id each time a client
// connection is destroyed. It fires exactly once per connection. The returned
// function unsubscribes.
func (h *Host[S]) OnClose(hook func(clientID string)) func() {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	id := h.hookNext
	h.hookNext++
	h.hookOrder = append(h.hookOrder, id)
	h.hooks[id] = hook
	return func() {
		h.hookMu.Lock()
		defer h.hookMu.Unlock()
		delete(h.hooks, id)
	}
}

func (h *Host[S]) snapshotHooks() []func(string) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	out := make([]func(string), 0, len(h.hooks))
	for _, id := range h.hookOrder {
		if hook, ok := h.hooks[id]; ok {
			out = append(out, hook)
		}
	}
	return out
}

// Close destroys every connection (running close hooks) and rejects further
// operations. Idempotent.
func (h *Host[S]) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		h.destroy(id)
	}
	return nil
}

func (h *Host[S]) lookup(clientID string) (*conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[clientID]
	if !ok {
		return nil, &rpc.Error{
			Kind:    rpc.KindClientNotFound,
			Message: fmt.Sprintf("no connected client with id %s", clientID),
		}
	}
	return c, nil
}

// resync serves the built-in recovery procedure: re-send the full current
// state to the calling connection only.
func (h *Host[S]) resync(ctx context.Context, call *rpc.Call) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[call.CallerID]
	if !ok {
		return nil, &rpc.Error{
			Kind:    rpc.KindClientNotFound,
			Message: fmt.Sprintf("no connected client with id %s", call.CallerID),
		}
	}
	h.log.Info("resyncing client", zap.String("clientId", call.CallerID))
	return nil, sendSync(c.tr, h.doc)
}

func sendSync(t transport.Transport, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	msg, err := message.NewSync(raw)
	if err != nil {
		return err
	}
	return t.Send(msg)
}
