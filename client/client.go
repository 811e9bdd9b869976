// Package client implements the mirroring side of the runtime: it holds a
// read-only copy of the host's state, keeps it current by applying incoming
// patches, and exchanges procedure calls with the host over one transport.
//
// Message handling runs on the transport's read pump: state messages are
// applied inline so per-connection patch order is preserved; rpc dispatch is
// handed to the correlation engine, which runs handlers in their own
// goroutines.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sync-rpc/message"
	"sync-rpc/patch"
	"sync-rpc/rpc"
	"sync-rpc/transport"
)

// ErrClosed is returned by operations on a client that has been shut down.
var ErrClosed = errors.New("client: closed")

// Options configure a Client.
type Options struct {
	Log         *zap.Logger
	CallTimeout time.Duration
	// Wrapper is layered around inbound procedure dispatch
	// (see the middleware package).
	Wrapper func(rpc.Invoker) rpc.Invoker
}

type Option func(*Options)

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Log = l }
}

// WithCallTimeout sets the default timeout for calls to the host.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

// WithInvokeWrapper installs middleware around inbound procedure dispatch.
func WithInvokeWrapper(w func(rpc.Invoker) rpc.Invoker) Option {
	return func(o *Options) { o.Wrapper = w }
}

// Client mirrors the host's state. S is the application's state type; State
// returns the fallback value until the first state_sync arrives.
//
// The mirror is read-only: mutations happen on the host, typically via a
// procedure call, and come back as patches.
type Client[S any] struct {
	log      *zap.Logger
	opts     Options
	registry *rpc.Registry

	mu        sync.Mutex
	tr        transport.Transport
	engine    *rpc.Engine
	state     S
	doc       any
	synced    bool // mirror matches a host version; patches are droppable otherwise
	resyncing bool
	connected bool
	closed    bool
	unsubs    []func()

	subMu    sync.Mutex
	subNext  int
	subOrder []int
	subs     map[int]func(S)

	hookMu    sync.Mutex
	hookNext  int
	hookOrder []int
	hooks     map[int]func()
}

// NewClient creates a client whose State reports fallback until the first
// sync from a host.
func NewClient[S any](fallback S, opts ...Option) *Client[S] {
	o := Options{Log: zap.NewNop(), CallTimeout: rpc.DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client[S]{
		log:      o.Log.Named("client"),
		opts:     o,
		registry: rpc.NewRegistry(),
		state:    fallback,
		subs:     make(map[int]func(S)),
		hooks:    make(map[int]func()),
	}
}

// Connect adopts one duplex transport as the connection to the host. A client
// holds at most one connection; after a disconnect, Connect may be called
// again with a fresh transport.
func (c *Client[S]) Connect(t transport.Transport) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return errors.New("client: already connected")
	}

	engineOpts := []rpc.EngineOption{
		rpc.WithLogger(c.log),
		rpc.WithTimeout(c.opts.CallTimeout),
	}
	if c.opts.Wrapper != nil {
		engineOpts = append(engineOpts, rpc.WithInvokeWrapper(c.opts.Wrapper))
	}
	engine := rpc.NewEngine(t.Send, c.registry, engineOpts...)

	unsubs := []func(){
		t.OnMessage(func(m *message.Message) { c.handleMessage(engine, m) }),
		t.OnClose(func() { c.disconnect() }),
	}

	if err := t.Start(); err != nil {
		c.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		return err
	}

	c.tr = t
	c.engine = engine
	c.unsubs = unsubs
	c.connected = true
	c.synced = false
	c.resyncing = false
	c.mu.Unlock()

	// The transport may have closed before we recorded the connection; its
	// close notification would have found connected still false.
	if !t.IsOpen() {
		c.disconnect()
	}
	return nil
}

func (c *Client[S]) handleMessage(engine *rpc.Engine, m *message.Message) {
	switch m.Type {
	case message.TypeSync:
		c.applySync(m)
	case message.TypePatch:
		c.applyPatch(m)
	default:
		engine.HandleMessage(m)
	}
}

// applySync replaces the whole mirror with the host's snapshot.
func (c *Client[S]) applySync(m *message.Message) {
	payload, err := m.Sync()
	if err != nil {
		c.log.Warn("dropping malformed state_sync", zap.Error(err))
		return
	}
	var doc any
	if err := json.Unmarshal(payload.State, &doc); err != nil {
		c.log.Warn("dropping undecodable state_sync", zap.Error(err))
		return
	}
	var next S
	if err := json.Unmarshal(payload.State, &next); err != nil {
		c.log.Error("state snapshot does not fit the state type", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.doc = doc
	c.state = next
	c.synced = true
	c.resyncing = false
	c.mu.Unlock()

	c.notify(next)
}

// applyPatch advances the mirror by one version. A patch that does not fit
// the current mirror means a version was lost; the mirror is marked stale
// and a full resync is requested, with further patches dropped until the
// fresh snapshot arrives.
func (c *Client[S]) applyPatch(m *message.Message) {
	payload, err := m.Patch()
	if err != nil {
		c.log.Warn("dropping malformed state_patch", zap.Error(err))
		return
	}

	c.mu.Lock()
	if !c.synced {
		c.mu.Unlock()
		c.log.Debug("dropping patch for unsynced mirror")
		return
	}
	nextDoc, nextState, applyErr := advance[S](c.doc, payload.Patch)
	if applyErr != nil {
		c.synced = false
		c.mu.Unlock()
		c.log.Warn("mirror diverged, requesting resync", zap.Error(applyErr))
		c.requestResync()
		return
	}
	c.doc = nextDoc
	c.state = nextState
	c.mu.Unlock()

	c.notify(nextState)
}

// advance applies ops to doc and re-decodes the result into the typed state.
// A result that no longer fits S counts as divergence, same as a conflicting
// operation.
func advance[S any](doc any, ops []patch.Operation) (any, S, error) {
	var state S
	next, err := patch.Apply(doc, ops)
	if err != nil {
		return nil, state, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, state, fmt.Errorf("encode mirror: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, state, fmt.Errorf("mirror does not fit the state type: %w", err)
	}
	return next, state, nil
}

// requestResync invokes the host's built-in recovery procedure at most once
// per divergence.
func (c *Client[S]) requestResync() {
	c.mu.Lock()
	if c.resyncing || !c.connected {
		c.mu.Unlock()
		return
	}
	c.resyncing = true
	engine := c.engine
	c.mu.Unlock()

	go func() {
		if err := engine.CallInto(context.Background(), rpc.ResyncProcedure, nil); err != nil {
			c.log.Warn("resync request failed", zap.Error(err))
			c.mu.Lock()
			c.resyncing = false
			c.mu.Unlock()
		}
	}()
}

// CallServer invokes a procedure registered on the host and returns the raw
// result. It fails with SERVER_UNAVAILABLE when no connection is active.
func (c *Client[S]) CallServer(ctx context.Context, path string, params ...any) (json.RawMessage, error) {
	engine, err := c.activeEngine()
	if err != nil {
		return nil, err
	}
	return engine.Call(ctx, path, params...)
}

// CallServerInto invokes a host procedure and decodes the result into reply
// (which may be nil).
func (c *Client[S]) CallServerInto(ctx context.Context, path string, reply any, params ...any) error {
	engine, err := c.activeEngine()
	if err != nil {
		return err
	}
	return engine.CallInto(ctx, path, reply, params...)
}

func (c *Client[S]) activeEngine() (*rpc.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, &rpc.Error{
			Kind:    rpc.KindServerUnavailable,
			Message: "no active connection to the host",
		}
	}
	return c.engine, nil
}

// RegisterProcedure makes a procedure callable by the host.
func (c *Client[S]) RegisterProcedure(path string, handler rpc.Handler) error {
	return c.registry.Register(path, handler)
}

// UnregisterProcedure removes a local procedure.
func (c *Client[S]) UnregisterProcedure(path string) error {
	return c.registry.Unregister(path)
}

// RegisterTree registers a nested group of procedures under dot-delimited
// paths (see rpc.Tree).
func (c *Client[S]) RegisterTree(prefix string, tree rpc.Tree) error {
	return c.registry.RegisterTree(prefix, tree)
}

// State returns the current mirror: the fallback before the first sync, the
// last synced version after a disconnect. The caller must not mutate
// reference types reachable from it.
func (c *Client[S]) State() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a transport is currently attached and open.
func (c *Client[S]) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Synced reports whether the mirror matches a host version (false before the
// first sync and while a resync is outstanding).
func (c *Client[S]) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Subscribe registers fn to run with the new state after every applied sync
// or patch. The returned function unsubscribes.
func (c *Client[S]) Subscribe(fn func(S)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.subNext
	c.subNext++
	c.subOrder = append(c.subOrder, id)
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client[S]) notify(state S) {
	c.subMu.Lock()
	snapshot := make([]func(S), 0, len(c.subs))
	for _, id := range c.subOrder {
		if fn, ok := c.subs[id]; ok {
			snapshot = append(snapshot, fn)
		}
	}
	c.subMu.Unlock()
	for _, fn := range snapshot {
		fn(state)
	}
}

// OnClose registers a hook invoked each time the connection to the host is
// lost. It fires exactly once per connection. The returned function
// unsubscribes.
func (c *Client[S]) OnClose(hook func()) func() {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	id := c.hookNext
	c.hookNext++
	c.hookOrder = append(c.hookOrder, id)
	c.hooks[id] = hook
	return func() {
		c.hookMu.Lock()
		defer c.hookMu.Unlock()
		delete(c.hooks, id)
	}
}

// disconnect tears the active connection down exactly once: pending calls
// are rejected, transport handlers detached, close hooks run. The mirror
// keeps its last synced value.
func (c *Client[S]) disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.synced = false
	engine := c.engine
	tr := c.tr
	unsubs := c.unsubs
	c.engine = nil
	c.tr = nil
	c.unsubs = nil
	c.mu.Unlock()

	engine.Cleanup()
	for _, u := range unsubs {
		u()
	}
	tr.Close()

	c.hookMu.Lock()
	hooks := make([]func(), 0, len(c.hooks))
	for _, id := range c.hookOrder {
		if hook, ok := c.hooks[id]; ok {
			hooks = append(hooks, hook)
		}
	}
	c.hookMu.Unlock()
	for _, hook := range hooks {
		hook()
	}
	c.log.Debug("disconnected from host")
}

// Close disconnects and rejects further use. Local procedures are released.
// Idempotent.
func (c *Client[S]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.disconnect()
	c.registry.Clear()
	return nil
}
