package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sync-rpc/message"
)

// DefaultCallTimeout bounds a call with no explicit timeout.
const DefaultCallTimeout = 30 * time.Second

// ResyncProcedure is the built-in procedure every host registers: a client
// whose mirror has diverged calls it to receive a fresh full state_sync on
// its own connection.
const ResyncProcedure = "sync.resync"

// SendFunc ships one encoded-ready envelope to the peer.
type SendFunc func(*message.Message) error

// Invoker runs one inbound call. The engine's base invoker looks up the
// handler in the registry; wrappers (see the middleware package) may be
// layered around it.
type Invoker func(ctx context.Context, call *Call) (any, error)

// Engine correlates calls with their responses over one connection. Both
// sides of a connection run an identical engine: each tracks the calls it
// issued in a pending table keyed by a fresh UUID, and dispatches the calls
// it receives to the shared Registry.
//
// Every pending call settles exactly once: with the rpc_return value, with
// the reconstructed rpc_exception, with CONNECTION_LOST on timeout, or with
// CONNECTION_LOST when Cleanup tears the connection down. Settlement removes
// the entry; late or duplicate responses find no entry and are dropped.
type Engine struct {
	log      *zap.Logger
	send     SendFunc
	registry *Registry
	timeout  time.Duration
	callerID string
	invoke   Invoker

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

type pendingCall struct {
	path  string
	timer *time.Timer
	done  chan callResult // buffered; receives exactly one result
}

type callResult struct {
	value json.RawMessage
	err   error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithCallerID sets the connection id handed to handlers as Call.CallerID.
// The host sets this per connection; clients leave it empty.
func WithCallerID(id string) EngineOption {
	return func(e *Engine) { e.callerID = id }
}

// WithInvokeWrapper layers w around the engine's base invoker (middleware).
func WithInvokeWrapper(w func(Invoker) Invoker) EngineOption {
	return func(e *Engine) { e.invoke = w(e.invoke) }
}

// NewEngine builds an engine that sends through send and dispatches inbound
// calls against registry. The registry may be shared across engines (host
// side) or owned (client side).
func NewEngine(send SendFunc, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		log:      zap.NewNop(),
		send:     send,
		registry: registry,
		timeout:  DefaultCallTimeout,
		pending:  make(map[string]*pendingCall),
	}
	e.invoke = e.baseInvoke
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the procedure registry this engine dispatches against.
func (e *Engine) Registry() *Registry { return e.registry }

// CallOptions tune one outgoing call.
type CallOptions struct {
	// Timeout overrides the engine default when positive.
	Timeout time.Duration
}

// Call invokes the remote procedure at path and returns the raw result.
// It fails with CONNECTION_LOST when the timeout elapses or the connection
// closes first; a remote failure arrives as a reconstructed *Error.
func (e *Engine) Call(ctx context.Context, path string, params ...any) (json.RawMessage, error) {
	return e.CallWithOptions(ctx, CallOptions{}, path, params...)
}

// CallInto invokes the remote procedure and decodes the result into reply
// (which may be nil when the caller ignores the value).
func (e *Engine) CallInto(ctx context.Context, path string, reply any, params ...any) error {
	raw, err := e.Call(ctx, path, params...)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("rpc: decode %s result: %w", path, err)
	}
	return nil
}

func (e *Engine) CallWithOptions(ctx context.Context, opts CallOptions, path string, params ...any) (json.RawMessage, error) {
	encoded, err := message.EncodeParams(params...)
	if err != nil {
		return nil, err
	}
	callID := uuid.NewString()
	msg, err := message.NewCall(callID, path, encoded)
	if err != nil {
		return nil, err
	}

	timeout := e.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	pc := &pendingCall{path: path, done: make(chan callResult, 1)}

	// Register before sending, so a response racing back cannot miss the
	// entry. The timer is armed under the same lock settle takes.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, newError(KindConnectionLost, "call %s: connection is closed", path)
	}
	e.pending[callID] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		e.settle(callID, nil, newError(KindConnectionLost, "call %s timed out after %s", path, timeout))
	})
	e.mu.Unlock()

	if err := e.send(msg); err != nil {
		e.settle(callID, nil, newError(KindConnectionLost, "call %s: send failed: %v", path, err))
	}

	select {
	case res := <-pc.done:
		return res.value, res.err
	case <-ctx.Done():
		e.settle(callID, nil, newError(KindConnectionLost, "call %s abandoned: %v", path, ctx.Err()))
		res := <-pc.done
		return res.value, res.err
	}
}

// settle resolves or rejects the pending call exactly once. Returns false
// when callID is unknown (already settled, or never ours).
func (e *Engine) settle(callID string, value json.RawMessage, err error) bool {
	e.mu.Lock()
	pc, ok := e.pending[callID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, callID)
	timer := pc.timer
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	pc.done <- callResult{value: value, err: err}
	return true
}

// PendingCalls reports how many calls are awaiting a response.
func (e *Engine) PendingCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// HandleMessage dispatches one inbound RPC-family message. Unknown call ids
// (late, duplicate, or unexpected responses) are dropped; state-family
// messages are ignored here, they belong to the replication layer.
func (e *Engine) HandleMessage(msg *message.Message) {
	switch msg.Type {
	case message.TypeCall:
		payload, err := msg.Call()
		if err != nil {
			e.log.Warn("dropping malformed rpc_call", zap.Error(err))
			return
		}
		e.handleCall(payload)
	case message.TypeReturn:
		payload, err := msg.Return()
		if err != nil {
			e.log.Warn("dropping malformed rpc_return", zap.Error(err))
			return
		}
		if !e.settle(payload.CallID, payload.Value, nil) {
			e.log.Debug("dropping response for unknown call", zap.String("callId", payload.CallID))
		}
	case message.TypeException:
		payload, err := msg.Exception()
		if err != nil {
			e.log.Warn("dropping malformed rpc_exception", zap.Error(err))
			return
		}
		if !e.settle(payload.CallID, nil, fromWire(payload.Error)) {
			e.log.Debug("dropping exception for unknown call", zap.String("callId", payload.CallID))
		}
	default:
		e.log.Debug("ignoring non-rpc message", zap.String("type", string(msg.Type)))
	}
}

// handleCall runs the handler in its own goroutine: a handler is allowed to
// call back into this engine (an independent call with its own id), which
// would deadlock if dispatch blocked the message pump.
func (e *Engine) handleCall(payload *message.CallPayload) {
	go func() {
		call := &Call{Path: payload.Path, CallerID: e.callerID, params: payload.Params}
		value, err := e.safeInvoke(call)
		e.reply(payload.CallID, value, err)
	}()
}

// safeInvoke shields the runtime from handler panics: a panicking handler
// becomes a PROCEDURE_ERROR exception for the caller, never a crash here.
func (e *Engine) safeInvoke(call *Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := captureStack()
			e.log.Error("procedure handler panicked",
				zap.String("path", call.Path),
				zap.Any("panic", r),
			)
			err = &Error{
				Kind:    KindProcedureError,
				Name:    "HandlerPanic",
				Message: fmt.Sprintf("procedure %s panicked: %v", call.Path, r),
				Stack:   stack,
			}
		}
	}()
	return e.invoke(context.Background(), call)
}

func (e *Engine) baseInvoke(ctx context.Context, call *Call) (any, error) {
	handler, ok := e.registry.lookup(call.Path)
	if !ok {
		return nil, newError(KindProcedureNotRegistered, "procedure not registered: %s", call.Path)
	}
	return handler(ctx, call)
}

// reply sends exactly one rpc_return or rpc_exception for callID. A result
// value that cannot be serialized is converted into an exception rather
// than silently resolving the caller with nothing.
func (e *Engine) reply(callID string, value any, err error) {
	var msg *message.Message
	if err == nil {
		raw, mErr := json.Marshal(value)
		if mErr != nil {
			err = newError(KindProcedureError, "encode result: %v", mErr)
		} else {
			msg, mErr = message.NewReturn(callID, raw)
			if mErr != nil {
				err = newError(KindProcedureError, "encode return: %v", mErr)
			}
		}
	}
	if err != nil {
		var mErr error
		msg, mErr = message.NewException(callID, toWire(err))
		if mErr != nil {
			e.log.Error("failed to encode exception", zap.Error(mErr))
			return
		}
	}
	if sendErr := e.send(msg); sendErr != nil {
		e.log.Debug("failed to send reply", zap.String("callId", callID), zap.Error(sendErr))
	}
}

// Cleanup rejects every still-pending call with CONNECTION_LOST and stops
// their timers. Called when the owning connection is destroyed; the registry
// is left alone because on the host it is shared across connections (client
// runtimes clear their own registry on final shutdown).
func (e *Engine) Cleanup() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	orphaned := e.pending
	e.pending = make(map[string]*pendingCall)
	e.mu.Unlock()

	for _, pc := range orphaned {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done <- callResult{err: newError(KindConnectionLost, "connection closed while call %s was outstanding", pc.path)}
	}
}
