// Package transport defines the duplex, message-oriented channel contract the
// runtime is built on, plus three implementations: an in-process pipe pair, a
// WebSocket channel upgraded from an HTTP sub-path, and a length-prefix
// framed TCP channel.
//
// Constructing a transport never starts network activity. The owner wires
// its handlers first and then calls Start, so no message can arrive before
// the message pump upstream is registered. Implementations guarantee that
// messages from one connection are delivered in the order sent and are never
// duplicated; media that cannot promise this must buffer and sequence here.
package transport

import (
	"errors"
	"sync"

	"sync-rpc/message"
)

// ErrClosed is returned by Send and Start on a transport that is already
// closed (or whose peer is gone).
var ErrClosed = errors.New("transport: closed")

// Handler consumes one inbound message envelope.
type Handler func(*message.Message)

// Transport is one duplex connection between a host and a client.
//
// Handler registration methods return an unsubscribe function; handlers for
// one event may be many and fire in registration order. Close is idempotent
// and fires each close handler at most once.
type Transport interface {
	// Start begins I/O: client transports dial, server-side transports start
	// their read pump. Messages received before Start are buffered, never
	// dropped.
	Start() error
	Send(msg *message.Message) error
	OnMessage(h Handler) (unsubscribe func())
	OnOpen(h func()) (unsubscribe func())
	OnClose(h func()) (unsubscribe func())
	OnError(h func(error)) (unsubscribe func())
	IsOpen() bool
	Close() error
}

// ServerTransport accepts inbound connections on the host side.
type ServerTransport interface {
	// Start begins listening. OnConnection handlers registered before Start
	// see every connection.
	Start() error
	// OnConnection fires once per accepted connection. The handler must wire
	// its message/close handlers on the new Transport and then call its
	// Start; the transport stays quiet until then.
	OnConnection(h func(Transport)) (unsubscribe func())
	// Addr is the bound listen address, valid after Start.
	Addr() string
	Close() error
}

// handlerSet is an ordered, concurrency-safe handler registry shared by all
// transport implementations. Zero value is ready to use.
type handlerSet[T any] struct {
	mu   sync.Mutex
	next int
	ids  []int
	byID map[int]T
}

func (s *handlerSet[T]) add(h T) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = make(map[int]T)
	}
	id := s.next
	s.next++
	s.ids = append(s.ids, id)
	s.byID[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byID, id)
	}
}

// each snapshots the registered handlers and invokes fn on each, outside the
// lock, in registration order.
func (s *handlerSet[T]) each(fn func(T)) {
	s.mu.Lock()
	snapshot := make([]T, 0, len(s.byID))
	for _, id := range s.ids {
		if h, ok := s.byID[id]; ok {
			snapshot = append(snapshot, h)
		}
	}
	s.mu.Unlock()
	for _, h := range snapshot {
		fn(h)
	}
}

// events bundles the four per-connection handler sets.
type events struct {
	msg     handlerSet[Handler]
	open    handlerSet[func()]
	closed  handlerSet[func()]
	failure handlerSet[func(error)]
}

func (e *events) dispatch(m *message.Message)    { e.msg.each(func(h Handler) { h(m) }) }
func (e *events) fireOpen()                      { e.open.each(func(h func()) { h() }) }
func (e *events) fireClose()                     { e.closed.each(func(h func()) { h() }) }
func (e *events) fireError(err error)            { e.failure.each(func(h func(error)) { h(err) }) }
func (e *events) onMessage(h Handler) func()     { return e.msg.add(h) }
func (e *events) onOpen(h func()) func()         { return e.open.add(h) }
func (e *events) onClose(h func()) func()        { return e.closed.add(h) }
func (e *events) onError(h func(error)) func()   { return e.failure.add(h) }
