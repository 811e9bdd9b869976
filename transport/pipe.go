package transport

import (
	"sync"
	"sync/atomic"

	"sync-rpc/message"
)

// pipeBuffer bounds how many messages one pipe end may queue before Send
// blocks on the receiver's pump.
const pipeBuffer = 256

// Pipe returns two connected in-process transports. Whatever is sent on one
// end is delivered, in order, to the other end's message handlers once that
// end has been started. Closing either end closes the pair.
//
// Used by tests and by same-process host/client embedding.
func Pipe() (Transport, Transport) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{inbox: make(chan *message.Message, pipeBuffer), done: done, closeOnce: once}
	b := &pipeEnd{inbox: make(chan *message.Message, pipeBuffer), done: done, closeOnce: once}
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	peer      *pipeEnd
	inbox     chan *message.Message
	done      chan struct{}          // shared by both ends
	closeOnce *sync.Once             // shared by both ends
	started   atomic.Bool
	events    events
}

func (p *pipeEnd) Start() error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	p.events.fireOpen()
	go p.pump()
	return nil
}

// pump delivers inbound messages sequentially; per-connection ordering is
// exactly the delivery order here.
func (p *pipeEnd) pump() {
	for {
		select {
		case msg := <-p.inbox:
			p.events.dispatch(msg)
		case <-p.done:
			// Drain what was already queued before the close won the race.
			for {
				select {
				case msg := <-p.inbox:
					p.events.dispatch(msg)
				default:
					p.events.fireClose()
					return
				}
			}
		}
	}
}

func (p *pipeEnd) Send(msg *message.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.inbox <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) OnMessage(h Handler) func()   { return p.events.onMessage(h) }
func (p *pipeEnd) OnOpen(h func()) func()       { return p.events.onOpen(h) }
func (p *pipeEnd) OnClose(h func()) func()      { return p.events.onClose(h) }
func (p *pipeEnd) OnError(h func(error)) func() { return p.events.onError(h) }

func (p *pipeEnd) IsOpen() bool {
	select {
	case <-p.done:
		return false
	default:
		return p.started.Load()
	}
}

func (p *pipeEnd) Close() error {
	first := false
	p.closeOnce.Do(func() {
		first = true
		close(p.done)
	})
	if !first {
		return nil
	}
	// An end that was never started has no pump to fire its close handlers;
	// fire them here so close hooks are never lost. Handlers run outside the
	// once so a close handler may itself call Close.
	if !p.started.Load() {
		p.events.fireClose()
	}
	if !p.peer.started.Load() {
		p.peer.events.fireClose()
	}
	return nil
}
