package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sync-rpc/codec"
	"sync-rpc/message"
	"sync-rpc/protocol"
)

// tcpTransport is one framed TCP connection. Each frame body holds one
// codec-encoded envelope; the frame header names the codec so both ends can
// mix codecs per message (heartbeats carry no body at all).
type tcpTransport struct {
	opts Options
	log  *zap.Logger

	addr string // dialing side only
	conn net.Conn

	writeMu   sync.Mutex // one frame at a time; interleaved writes corrupt the stream
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	events    events
}

// NewTCPClient returns a transport that dials addr when Start is called,
// retrying with exponential backoff within the configured budget.
func NewTCPClient(addr string, opts ...Option) Transport {
	o := applyOptions(opts)
	return &tcpTransport{
		opts: o,
		log:  o.Logger.Named("tcp"),
		addr: addr,
		done: make(chan struct{}),
	}
}

func newServerTCPTransport(conn net.Conn, o Options) *tcpTransport {
	return &tcpTransport{
		opts: o,
		log:  o.Logger.Named("tcp"),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (t *tcpTransport) Start() error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	if t.conn == nil {
		err := dialWithBackoff(t.opts.DialMaxElapsed, func() error {
			conn, err := net.Dial("tcp", t.addr)
			if err != nil {
				return err
			}
			t.conn = conn
			return nil
		})
		if err != nil {
			t.started.Store(false)
			return err
		}
		go t.heartbeatLoop()
	}

	t.events.fireOpen()
	go t.readPump()
	return nil
}

// readPump is the single reader for this connection: frame boundaries only
// parse correctly when reads are sequential.
func (t *tcpTransport) readPump() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.FrameType == protocol.FrameHeartbeat {
			continue
		}
		var msg message.Message
		c := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := c.Decode(body, &msg); err != nil {
			t.log.Warn("dropping undecodable frame", zap.Error(err))
			t.events.fireError(err)
			continue
		}
		t.events.dispatch(&msg)
	}
}

// heartbeatLoop keeps idle connections alive; runs on the dialing side.
func (t *tcpTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			header := &protocol.Header{FrameType: protocol.FrameHeartbeat}
			t.writeMu.Lock()
			err := protocol.Encode(t.conn, header, nil)
			t.writeMu.Unlock()
			if err != nil {
				t.shutdown(err)
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *tcpTransport) Send(msg *message.Message) error {
	if !t.IsOpen() {
		return ErrClosed
	}
	body, err := t.opts.Codec.Encode(msg)
	if err != nil {
		return err
	}
	header := &protocol.Header{
		CodecType: byte(t.opts.Codec.Type()),
		FrameType: protocol.FrameData,
		BodyLen:   uint32(len(body)),
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return protocol.Encode(t.conn, header, body)
}

func (t *tcpTransport) OnMessage(h Handler) func()   { return t.events.onMessage(h) }
func (t *tcpTransport) OnOpen(h func()) func()       { return t.events.onOpen(h) }
func (t *tcpTransport) OnClose(h func()) func()      { return t.events.onClose(h) }
func (t *tcpTransport) OnError(h func(error)) func() { return t.events.onError(h) }

func (t *tcpTransport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return t.started.Load()
	}
}

func (t *tcpTransport) Close() error {
	t.shutdown(nil)
	return nil
}

// shutdown tears the connection down exactly once. Handlers run outside the
// once so a close handler may itself call Close.
func (t *tcpTransport) shutdown(err error) {
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.done)
		if t.conn != nil {
			_ = t.conn.Close()
		}
	})
	if !first {
		return
	}
	if err != nil {
		t.events.fireError(err)
	}
	t.events.fireClose()
}

// TCPServer accepts framed TCP connections on the host side.
type TCPServer struct {
	addr string
	opts Options
	log  *zap.Logger

	ln        net.Listener
	conns     handlerSet[func(Transport)]
	shutdown  atomic.Bool
	closeOnce sync.Once
}

func NewTCPServer(addr string, opts ...Option) *TCPServer {
	o := applyOptions(opts)
	return &TCPServer{
		addr: addr,
		opts: o,
		log:  o.Logger.Named("tcp-server"),
	}
}

func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Closing the listener makes Accept fail; only unexpected
			// errors are worth logging.
			if !s.shutdown.Load() {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		t := newServerTCPTransport(conn, s.opts)
		s.conns.each(func(h func(Transport)) { h(t) })
	}
}

func (s *TCPServer) OnConnection(h func(Transport)) func() {
	return s.conns.add(h)
}

func (s *TCPServer) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *TCPServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.shutdown.Store(true)
		if s.ln != nil {
			err = s.ln.Close()
		}
	})
	return err
}
