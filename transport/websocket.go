package transport

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sync-rpc/message"
)

// wsTransport is one WebSocket connection. WebSocket frames are already
// message-oriented and ordered, so each frame carries exactly one
// codec-encoded envelope with no extra framing.
type wsTransport struct {
	opts Options
	log  *zap.Logger

	// url is set on the dialing side only; server-side transports are born
	// with an upgraded conn.
	url  string
	conn *websocket.Conn

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	events    events
}

// NewWebSocketClient returns a transport that will dial url (ws://host/path)
// when Start is called. The dial is retried with exponential backoff within
// the configured budget.
func NewWebSocketClient(url string, opts ...Option) Transport {
	o := applyOptions(opts)
	return &wsTransport{
		opts: o,
		log:  o.Logger.Named("ws"),
		url:  url,
		done: make(chan struct{}),
	}
}

func newServerWSTransport(conn *websocket.Conn, o Options) *wsTransport {
	return &wsTransport{
		opts: o,
		log:  o.Logger.Named("ws"),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (t *wsTransport) Start() error {
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
			conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
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
		go t.pingLoop()
	}

	t.events.fireOpen()
	go t.readPump()
	return nil
}

func (t *wsTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}
		var msg message.Message
		if err := t.opts.Codec.Decode(data, &msg); err != nil {
			// A malformed frame fails loudly but does not kill the
			// connection; the stream itself is still aligned.
			t.log.Warn("dropping undecodable frame", zap.Error(err))
			t.events.fireError(err)
			continue
		}
		t.events.dispatch(&msg)
	}
}

// pingLoop keeps intermediaries from reaping idle connections. Runs on the
// dialing side only.
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
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

func (t *wsTransport) Send(msg *message.Message) error {
	if !t.IsOpen() {
		return ErrClosed
	}
	data, err := t.opts.Codec.Encode(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) OnMessage(h Handler) func()   { return t.events.onMessage(h) }
func (t *wsTransport) OnOpen(h func()) func()       { return t.events.onOpen(h) }
func (t *wsTransport) OnClose(h func()) func()      { return t.events.onClose(h) }
func (t *wsTransport) OnError(h func(error)) func() { return t.events.onError(h) }

func (t *wsTransport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return t.started.Load()
	}
}

func (t *wsTransport) Close() error {
	t.shutdown(nil)
	return nil
}

// shutdown tears the connection down exactly once. A nil err is a local,
// intentional close; anything else fires the error handlers first. Handlers
// run outside the once so a close handler may itself call Close.
func (t *wsTransport) shutdown(err error) {
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
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.events.fireError(err)
	}
	t.events.fireClose()
}

// WSServer listens on an HTTP address and upgrades requests hitting one
// sub-path into WebSocket transports.
type WSServer struct {
	addr string
	path string
	opts Options
	log  *zap.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	ln         net.Listener
	conns      handlerSet[func(Transport)]
	closeOnce  sync.Once
}

// NewWebSocketServer builds a server transport that owns its HTTP listener.
// To mount the upgrade endpoint on an existing HTTP server instead, use
// Handler and skip Start.
func NewWebSocketServer(addr, path string, opts ...Option) *WSServer {
	o := applyOptions(opts)
	s := &WSServer{
		addr: addr,
		path: path,
		opts: o,
		log:  o.Logger.Named("ws-server"),
		upgrader: websocket.Upgrader{
			// The runtime does not implement authentication (out of scope);
			// origin policy belongs to whatever embeds this endpoint.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.Handle(path, s.Handler())
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Handler returns the HTTP handler performing the upgrade. Each successful
// upgrade produces a Transport handed to the OnConnection handlers; the
// transport is quiet until one of them calls Start.
func (s *WSServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		t := newServerWSTransport(conn, s.opts)
		s.conns.each(func(h func(Transport)) { h(t) })
	})
}

func (s *WSServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Warn("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *WSServer) OnConnection(h func(Transport)) func() {
	return s.conns.add(h)
}

func (s *WSServer) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Path returns the upgrade sub-path.
func (s *WSServer) Path() string { return s.path }

func (s *WSServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.httpServer.Close()
	})
	return err
}
