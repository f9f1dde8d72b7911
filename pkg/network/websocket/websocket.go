package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convergence/peerlink/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	sendQueue      = 64
)

var ErrClosed = errors.New("connection closed")

type WS struct {
	conn     deadlinedConn
	send     chan []byte
	onMsg    MessageHandler
	pingPong bool
	server   bool

	listening atomic.Bool
	quitOnce  sync.Once
	quit      chan struct{}
	once      sync.Once
	done      chan struct{}
	log       *logger.Logger
}

type MessageHandler func(message []byte, err error)

type Upgrader struct {
	websocket.Upgrader
}

var DefaultUpgrader = Upgrader{
	Upgrader: websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin:     func(*http.Request) bool { return true },
	},
}

// NewUpgrader makes an upgrader which accepts only the origin,
// an empty origin accepts any.
func NewUpgrader(origin string) *Upgrader {
	u := DefaultUpgrader
	if origin != "" {
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return &u
}

// NewServer upgrades an HTTP request into a server-side socket with ping/pong keepalive.
func NewServer(u *Upgrader, w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, true, log), nil
}

// NewClient dials a websocket server, the context bounds the handshake only.
func NewClient(ctx context.Context, address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, false, log), nil
}

func newSocket(conn *websocket.Conn, pingPong bool, server bool, log *logger.Logger) *WS {
	if log == nil {
		log = logger.Default()
	}
	return &WS{
		conn:     deadlinedConn{sock: conn, wt: writeWait},
		send:     make(chan []byte, sendQueue),
		pingPong: pingPong,
		server:   server,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
	}
}

func (ws *WS) IsServer() bool { return ws.server }

// SetMessageHandler sets the callback for incoming messages, should be set before Listen.
func (ws *WS) SetMessageHandler(fn MessageHandler) { ws.onMsg = fn }

// Listen starts the reader and writer pumps.
// The returned channel is closed when the connection is gone.
func (ws *WS) Listen() chan struct{} {
	ws.listening.Store(true)
	go ws.writer()
	go ws.reader()
	return ws.done
}

func (ws *WS) Done() chan struct{} { return ws.done }

// reader pumps messages from the websocket connection to the message handler.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer ws.close()
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.pingPong {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongTime)) })
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.log.Error().Err(err).Msg("WebSocket read fail")
			}
			return
		}
		if ws.onMsg != nil {
			ws.onMsg(message, nil)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	var ping <-chan time.Time
	if ws.pingPong {
		ticker := time.NewTicker(pingTime)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer ws.close()
	for {
		select {
		case message := <-ws.send:
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				ws.log.Error().Err(err).Msg("WebSocket write fail")
				return
			}
		case <-ping:
			if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ws.quit:
			ws.flush()
			ws.bye()
			return
		case <-ws.done:
			return
		}
	}
}

// flush writes out what is left in the send queue.
func (ws *WS) flush() {
	for {
		select {
		case message := <-ws.send:
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (ws *WS) bye() {
	_ = ws.conn.control(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Write queues a message, blocks when the queue is full.
func (ws *WS) Write(data []byte) error {
	select {
	case <-ws.done:
		return ErrClosed
	case <-ws.quit:
		return ErrClosed
	default:
	}
	select {
	case ws.send <- data:
		return nil
	case <-ws.done:
		return ErrClosed
	}
}

// Close lets the writer send the queued messages and the close frame,
// then tears the connection down.
func (ws *WS) Close() {
	select {
	case <-ws.done:
		return
	default:
	}
	if !ws.listening.Load() {
		ws.bye()
		ws.close()
		return
	}
	ws.quitOnce.Do(func() { close(ws.quit) })
	select {
	case <-ws.done:
	case <-time.After(writeWait):
		ws.close()
	}
}

func (ws *WS) close() {
	ws.once.Do(func() {
		close(ws.done)
		_ = ws.conn.close()
	})
}
