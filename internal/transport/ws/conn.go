// Package ws adapts gorilla/websocket connections to the real-time transport: blocking receive,
// non-blocking queued send through a write pump, ping/pong keepalive and a single close path.
package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Close codes used by the server.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	CloseProtocolError   = websocket.CloseProtocolError
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
	// CloseSessionReplaced is sent to a connection evicted by a newer connection of the same user.
	CloseSessionReplaced = 4000
)

var (
	// ErrPeerClosed is returned by Receive when the peer went away or the read failed.
	ErrPeerClosed = errors.New("ws: peer closed")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("ws: connection closed")
	// ErrSendQueueFull is returned by Send when the outbound queue is full.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Options configures a Conn. Zero values use package defaults.
type Options struct {
	ReadLimit int64
	SendQueue int
	PongWait  time.Duration
	WriteWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.PongWait <= 0 {
		o.PongWait = pongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = writeWait
	}
	return o
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the frontend origin; auth happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is a websocket connection with a dedicated write pump.
// Receive must be called from a single goroutine; Send and Close are safe for concurrent use.
type Conn struct {
	conn *websocket.Conn
	opts Options

	send     chan []byte
	done     chan struct{}
	pumpDone chan struct{}

	closeOnce sync.Once
	closeCode int
	closeText string
}

// Upgrade upgrades the HTTP request and starts the connection's write pump.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(c, opts), nil
}

// Wrap takes ownership of an established gorilla connection and starts its write pump.
func Wrap(c *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	conn := &Conn{
		conn:     c,
		opts:     opts,
		send:     make(chan []byte, opts.SendQueue),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	c.SetReadLimit(opts.ReadLimit)
	c.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	go conn.writePump()
	return conn
}

// Receive blocks for the next data frame. Every read failure, including a close frame from the peer
// or a local Close, is reported as ErrPeerClosed.
func (c *Conn) Receive() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return msg, nil
}

// Send queues msg for the write pump without blocking.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Close sends a close frame with code and reason, closes the socket and waits for the write pump to exit.
// Only the first call has an effect; later calls just wait.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = reason
		close(c.done)
	})
	<-c.pumpDone
	return nil
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval(c.opts.PongWait))
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			frame := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

func pingInterval(pong time.Duration) time.Duration {
	if pong == pongWait {
		return pingPeriod
	}
	return (pong * 9) / 10
}
