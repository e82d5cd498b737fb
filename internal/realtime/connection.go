package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"itfits/backend/internal/transport/ws"
)

// Transport is one bidirectional message stream. Receive is called from a single goroutine;
// Send and Close may be called concurrently. Close is idempotent.
type Transport interface {
	Receive() ([]byte, error)
	Send(msg []byte) error
	Close(code int, reason string) error
}

// Reason describes why a connection terminated. Code is the websocket close code sent to the peer.
type Reason struct {
	Name string
	Code int
	Text string
}

var (
	ReasonPeerClosed    = Reason{Name: "peer_closed", Code: ws.CloseNormal}
	ReasonProtocolError = Reason{Name: "protocol_error", Code: ws.CloseProtocolError, Text: "protocol error"}
	ReasonInternalError = Reason{Name: "internal_error", Code: ws.CloseInternalError, Text: "internal error"}
	ReasonReplaced      = Reason{Name: "replaced", Code: ws.CloseSessionReplaced, Text: "session replaced"}
	ReasonShutdown      = Reason{Name: "shutdown", Code: ws.CloseGoingAway, Text: "server shutting down"}
)

// Connection is a registered transport bound to one user and one durable session.
type Connection struct {
	userID    string
	sessionID string
	transport Transport
	lc        *Lifecycle
	log       *zap.Logger

	termOnce sync.Once
	done     chan struct{}
	reason   Reason
}

// UserID returns the id of the connected user.
func (c *Connection) UserID() string { return c.userID }

// SessionID returns the id of the session created at connect.
func (c *Connection) SessionID() string { return c.sessionID }

// Send queues msg on the transport.
func (c *Connection) Send(msg []byte) error { return c.transport.Send(msg) }

// Done is closed once the connection has terminated.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Serve runs the receive loop until the peer disconnects, a protocol or persistence error occurs,
// or the connection is terminated from elsewhere. Frames are handled strictly in arrival order.
// The connection is always terminated when Serve returns; the returned error is nil for a normal disconnect.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.lc.loops.Done()
	peer := Peer{UserID: c.userID, SessionID: c.sessionID}
	for {
		raw, err := c.transport.Receive()
		if err != nil {
			c.Terminate(ReasonPeerClosed)
			if errors.Is(err, ws.ErrPeerClosed) {
				return nil
			}
			return err
		}
		if err := c.lc.dispatcher.Dispatch(ctx, peer, raw); err != nil {
			reason := ReasonInternalError
			if errors.Is(err, ErrMalformedEnvelope) || errors.Is(err, ErrInvalidPayload) {
				reason = ReasonProtocolError
			}
			c.log.Info("terminating connection", zap.String("reason", reason.Name), zap.Error(err))
			c.Terminate(reason)
			return err
		}
	}
}

// Terminate finalizes the session, releases the registry entry and closes the transport.
// Only the first call has an effect; concurrent callers wait until termination completes.
func (c *Connection) Terminate(reason Reason) {
	c.termOnce.Do(func() {
		c.reason = reason
		c.lc.finalize(c, reason)
		close(c.done)
	})
	<-c.done
}
