package session

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veritel/telelink/proto"
)

// Conn is one physical connection to the real-time endpoint. The manager
// only ever holds one live Conn; tests substitute an in-memory fake.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the connection
	// fails. A CloseError carries the peer's close code.
	ReadFrame() (proto.Frame, error)

	// WriteFrame sends one frame. Callers must serialize writes; the
	// manager does this with its write lock.
	WriteFrame(proto.Frame) error

	Close() error
}

// Dialer opens a Conn. The token is carried out-of-band in the handshake
// (subprotocol list), never in the URL.
type Dialer interface {
	DialContext(ctx context.Context, url string, subprotocols []string) (Conn, error)
}

// CloseError mirrors the peer-initiated close so the manager can classify
// it without depending on the websocket package.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string { return "connection closed: " + e.Text }

// wsDialer is the production Dialer backed by gorilla/websocket.
type wsDialer struct {
	timeout time.Duration
}

// NewDialer returns the gorilla/websocket-backed Dialer with the given
// handshake timeout.
func NewDialer(timeout time.Duration) Dialer {
	return &wsDialer{timeout: timeout}
}

func (d *wsDialer) DialContext(ctx context.Context, url string, subprotocols []string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.timeout,
		Subprotocols:     subprotocols,
	}
	c, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadFrame() (proto.Frame, error) {
	var f proto.Frame
	if err := w.c.ReadJSON(&f); err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return proto.Frame{}, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return proto.Frame{}, err
	}
	return f, nil
}

func (w *wsConn) WriteFrame(f proto.Frame) error {
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteJSON(f)
}

func (w *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.c.Close()
}
