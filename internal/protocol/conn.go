package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 16 << 20
)

// Conn is a message connection over a websocket. Send may be called from
// any goroutine; Recv from one goroutine at a time.
type Conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	// ReadTimeout, when set, bounds the silence between two received
	// messages. A peer that stays quiet longer is treated as lost.
	ReadTimeout time.Duration
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}
}

// Dial connects to url and performs the handshake.
func Dial(ctx context.Context, url string, hello Hello) (*Conn, *Welcome, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout, EnableCompression: false}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionLost, url, err)
	}
	c := newConn(ws)
	hello.Version = Version
	if err := c.Send(hello); err != nil {
		c.Close()
		return nil, nil, err
	}
	c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := c.Recv()
	c.ws.SetReadDeadline(time.Time{})
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	switch m := msg.(type) {
	case *Welcome:
		return c, m, nil
	case *Reject:
		c.Close()
		if m.Version != Version {
			return nil, nil, fmt.Errorf("%w: peer speaks %d, we speak %d", ErrVersionMismatch, m.Version, Version)
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrRejected, m.Reason)
	}
	c.Close()
	return nil, nil, fmt.Errorf("%w: expected welcome, got %T", ErrMalformed, msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request and reads the peer's Hello. A peer with
// another protocol version is rejected and ErrVersionMismatch is returned.
// The caller answers an accepted Hello with Welcome or Reject.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, *Hello, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, err
	}
	c := newConn(ws)
	c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := c.Recv()
	c.ws.SetReadDeadline(time.Time{})
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	hello, ok := msg.(*Hello)
	if !ok {
		c.Close()
		return nil, nil, fmt.Errorf("%w: expected hello, got %T", ErrMalformed, msg)
	}
	if hello.Version != Version {
		c.Send(Reject{Reason: fmt.Sprintf("protocol version %d is not supported", hello.Version), Version: Version})
		c.Close()
		return nil, nil, fmt.Errorf("%w: peer %q speaks %d, we speak %d", ErrVersionMismatch, hello.Name, hello.Version, Version)
	}
	return c, hello, nil
}

func (c *Conn) Send(msg any) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Recv returns the next message as a pointer to one of the message types.
func (c *Conn) Recv() (any, error) {
	if c.ReadTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: no message for %s", ErrConnectionLost, c.ReadTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d", ErrMalformed, kind)
	}
	return Decode(data)
}

// Close sends a close frame, best effort, and closes the socket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
