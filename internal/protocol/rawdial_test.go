package protocol

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

type rawDialer struct{ url string }

// helloWithVersion performs a handshake claiming version v and returns the
// peer's answer, which must be a Reject.
func (d *rawDialer) helloWithVersion(v int) (*Reject, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(context.Background(), d.url, nil)
	if err != nil {
		return nil, err
	}
	c := newConn(ws)
	defer c.Close()
	if err := c.Send(Hello{Version: v, Role: RoleWorker}); err != nil {
		return nil, err
	}
	msg, err := c.Recv()
	if err != nil {
		return nil, err
	}
	reject, ok := msg.(*Reject)
	if !ok {
		return nil, fmt.Errorf("expected reject, got %T", msg)
	}
	return reject, nil
}
