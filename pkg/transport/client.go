package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/apq-labscript/runcoord/pkg/wire"
)

// FanInConn is the participant side of the fan-in channel: a one-way send
// socket to the coordinator.
type FanInConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// DialFanIn connects to a coordinator's fan-in listen address, e.g.
// "ws://host:43227/".
func DialFanIn(ctx context.Context, url string) (*FanInConn, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial fan-in %s: %w", url, err)
	}
	return &FanInConn{conn: conn}, nil
}

// Send writes msg to the fan-in socket. Safe for concurrent use.
func (c *FanInConn) Send(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, msg.Bytes()); err != nil {
		return fmt.Errorf("transport: fan-in send: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (c *FanInConn) Close() error { return c.conn.Close() }

// FanOutConn is the participant side of the fan-out channel: a one-way
// receive socket broadcasting orders from the coordinator. Messages arrive
// on the channel returned by Messages in the order the coordinator sent
// them; the channel closes when the connection ends.
type FanOutConn struct {
	conn *websocket.Conn
	msgs chan wire.Message
}

// DialFanOut connects to a coordinator's fan-out listen address, e.g.
// "ws://host:43228/", and starts a background reader goroutine.
func DialFanOut(ctx context.Context, url string) (*FanOutConn, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial fan-out %s: %w", url, err)
	}
	fc := &FanOutConn{conn: conn, msgs: make(chan wire.Message, 256)}
	go fc.readLoop()
	return fc, nil
}

func (c *FanOutConn) readLoop() {
	defer close(c.msgs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg := wire.Parse(data)
		if msg.Kind == "" {
			continue
		}
		c.msgs <- msg
	}
}

// Messages returns the channel of orders broadcast by the coordinator.
func (c *FanOutConn) Messages() <-chan wire.Message { return c.msgs }

// Close tears down the connection.
func (c *FanOutConn) Close() error { return c.conn.Close() }
