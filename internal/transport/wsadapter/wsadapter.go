// Package wsadapter adapts gorilla/websocket to the transport.Conn
// capability set, so the client core never imports gorilla/websocket
// directly.
package wsadapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/brightloop/rosbridge-client/internal/transport"
)

// Dialer exposes the subset of *websocket.Dialer options this adapter
// tunes. Zero value uses gorilla/websocket's own defaults.
type Dialer struct {
	ReadBufferSize  int
	WriteBufferSize int
	ReadLimitBytes  int64
}

// Factory builds a transport.Factory backed by gorilla/websocket, using
// d to configure the underlying dialer. A zero Dialer is valid.
func Factory(d Dialer) transport.Factory {
	return func(ctx context.Context, url string) (transport.Conn, error) {
		dialer := websocket.Dialer{
			ReadBufferSize:  d.ReadBufferSize,
			WriteBufferSize: d.WriteBufferSize,
		}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("wsadapter: dial websocket: %w", err)
		}
		if d.ReadLimitBytes > 0 {
			conn.SetReadLimit(d.ReadLimitBytes)
		}
		c := &wsConn{conn: conn}
		c.state.Store(int32(transport.StateOpen))
		return c, nil
	}
}

// wsConn adapts a single *websocket.Conn. Reads happen on a dedicated
// goroutine started by SetHooks; writes are serialized by writeMu since
// gorilla/websocket connections are not safe for concurrent writers.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once
	hooks     transport.Hooks
	hooksSet  atomic.Bool
}

func (c *wsConn) ReadyState() transport.State {
	return transport.State(c.state.Load())
}

func (c *wsConn) Send(frame transport.Frame) error {
	if c.ReadyState() != transport.StateOpen {
		return transport.ErrConnNotOpen
	}
	msgType := websocket.BinaryMessage
	if frame.Text {
		msgType = websocket.TextMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(msgType, frame.Data); err != nil {
		return fmt.Errorf("wsadapter: write message: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(transport.StateClosed))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) SetHooks(h transport.Hooks) {
	c.hooks = h
	if c.hooksSet.CompareAndSwap(false, true) {
		go c.readLoop()
		if h.OnOpen != nil {
			h.OnOpen()
		}
	}
}

func (c *wsConn) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.state.Store(int32(transport.StateClosed))
			if c.hooks.OnClose != nil {
				if isNormalClose(err) {
					c.hooks.OnClose(nil)
				} else {
					c.hooks.OnClose(err)
				}
			}
			return
		}
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(transport.Frame{
				Data: data,
				Text: msgType == websocket.TextMessage,
			})
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
