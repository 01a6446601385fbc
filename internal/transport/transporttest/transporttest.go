// Package transporttest provides an in-memory transport.Conn for the
// client core's own test suite, standing in for a real network socket
// and for the out-of-scope bundled mock server.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brightloop/rosbridge-client/internal/transport"
)

// Handler controls how a Server responds to incoming connections. Tests
// construct a Server, install a Handler, and hand Server.Factory() to
// the client under test.
type Handler func(*Peer)

// Peer is the server-side view of one client connection, handed to a
// Handler. Frames the client Sends arrive on Incoming(); the handler
// calls SendToClient to push frames back, or Close to simulate a
// server-initiated disconnect.
type Peer struct {
	server *Server
	conn   *conn
}

// Incoming returns the channel of frames the client sent.
func (p *Peer) Incoming() <-chan transport.Frame {
	return p.conn.toServer
}

// SendToClient delivers a frame to the client's OnMessage hook.
func (p *Peer) SendToClient(f transport.Frame) {
	p.conn.deliverFromServer(f)
}

// CloseWithError closes the connection from the server side, invoking
// the client's OnClose hook with err (nil for a clean close).
func (p *Peer) CloseWithError(err error) {
	p.conn.closeFromServer(err)
}

// Server is an in-memory stand-in for a rosbridge-compatible endpoint.
type Server struct {
	mu      sync.Mutex
	handler Handler
	peers   []*Peer
	nextGen atomic.Int64
}

// NewServer creates a Server. Install a handler with OnConnect before
// handing Factory() to a client.
func NewServer() *Server {
	return &Server{}
}

// OnConnect sets the callback run, on its own goroutine, for every new
// connection the Factory produces.
func (s *Server) OnConnect(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Peers returns the connections accepted so far, in connection order.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

// Factory returns a transport.Factory backed by this Server. Each call
// produces a fresh conn/Peer pair and invokes the installed handler.
func (s *Server) Factory() transport.Factory {
	return func(ctx context.Context, url string) (transport.Conn, error) {
		c := &conn{
			toServer: make(chan transport.Frame, 64),
		}
		c.state.Store(int32(transport.StateOpen))
		p := &Peer{server: s, conn: c}

		s.mu.Lock()
		s.peers = append(s.peers, p)
		handler := s.handler
		s.mu.Unlock()

		if handler != nil {
			go handler(p)
		}
		return c, nil
	}
}

// DialFailFactory returns a transport.Factory that always fails to
// connect, for exercising Connect error paths.
func DialFailFactory(err error) transport.Factory {
	return func(ctx context.Context, url string) (transport.Conn, error) {
		return nil, fmt.Errorf("transporttest: dial failed: %w", err)
	}
}

type conn struct {
	toServer chan transport.Frame
	state    atomic.Int32

	mu        sync.Mutex
	hooks     transport.Hooks
	closed    bool
	hooksSet  bool
	pendingFn []func()
}

func (c *conn) ReadyState() transport.State {
	return transport.State(c.state.Load())
}

func (c *conn) Send(frame transport.Frame) error {
	if c.ReadyState() != transport.StateOpen {
		return transport.ErrConnNotOpen
	}
	select {
	case c.toServer <- frame:
		return nil
	default:
		return fmt.Errorf("transporttest: server inbox full")
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return nil
	}
	c.state.Store(int32(transport.StateClosed))
	return nil
}

func (c *conn) SetHooks(h transport.Hooks) {
	c.mu.Lock()
	c.hooks = h
	first := !c.hooksSet
	c.hooksSet = true
	pending := c.pendingFn
	c.pendingFn = nil
	c.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	if first && h.OnOpen != nil {
		h.OnOpen()
	}
}

// deliverFromServer invokes OnMessage, queuing the delivery if hooks
// have not been installed yet (mirrors a real socket where the dial
// completes before the caller finishes wiring hooks).
func (c *conn) deliverFromServer(f transport.Frame) {
	c.mu.Lock()
	if !c.hooksSet {
		c.pendingFn = append(c.pendingFn, func() {
			if c.hooks.OnMessage != nil {
				c.hooks.OnMessage(f)
			}
		})
		c.mu.Unlock()
		return
	}
	hook := c.hooks.OnMessage
	c.mu.Unlock()
	if hook != nil {
		hook(f)
	}
}

func (c *conn) closeFromServer(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.state.Store(int32(transport.StateClosed))

	c.mu.Lock()
	hook := c.hooks.OnClose
	c.mu.Unlock()
	if hook != nil {
		hook(err)
	}
}
