// Package rosbridge implements a WebSocket client for a rosbridge-
// compatible server, extended with a native action RPC protocol. It
// exposes topic pub/sub, request/response service calls, long-running
// actions with streamed feedback, and CLI command execution over a
// single connection that speaks JSON or CBOR.
//
// The client core runs as a single goroutine reached only through
// channels — every public method submits a closure to that goroutine
// and waits for its result, so all internal bookkeeping (subscriptions,
// pending calls, socket generation) is touched from exactly one place.
package rosbridge

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brightloop/rosbridge-client/internal/codec"
	"github.com/brightloop/rosbridge-client/internal/events"
	"github.com/brightloop/rosbridge-client/internal/protocol"
	"github.com/brightloop/rosbridge-client/internal/reconnect"
	"github.com/brightloop/rosbridge-client/internal/transport"
)

// Options configures a new Client.
type Options struct {
	// Factory opens transports; required to use Connect.
	Factory transport.Factory
	// Codec selects the wire codec. Defaults to codec.JSON.
	Codec codec.Codec
	// Builder, if set, is tried before the package's fallback builder
	// for every outgoing envelope.
	Builder protocol.Builder
	// Reconnect controls the backoff schedule. Defaults to
	// reconnect.DefaultConfig().
	Reconnect reconnect.Config
	// Clock backs the reconnect timer; defaults to reconnect.RealClock.
	Clock reconnect.Clock
	// Logger receives structured diagnostic logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
	// Events, if set, receives operational events (connection,
	// reconnect, dispatch). Optional.
	Events *events.Bus
	// IDGenerator produces correlation ids when a caller doesn't supply
	// one. Defaults to uuid.NewString.
	IDGenerator func() string
}

// Client is a single connection to a rosbridge-compatible endpoint. A
// Client must be created with New and is safe for concurrent use by
// multiple goroutines.
type Client struct {
	factory     transport.Factory
	codec       codec.Codec
	builder     protocol.Builder
	logger      *slog.Logger
	bus         *events.Bus
	idGenerator func() string

	cmdChan  chan func(*loopState)
	doneChan chan struct{}
	closed   atomic.Bool

	reconnectCfg Config
}

// Config is an alias of reconnect.Config, so the reconnect settings
// used in Options can be named from this package.
type Config = reconnect.Config

// New constructs a Client. The client core's event loop starts
// immediately; call Close to stop it and release resources.
func New(opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = codec.JSON
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	reconnectCfg := opts.Reconnect
	if reconnectCfg.InitialDelay == 0 && reconnectCfg.MaxDelay == 0 && reconnectCfg.Multiplier == 0 {
		reconnectCfg = reconnect.DefaultConfig()
	}

	c := &Client{
		factory:      opts.Factory,
		codec:        opts.Codec,
		builder:      opts.Builder,
		logger:       opts.Logger,
		bus:          opts.Events,
		idGenerator:  opts.IDGenerator,
		cmdChan:      make(chan func(*loopState), 64),
		doneChan:     make(chan struct{}),
		reconnectCfg: reconnectCfg,
	}

	ls := newLoopState(c, opts.Clock)
	go c.run(ls)
	return c
}

// run is the client core's single event loop. It owns every mutable
// field reachable from ls for the client's entire lifetime; nothing
// outside this goroutine may touch them.
func (c *Client) run(ls *loopState) {
	for {
		select {
		case fn := <-c.cmdChan:
			fn(ls)
		case <-c.doneChan:
			ls.shutdown()
			return
		}
	}
}

// submit enqueues fn to run on the event loop and blocks until it has
// been accepted (not until it completes — fn is expected to signal its
// own completion via a channel it closes over, if the caller needs to
// wait for a result). Returns false if the client is already closed.
func (c *Client) submit(fn func(*loopState)) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.cmdChan <- fn:
		return true
	case <-c.doneChan:
		return false
	}
}

func (c *Client) publishEvent(source, kind string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// State returns the client's current connection state. Safe to call
// concurrently; the value may be stale by the time the caller observes
// it, as with any concurrent state query.
func (c *Client) State() ConnState {
	resultCh := make(chan ConnState, 1)
	ok := c.submit(func(ls *loopState) { resultCh <- ls.connState })
	if !ok {
		return StateClosed
	}
	select {
	case s := <-resultCh:
		return s
	case <-c.doneChan:
		return StateClosed
	}
}
