package rosbridge

import (
	"context"
	"fmt"

	"github.com/brightloop/rosbridge-client/internal/events"
	"github.com/brightloop/rosbridge-client/internal/protocol"
	"github.com/brightloop/rosbridge-client/internal/reconnect"
	"github.com/brightloop/rosbridge-client/internal/transport"
)

// loopState holds every piece of mutable state the client core owns.
// It is only ever touched from inside Client.run's goroutine.
type loopState struct {
	client *Client

	connState   ConnState
	url         string
	manualClose bool
	conn        transport.Conn

	socketGeneration       int64
	activeSocketGeneration int64

	scheduler *reconnect.Scheduler

	subscriptions           map[string]*subscriptionEntry
	subscriptionTopicOrder  []string
	advertisements          map[string]string
	advertisementTopicOrder []string
	nextToken               uint64

	pendingServiceCalls map[string]*pendingCall
	pendingActions      map[string]*pendingAction
	sessionToAction     map[string]string
	pendingCancels      map[string]*pendingCancel
	pendingCLI          map[string]*pendingCLI

	// connectWaiters each receive the outcome (nil or the failure) when
	// an in-flight Connect settles, implementing the "concurrent Connect
	// calls share one attempt" deduplication requirement.
	connectWaiters []chan error
	connectErr     error
}

func newLoopState(c *Client, clock reconnect.Clock) *loopState {
	ls := &loopState{
		client:              c,
		connState:           StateIdle,
		subscriptions:       make(map[string]*subscriptionEntry),
		advertisements:      make(map[string]string),
		pendingServiceCalls: make(map[string]*pendingCall),
		pendingActions:      make(map[string]*pendingAction),
		sessionToAction:     make(map[string]string),
		pendingCancels:      make(map[string]*pendingCancel),
		pendingCLI:          make(map[string]*pendingCLI),
	}
	ls.scheduler = reconnect.New(c.reconnectCfg, clock, nil)
	return ls
}

// shutdown runs once, when the event loop is stopping.
func (ls *loopState) shutdown() {
	ls.manualClose = true
	ls.scheduler.Close()
	if ls.conn != nil {
		ls.conn.Close()
		ls.conn = nil
	}
	ls.failAllPendingOnClose(ErrClosed)
}

// Connect opens a connection to url. If a connect is already in
// flight, the caller observes the same result rather than triggering a
// second dial, satisfying the dedup requirement.
func (c *Client) Connect(ctx context.Context, url string) error {
	resultCh := make(chan chan error, 1)
	ok := c.submit(func(ls *loopState) {
		resultCh <- ls.beginConnect(url)
	})
	if !ok {
		return ErrClosed
	}
	var waitCh chan error
	select {
	case waitCh = <-resultCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneChan:
		return ErrClosed
	}
	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneChan:
		return ErrClosed
	}
}

// beginConnect runs on the loop goroutine. It returns a channel the
// caller reads exactly one result from.
func (ls *loopState) beginConnect(url string) chan error {
	waiter := make(chan error, 1)
	if ls.connState == StateOpening {
		ls.connectWaiters = append(ls.connectWaiters, waiter)
		return waiter
	}

	ls.manualClose = false
	ls.url = url
	ls.scheduler.CancelTimer()
	if ls.conn != nil {
		ls.conn.Close()
		ls.conn = nil
	}

	ls.connectWaiters = []chan error{waiter}
	ls.openSocket()
	return waiter
}

// openSocket starts a new transport attempt, incrementing the socket
// generation counter per spec §3's stale-event filter.
func (ls *loopState) openSocket() {
	c := ls.client
	ls.connState = StateOpening
	ls.socketGeneration++
	generation := ls.socketGeneration
	ls.activeSocketGeneration = generation

	c.publishEvent(events.SourceConnection, events.KindConnecting, map[string]any{"url": ls.url})

	if c.factory == nil {
		ls.failConnect(generation, ErrNoTransportFactory)
		ls.transitionToWaitingOrClose(reconnect.ReasonOpenThrow, ErrNoTransportFactory)
		return
	}

	conn, err := c.factory(context.Background(), ls.url)
	if err != nil {
		wrapped := fmt.Errorf("rosbridge: open socket: %w", err)
		ls.failConnect(generation, wrapped)
		ls.transitionToWaitingOrClose(reconnect.ReasonOpenThrow, wrapped)
		return
	}

	ls.conn = conn
	conn.SetHooks(transport.Hooks{
		OnOpen:    func() { c.submit(func(ls *loopState) { ls.handleOpen(generation) }) },
		OnMessage: func(f transport.Frame) { c.submit(func(ls *loopState) { ls.handleMessage(generation, f) }) },
		OnError:   func(err error) { c.submit(func(ls *loopState) { ls.handleError(generation, err) }) },
		OnClose:   func(err error) { c.submit(func(ls *loopState) { ls.handleClose(generation, err) }) },
	})
}

func (ls *loopState) isStale(generation int64) bool {
	return generation != ls.activeSocketGeneration
}

func (ls *loopState) handleOpen(generation int64) {
	if ls.isStale(generation) {
		return
	}
	ls.client.publishEvent(events.SourceConnection, events.KindOpen, map[string]any{
		"url": ls.url, "generation": generation,
	})

	if err := ls.replayState(); err != nil {
		wrapped := fmt.Errorf("rosbridge: replay subscriptions: %w", err)
		ls.failConnect(generation, wrapped)
		ls.transitionToWaitingOrClose(reconnect.ReasonConnectError, wrapped)
		return
	}

	ls.connState = StateActive
	ls.scheduler.Reset()
	ls.settleConnect(nil)
}

func (ls *loopState) handleMessage(generation int64, f transport.Frame) {
	if ls.isStale(generation) {
		return
	}
	ls.dispatchIncoming(f)
}

func (ls *loopState) handleError(generation int64, err error) {
	if ls.isStale(generation) {
		return
	}
	ls.client.publishEvent(events.SourceConnection, events.KindSocketError, map[string]any{
		"generation": generation, "error": err.Error(),
	})
	ls.failConnect(generation, err)
	ls.transitionToWaitingOrClose(reconnect.ReasonSocketError, err)
}

func (ls *loopState) handleClose(generation int64, err error) {
	if ls.isStale(generation) {
		return
	}
	ls.client.publishEvent(events.SourceConnection, events.KindSocketClose, map[string]any{
		"generation": generation, "manual": ls.manualClose,
	})
	wasActive := ls.connState == StateActive
	ls.conn = nil
	ls.failConnect(generation, err)
	if wasActive {
		ls.failAllPendingOnDisconnect()
	}
	if !ls.manualClose {
		ls.transitionToWaitingOrClose(reconnect.ReasonSocketClose, err)
	}
}

func (ls *loopState) failConnect(generation int64, err error) {
	if err != nil {
		ls.connectErr = err
	}
	ls.settleConnect(err)
}

func (ls *loopState) settleConnect(err error) {
	waiters := ls.connectWaiters
	ls.connectWaiters = nil
	for _, w := range waiters {
		w <- err
	}
}

func (ls *loopState) transitionToWaitingOrClose(reason reconnect.Reason, err error) {
	if ls.manualClose {
		ls.connState = StateClosed
		return
	}
	ls.connState = StateWaiting
	ls.scheduleReconnect(reason, err)
}

func (ls *loopState) scheduleReconnect(reason reconnect.Reason, err error) {
	armed := ls.scheduler.Schedule(reason, err, func() {
		ls.client.submit(func(ls *loopState) {
			ls.client.publishEvent(events.SourceReconnect, events.KindReconnectAttempt, map[string]any{
				"attempt": ls.scheduler.Attempt(),
			})
			ls.connectWaiters = nil
			ls.openSocket()
		})
	})
	if armed {
		ls.client.publishEvent(events.SourceReconnect, events.KindReconnectScheduled, map[string]any{
			"attempt": ls.scheduler.Attempt(),
			"reason":  string(reason),
		})
	}
}

// replayState re-sends the subscription and advertisement tables after
// a (re)connect, in insertion order.
func (ls *loopState) replayState() error {
	for _, topic := range ls.subscriptionOrder() {
		entry := ls.subscriptions[topic]
		env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
			return b.Subscribe(topic, entry.msgType, entry.compression)
		})
		if err != nil {
			return err
		}
		if err := ls.send(env); err != nil {
			return err
		}
	}
	for _, topic := range ls.advertisementOrder() {
		msgType := ls.advertisements[topic]
		env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
			return b.Advertise(topic, msgType)
		})
		if err != nil {
			return err
		}
		if err := ls.send(env); err != nil {
			return err
		}
	}
	return nil
}

// buildEnvelope is a convenience wrapper around protocol.Build using
// this client's injected builder (if any). A build failure is wrapped
// in ErrInvalidEnvelope so callers can check with errors.Is without
// reaching into the internal/protocol package.
func (ls *loopState) buildEnvelope(fn func(protocol.Builder) map[string]any) (map[string]any, error) {
	env, err := protocol.Build(ls.client.builder, fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// send encodes env with the client's codec and writes it to the
// current transport. Returns ErrNotConnected if no transport is open.
func (ls *loopState) send(env map[string]any) error {
	if ls.conn == nil || ls.conn.ReadyState() != transport.StateOpen {
		return ErrNotConnected
	}
	payload, isText, err := ls.client.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("rosbridge: encode envelope: %w", err)
	}
	if err := ls.conn.Send(transport.Frame{Data: payload, Text: isText}); err != nil {
		return fmt.Errorf("rosbridge: send frame: %w", err)
	}
	return nil
}

// Close shuts down the connection and the event loop. Safe to call
// more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	c.cmdChan <- func(ls *loopState) {
		ls.manualClose = true
		ls.scheduler.Close()
		ls.client.publishEvent(events.SourceConnection, events.KindManualClose, nil)
		if ls.conn != nil {
			ls.conn.Close()
			ls.conn = nil
		}
		ls.connState = StateClosed
		ls.settleConnect(ErrDisconnected)
		close(done)
	}
	<-done
	close(c.doneChan)
	return nil
}
