package rosbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brightloop/rosbridge-client/internal/codec"
	"github.com/brightloop/rosbridge-client/internal/protocol"
	"github.com/brightloop/rosbridge-client/internal/reconnect"
	"github.com/brightloop/rosbridge-client/internal/transport"
	"github.com/brightloop/rosbridge-client/internal/transport/transporttest"
)

// fakeClock lets reconnect tests fire timers deterministically instead
// of waiting on real backoff delays.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) reconnect.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every pending, unstopped timer once.
func (c *fakeClock) fire() {
	c.mu.Lock()
	pending := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			pending = append(pending, t)
		}
	}
	c.timers = nil
	c.mu.Unlock()
	for _, t := range pending {
		t.fired = true
		t.fn()
	}
}

func newTestClient(t *testing.T, server *transporttest.Server) *Client {
	t.Helper()
	c := New(Options{
		Factory: server.Factory(),
		Codec:   codec.JSON,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func mustConnect(t *testing.T, c *Client, url string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx, url); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// brokenBuilder never produces a usable "op" field. Installed both as
// the injected builder and as protocol.Fallback, it forces
// protocol.Build to fail even after falling back.
type brokenBuilder struct{}

func (brokenBuilder) Subscribe(string, string, string) map[string]any            { return map[string]any{} }
func (brokenBuilder) Unsubscribe(string) map[string]any                          { return map[string]any{} }
func (brokenBuilder) Advertise(string, string) map[string]any                    { return map[string]any{} }
func (brokenBuilder) Publish(string, any) map[string]any                         { return map[string]any{} }
func (brokenBuilder) CallService(string, string, any, string) map[string]any     { return map[string]any{} }
func (brokenBuilder) SendActionGoal(string, string, any, string, string) map[string]any {
	return map[string]any{}
}
func (brokenBuilder) CancelActionGoal(string, string, string) map[string]any { return map[string]any{} }
func (brokenBuilder) CLIRequest(string, string, []string) map[string]any     { return map[string]any{} }

func TestInvalidEnvelopeSurfacesPublicSentinel(t *testing.T) {
	server := transporttest.NewServer()
	c := New(Options{Factory: server.Factory(), Codec: codec.JSON, Builder: brokenBuilder{}})
	t.Cleanup(func() { c.Close() })
	mustConnect(t, c, "ws://broken")

	origFallback := protocol.Fallback
	protocol.Fallback = brokenBuilder{}
	t.Cleanup(func() { protocol.Fallback = origFallback })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.CallService(ctx, "/svc", "", nil)
	if err == nil {
		t.Fatal("expected an error building the envelope")
	}
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("err = %v, want errors.Is(err, ErrInvalidEnvelope)", err)
	}
	if !errors.Is(err, protocol.ErrInvalidEnvelope) {
		t.Errorf("err = %v, want errors.Is(err, protocol.ErrInvalidEnvelope)", err)
	}
}

func TestConnectOpensAndReportsActive(t *testing.T) {
	server := transporttest.NewServer()
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")
	if got := c.State(); got != StateActive {
		t.Fatalf("State() = %v, want %v", got, StateActive)
	}
}

func TestSubscribeReceivesPublishedMessage(t *testing.T) {
	server := transporttest.NewServer()
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	received := make(chan any, 1)
	if _, err := c.Subscribe("/topic", "std_msgs/String", func(msg any) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	peer := server.Peers()[0]
	peer.SendToClient(frame(t, map[string]any{
		"op": "publish", "topic": "/topic", "msg": map[string]any{"data": "hello"},
	}))

	select {
	case msg := <-received:
		m := msg.(map[string]any)
		if m["data"] != "hello" {
			t.Fatalf("unexpected payload: %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish delivery")
	}
}

func TestCallServiceSuccess(t *testing.T) {
	server := transporttest.NewServer()
	server.OnConnect(func(p *transporttest.Peer) {
		go func() {
			for f := range p.Incoming() {
				env := decodeJSON(t, f)
				if env["op"] == "call_service" {
					p.SendToClient(frame(t, map[string]any{
						"op": "service_response", "id": env["id"], "service": env["service"],
						"result": true, "values": map[string]any{"sum": 3},
					}))
				}
			}
		}()
	})
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	values, err := c.CallService(ctx, "/add", "my_pkg/Add", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if values["sum"].(float64) != 3 {
		t.Fatalf("unexpected values: %#v", values)
	}
}

func TestCallServiceFailure(t *testing.T) {
	server := transporttest.NewServer()
	server.OnConnect(func(p *transporttest.Peer) {
		go func() {
			for f := range p.Incoming() {
				env := decodeJSON(t, f)
				if env["op"] == "call_service" {
					p.SendToClient(frame(t, map[string]any{
						"op": "service_response", "id": env["id"], "result": false, "error": "boom",
					}))
				}
			}
		}()
	})
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.CallService(ctx, "/fail", "", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestCallServiceTimeout(t *testing.T) {
	server := transporttest.NewServer()
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.CallService(ctx, "/silent", "", nil, WithServiceTimeout(30*time.Millisecond))
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSendActionGoalCompletesViaActionResult(t *testing.T) {
	server := transporttest.NewServer()
	server.OnConnect(func(p *transporttest.Peer) {
		go func() {
			for f := range p.Incoming() {
				env := decodeJSON(t, f)
				if env["op"] == "send_action_goal" {
					p.SendToClient(frame(t, map[string]any{
						"op": "action_result", "id": env["id"], "result": map[string]any{"ok": true},
					}))
				}
			}
		}()
	})
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	goal, err := c.SendActionGoal(ctx, ActionGoalOptions{Action: "/move", ActionType: "nav/Move", Goal: map[string]any{}})
	if err != nil {
		t.Fatalf("SendActionGoal: %v", err)
	}
	result, err := goal.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	m := result.(map[string]any)
	if m["ok"] != true {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestSendActionGoalNonZeroStatusFails(t *testing.T) {
	server := transporttest.NewServer()
	server.OnConnect(func(p *transporttest.Peer) {
		go func() {
			for f := range p.Incoming() {
				env := decodeJSON(t, f)
				if env["op"] == "send_action_goal" {
					p.SendToClient(frame(t, map[string]any{
						"type": "result", "id": env["id"], "status": 1, "result": map[string]any{},
					}))
				}
			}
		}()
	})
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	goal, err := c.SendActionGoal(ctx, ActionGoalOptions{Action: "/move", ActionType: "nav/Move"})
	if err != nil {
		t.Fatalf("SendActionGoal: %v", err)
	}
	if _, err := goal.Wait(ctx); err == nil {
		t.Fatal("expected non-success status error")
	}
}

func TestCancelActionGoal(t *testing.T) {
	server := transporttest.NewServer()
	server.OnConnect(func(p *transporttest.Peer) {
		go func() {
			for f := range p.Incoming() {
				env := decodeJSON(t, f)
				if env["op"] == "cancel_action_goal" {
					p.SendToClient(frame(t, map[string]any{
						"op": "cancel_action_result", "action": env["action"], "session_id": env["session_id"], "result": true,
					}))
				}
			}
		}()
	})
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := c.CancelActionGoal(ctx, CancelOptions{Action: "/move", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("CancelActionGoal: %v", err)
	}
	if env["action"] != "/move" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestExecCLI(t *testing.T) {
	server := transporttest.NewServer()
	server.OnConnect(func(p *transporttest.Peer) {
		go func() {
			for f := range p.Incoming() {
				env := decodeJSON(t, f)
				if env["op"] == "cli_request" {
					p.SendToClient(frame(t, map[string]any{
						"op": "cli_response", "id": env["id"], "exit_code": float64(0), "stdout": "ok\n",
					}))
				}
			}
		}()
	})
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := c.ExecCLI(ctx, "echo", []string{"ok"})
	if err != nil {
		t.Fatalf("ExecCLI: %v", err)
	}
	if res.Stdout != "ok\n" || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestDisconnectFailsPendingActionButNotPendingServiceCall(t *testing.T) {
	server := transporttest.NewServer()
	c := newTestClient(t, server)
	mustConnect(t, c, "ws://test/")

	actionCtx, actionCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer actionCancel()
	goalDone := make(chan error, 1)
	go func() {
		goal, err := c.SendActionGoal(actionCtx, ActionGoalOptions{Action: "/move", ActionType: "nav/Move"})
		if err != nil {
			goalDone <- err
			return
		}
		_, err = goal.Wait(actionCtx)
		goalDone <- err
	}()

	serviceCtx, serviceCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer serviceCancel()
	serviceDone := make(chan error, 1)
	go func() {
		_, err := c.CallService(serviceCtx, "/noop", "", nil, WithServiceTimeout(0))
		serviceDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	server.Peers()[0].CloseWithError(nil)

	select {
	case err := <-goalDone:
		if err == nil {
			t.Fatal("expected action to fail on disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for action disconnect rejection")
	}

	select {
	case err := <-serviceDone:
		t.Fatalf("service call should not resolve on disconnect, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	server := transporttest.NewServer()
	var subscribeCount int
	var mu sync.Mutex
	server.OnConnect(func(p *transporttest.Peer) {
		go func() {
			for f := range p.Incoming() {
				env := decodeJSON(t, f)
				if env["op"] == "subscribe" {
					mu.Lock()
					subscribeCount++
					mu.Unlock()
				}
			}
		}()
	})

	clock := &fakeClock{}
	c := New(Options{
		Factory: server.Factory(),
		Codec:   codec.JSON,
		Clock:   clock,
		Reconnect: reconnect.Config{
			Enabled:      true,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	})
	t.Cleanup(func() { c.Close() })
	mustConnect(t, c, "ws://test/")

	if _, err := c.Subscribe("/topic", "std_msgs/String", func(any) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return subscribeCount == 1
	})

	server.Peers()[0].CloseWithError(nil)
	// The close is handled on the event loop; fire only once it has
	// armed the reconnect timer.
	waitForCondition(t, func() bool {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return len(clock.timers) > 0
	})
	clock.fire()

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return subscribeCount == 2
	})
}

func TestConcurrentConnectDedup(t *testing.T) {
	server := transporttest.NewServer()
	c := newTestClient(t, server)

	// Hold the event loop until all four Connect calls are queued, so
	// they overlap the same in-flight attempt.
	gate := make(chan struct{})
	started := make(chan struct{})
	c.submit(func(*loopState) { close(started); <-gate })
	<-started

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			errs[i] = c.Connect(ctx, "ws://test/")
		}(i)
	}
	waitForCondition(t, func() bool { return len(c.cmdChan) == 4 })
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect[%d]: %v", i, err)
		}
	}
	if len(server.Peers()) != 1 {
		t.Fatalf("expected exactly one dial, got %d", len(server.Peers()))
	}
}

func TestCBORRoundTripPublish(t *testing.T) {
	server := transporttest.NewServer()
	c := New(Options{Factory: server.Factory(), Codec: codec.CBOR})
	t.Cleanup(func() { c.Close() })
	mustConnect(t, c, "ws://test/")

	received := make(chan any, 1)
	if _, err := c.Subscribe("/topic", "std_msgs/String", func(msg any) { received <- msg }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := map[string]any{"op": "publish", "topic": "/topic", "msg": map[string]any{"data": "cbor-hello"}}
	payload, _, err := codec.CBOR.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	server.Peers()[0].SendToClient(transport.Frame{Data: payload, Text: false})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cbor publish delivery")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func frame(t *testing.T, env map[string]any) transport.Frame {
	t.Helper()
	payload, _, err := codec.JSON.Encode(env)
	if err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return transport.Frame{Data: payload, Text: true}
}

func decodeJSON(t *testing.T, f transport.Frame) map[string]any {
	t.Helper()
	v, err := codec.JSON.Decode(f.Data, f.Text)
	if err != nil {
		t.Fatalf("decode test frame: %v", err)
	}
	return v.(map[string]any)
}
