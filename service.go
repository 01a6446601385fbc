package rosbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/brightloop/rosbridge-client/internal/protocol"
)

// pendingCall is a service call awaiting a service_response.
type pendingCall struct {
	service string
	resultCh chan serviceResult
	timer    *time.Timer
}

type serviceResult struct {
	values map[string]any
	err    error
}

// ServiceOption customizes a CallService call.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	id      string
	timeout time.Duration
}

// WithServiceID supplies the correlation id instead of generating one.
func WithServiceID(id string) ServiceOption {
	return func(o *serviceOptions) { o.id = id }
}

// WithServiceTimeout sets a timeout for this call. Without it, or with
// zero, the call has no timeout; the client has no default.
func WithServiceTimeout(d time.Duration) ServiceOption {
	return func(o *serviceOptions) { o.timeout = d }
}

// CallService invokes service with args, decoded as msgType, and
// blocks until a matching service_response arrives, ctx is done, or
// the call times out. id collisions (re-using an id already in flight)
// overwrite the previous pending entry; the superseded call's channel
// never receives a response and is reclaimed when its own timeout (if
// any) fires — this matches the upstream behavior of not guarding
// against caller-supplied id reuse.
func (c *Client) CallService(ctx context.Context, service, msgType string, args any, opts ...ServiceOption) (map[string]any, error) {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = c.idGenerator()
	}

	resultCh := make(chan serviceResult, 1)
	submitErrCh := make(chan error, 1)
	ok := c.submit(func(ls *loopState) {
		submitErrCh <- ls.startServiceCall(o.id, service, msgType, args, o.timeout, resultCh)
	})
	if !ok {
		return nil, ErrClosed
	}
	if err := <-submitErrCh; err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.values, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.doneChan:
		return nil, ErrClosed
	}
}

func (ls *loopState) startServiceCall(id, service, msgType string, args any, timeout time.Duration, resultCh chan serviceResult) error {
	env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
		return b.CallService(service, msgType, args, id)
	})
	if err != nil {
		return err
	}

	call := &pendingCall{service: service, resultCh: resultCh}
	ls.pendingServiceCalls[id] = call

	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			ls.client.submit(func(ls *loopState) {
				if c, ok := ls.pendingServiceCalls[id]; ok && c == call {
					delete(ls.pendingServiceCalls, id)
					call.resultCh <- serviceResult{err: fmt.Errorf("rosbridge: service %q: %w", service, ErrTimeout)}
				}
			})
		})
	}

	if err := ls.send(env); err != nil {
		delete(ls.pendingServiceCalls, id)
		if call.timer != nil {
			call.timer.Stop()
		}
		return err
	}
	return nil
}

// completeServiceResponse resolves or fails a pending service call
// found by id, per spec §4.4's service_response handling.
func (ls *loopState) completeServiceResponse(id string, result bool, values map[string]any, errMsg string) {
	call, ok := ls.pendingServiceCalls[id]
	if !ok {
		return
	}
	delete(ls.pendingServiceCalls, id)
	if call.timer != nil {
		call.timer.Stop()
	}
	if result {
		if values == nil {
			values = map[string]any{}
		}
		call.resultCh <- serviceResult{values: values}
		return
	}
	if errMsg == "" {
		errMsg = fmt.Sprintf("service %q call failed", call.service)
	}
	call.resultCh <- serviceResult{err: fmt.Errorf("rosbridge: %s", errMsg)}
}
