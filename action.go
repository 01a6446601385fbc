package rosbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/brightloop/rosbridge-client/internal/protocol"
)

// pendingAction is an outstanding action goal, keyed by id with an
// auxiliary session-id reverse index for servers that key events by
// session instead of id.
type pendingAction struct {
	id         string
	sessionID  string
	action     string
	actionType string
	doneCh     chan actionResult
	timer      *time.Timer

	onRequest  func(map[string]any)
	onFeedback func(any)
	onResult   func(any)
}

type actionResult struct {
	result any
	err    error
}

// pendingCancel is an outstanding CancelActionGoal, keyed by
// "<action>::<sessionID or 'default'>".
type pendingCancel struct {
	key      string
	resultCh chan cancelResult
	timer    *time.Timer
}

type cancelResult struct {
	envelope map[string]any
	err      error
}

func cancelKey(action, sessionID string) string {
	if sessionID == "" {
		sessionID = "default"
	}
	return action + "::" + sessionID
}

// ActionGoal represents one in-flight SendActionGoal call. Wait blocks
// until the action reaches a terminal state.
type ActionGoal struct {
	ID        string
	SessionID string
	doneCh    chan actionResult
}

// Done returns the channel the terminal actionResult arrives on. Most
// callers should use Wait instead.
func (g *ActionGoal) Done() <-chan actionResult { return g.doneCh }

// Wait blocks until the goal completes, ctx is done, or the client
// closes.
func (g *ActionGoal) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-g.doneCh:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActionGoalOptions configures SendActionGoal.
type ActionGoalOptions struct {
	Action     string
	ActionType string
	Goal       any
	ID         string
	SessionID  string
	Timeout    time.Duration
	OnRequest  func(map[string]any)
	OnFeedback func(any)
	OnResult   func(any)
}

// SendActionGoal sends a send_action_goal envelope and returns an
// *ActionGoal immediately after the send is attempted, so the caller
// can cancel by session id right away. The returned goal completes on
// a terminal result/action_result/error event (see dispatch.go).
func (c *Client) SendActionGoal(ctx context.Context, opts ActionGoalOptions) (*ActionGoal, error) {
	if opts.ID == "" {
		opts.ID = c.idGenerator()
	}
	if opts.SessionID == "" {
		opts.SessionID = c.idGenerator()
	}

	goal := &ActionGoal{ID: opts.ID, SessionID: opts.SessionID, doneCh: make(chan actionResult, 1)}
	errCh := make(chan error, 1)
	ok := c.submit(func(ls *loopState) {
		errCh <- ls.startActionGoal(opts, goal)
	})
	if !ok {
		return nil, ErrClosed
	}
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return goal, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ls *loopState) startActionGoal(opts ActionGoalOptions, goal *ActionGoal) error {
	env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
		return b.SendActionGoal(opts.Action, opts.ActionType, opts.Goal, opts.ID, opts.SessionID)
	})
	if err != nil {
		return err
	}

	pa := &pendingAction{
		id:         opts.ID,
		sessionID:  opts.SessionID,
		action:     opts.Action,
		actionType: opts.ActionType,
		doneCh:     goal.doneCh,
		onRequest:  opts.OnRequest,
		onFeedback: opts.OnFeedback,
		onResult:   opts.OnResult,
	}
	ls.pendingActions[opts.ID] = pa
	ls.sessionToAction[opts.SessionID] = opts.ID

	if opts.Timeout > 0 {
		pa.timer = time.AfterFunc(opts.Timeout, func() {
			ls.client.submit(func(ls *loopState) {
				if cur, ok := ls.pendingActions[opts.ID]; ok && cur == pa {
					ls.removePendingAction(pa)
					pa.doneCh <- actionResult{err: fmt.Errorf("rosbridge: action %q: %w", opts.Action, ErrTimeout)}
				}
			})
		})
	}

	if err := ls.send(env); err != nil {
		ls.removePendingAction(pa)
		return err
	}
	return nil
}

func (ls *loopState) removePendingAction(pa *pendingAction) {
	delete(ls.pendingActions, pa.id)
	if cur, ok := ls.sessionToAction[pa.sessionID]; ok && cur == pa.id {
		delete(ls.sessionToAction, pa.sessionID)
	}
	if pa.timer != nil {
		pa.timer.Stop()
	}
}

// findPendingAction looks up a pending action by id, falling back to
// session id, falling back to the sole pending action if exactly one
// exists — the ambiguous-lookup rule from spec §4.4.
func (ls *loopState) findPendingAction(id, sessionID string) *pendingAction {
	if id != "" {
		if pa, ok := ls.pendingActions[id]; ok {
			return pa
		}
	}
	if sessionID != "" {
		if actionID, ok := ls.sessionToAction[sessionID]; ok {
			if pa, ok := ls.pendingActions[actionID]; ok {
				return pa
			}
		}
	}
	if id == "" && sessionID == "" && len(ls.pendingActions) == 1 {
		for _, pa := range ls.pendingActions {
			return pa
		}
	}
	return nil
}

// CancelOptions configures CancelActionGoal.
type CancelOptions struct {
	Action     string
	ActionType string
	SessionID  string
	Timeout    time.Duration
}

// CancelActionGoal sends a cancel_action_goal envelope and awaits a
// matching cancel_action_result.
func (c *Client) CancelActionGoal(ctx context.Context, opts CancelOptions) (map[string]any, error) {
	resultCh := make(chan cancelResult, 1)
	errCh := make(chan error, 1)
	ok := c.submit(func(ls *loopState) {
		errCh <- ls.startCancel(opts, resultCh)
	})
	if !ok {
		return nil, ErrClosed
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.envelope, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.doneChan:
		return nil, ErrClosed
	}
}

func (ls *loopState) startCancel(opts CancelOptions, resultCh chan cancelResult) error {
	env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
		return b.CancelActionGoal(opts.Action, opts.ActionType, opts.SessionID)
	})
	if err != nil {
		return err
	}

	key := cancelKey(opts.Action, opts.SessionID)
	pc := &pendingCancel{key: key, resultCh: resultCh}
	ls.pendingCancels[key] = pc

	if opts.Timeout > 0 {
		pc.timer = time.AfterFunc(opts.Timeout, func() {
			ls.client.submit(func(ls *loopState) {
				if cur, ok := ls.pendingCancels[key]; ok && cur == pc {
					delete(ls.pendingCancels, key)
					pc.resultCh <- cancelResult{err: fmt.Errorf("rosbridge: cancel %q: %w", opts.Action, ErrTimeout)}
				}
			})
		})
	}

	if err := ls.send(env); err != nil {
		delete(ls.pendingCancels, key)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		return err
	}
	return nil
}
