package rosbridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brightloop/rosbridge-client/internal/codec"
	"github.com/brightloop/rosbridge-client/internal/events"
	"github.com/brightloop/rosbridge-client/internal/transport"
)

// envelopeField reads key from a decoded envelope, which is either a
// map[string]any (JSON) or a *codec.OrderedMap (CBOR) depending on
// which codec produced it.
func envelopeField(env any, key string) (any, bool) {
	switch e := env.(type) {
	case map[string]any:
		v, ok := e[key]
		return v, ok
	case *codec.OrderedMap:
		return e.Get(key)
	default:
		return nil, false
	}
}

func fieldString(env any, key string) string {
	v, ok := envelopeField(env, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func fieldBool(env any, key string) bool {
	v, ok := envelopeField(env, key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func fieldMap(env any, key string) map[string]any {
	v, ok := envelopeField(env, key)
	if !ok {
		return nil
	}
	return toMap(v)
}

func fieldNumber(env any, key string) (float64, bool) {
	v, ok := envelopeField(env, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// dispatchIncoming decodes one frame and routes it per the incoming
// dispatch priority chain: the first matching discriminant wins and no
// further checks run.
func (ls *loopState) dispatchIncoming(f transport.Frame) {
	env, err := ls.client.codec.Decode(f.Data, f.Text)
	if err != nil {
		ls.client.logger.Log(context.Background(), slog.LevelDebug-4, "rosbridge: failed to decode incoming frame", "error", err)
		ls.client.publishEvent(events.SourceDispatch, events.KindEnvelopeDropped, map[string]any{"reason": "decode_error", "error": err.Error()})
		return
	}

	op := fieldString(env, "op")
	switch op {
	case "publish":
		ls.deliverPublish(fieldString(env, "topic"), fieldValue(env, "msg"))
		return
	case "service_response":
		ls.completeServiceResponse(fieldString(env, "id"), fieldBool(env, "result"), fieldMap(env, "values"), fieldString(env, "error"))
		return
	case "cancel_action_result":
		ls.completeCancelResult(env)
		return
	case "action_result":
		ls.completeActionResult(env)
		return
	case "cli_response":
		ls.completeCLIFromEnvelope(env)
		return
	}

	typ := fieldString(env, "type")
	if typ != "" {
		ls.dispatchActionEvent(typ, env)
		return
	}

	ls.client.publishEvent(events.SourceDispatch, events.KindEnvelopeDropped, map[string]any{"reason": "unrecognized_envelope"})
}

func fieldValue(env any, key string) any {
	v, _ := envelopeField(env, key)
	return v
}

func (ls *loopState) completeCancelResult(env any) {
	action := fieldString(env, "action")
	sessionID := fieldString(env, "session_id")
	key := cancelKey(action, sessionID)
	pc, ok := ls.pendingCancels[key]
	if !ok {
		return
	}
	delete(ls.pendingCancels, key)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if fieldBool(env, "result") {
		pc.resultCh <- cancelResult{envelope: toMap(env)}
		return
	}
	errMsg := fieldString(env, "error")
	if errMsg == "" {
		errMsg = fmt.Sprintf("cancel %q failed", action)
	}
	pc.resultCh <- cancelResult{err: fmt.Errorf("rosbridge: %s", errMsg)}
}

func (ls *loopState) completeActionResult(env any) {
	id := fieldString(env, "id")
	sessionID := fieldString(env, "session_id")
	pa := ls.findPendingAction(id, sessionID)
	if pa == nil {
		return
	}
	ls.removePendingAction(pa)

	if errMsg := fieldString(env, "error"); errMsg != "" {
		pa.doneCh <- actionResult{err: fmt.Errorf("rosbridge: %s", errMsg)}
		return
	}

	if result, ok := envelopeField(env, "result"); ok {
		pa.doneCh <- actionResult{result: result}
		return
	}
	pa.doneCh <- actionResult{result: toMap(env)}
}

func (ls *loopState) completeCLIFromEnvelope(env any) {
	id := fieldString(env, "id")
	exitCode := 0
	if n, ok := fieldNumber(env, "exit_code"); ok {
		exitCode = int(n)
	}
	ls.completeCLIResponse(id, true, fieldString(env, "stdout"), fieldString(env, "stderr"), exitCode, "")
}

// dispatchActionEvent handles the request/feedback/result/error action
// event shapes carried under a top-level "type" field rather than "op".
func (ls *loopState) dispatchActionEvent(typ string, env any) {
	id := fieldString(env, "id")
	sessionID := fieldString(env, "session_id")
	pa := ls.findPendingAction(id, sessionID)
	if pa == nil {
		return
	}

	switch typ {
	case "request":
		if pa.onRequest != nil {
			pa.onRequest(toMap(env))
		}
	case "feedback":
		if pa.onFeedback != nil {
			feedback, ok := envelopeField(env, "feedback")
			if !ok {
				feedback = env
			}
			pa.onFeedback(feedback)
		}
	case "result":
		ls.removePendingAction(pa)
		if pa.onResult != nil {
			result, ok := envelopeField(env, "result")
			if !ok {
				result = env
			}
			pa.onResult(result)
		}
		if status, ok := fieldNumber(env, "status"); ok && status != 0 {
			pa.doneCh <- actionResult{err: fmt.Errorf("rosbridge: action %q: completed with non-success status %d", pa.action, int(status))}
			return
		}
		result, ok := envelopeField(env, "result")
		if !ok {
			result = env
		}
		pa.doneCh <- actionResult{result: result}
	case "error":
		ls.removePendingAction(pa)
		msg := fieldString(env, "message")
		if msg == "" {
			msg = fmt.Sprintf("action %q failed", pa.action)
		}
		pa.doneCh <- actionResult{err: fmt.Errorf("rosbridge: %s", msg)}
	}
}

func toMap(env any) map[string]any {
	switch e := env.(type) {
	case map[string]any:
		return e
	case *codec.OrderedMap:
		m := make(map[string]any, e.Len())
		for _, k := range e.Keys() {
			v, _ := e.Get(k)
			m[k] = v
		}
		return m
	default:
		return nil
	}
}

// failAllPendingOnDisconnect fails every pending action and cancel with
// ErrDisconnected and clears both tables. Pending service calls and CLI
// requests are left intact, per the disconnect-rejection policy.
func (ls *loopState) failAllPendingOnDisconnect() {
	for _, pa := range ls.pendingActions {
		if pa.timer != nil {
			pa.timer.Stop()
		}
		pa.doneCh <- actionResult{err: ErrDisconnected}
	}
	ls.pendingActions = make(map[string]*pendingAction)
	ls.sessionToAction = make(map[string]string)

	for _, pc := range ls.pendingCancels {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resultCh <- cancelResult{err: ErrDisconnected}
	}
	ls.pendingCancels = make(map[string]*pendingCancel)
}

// failAllPendingOnClose runs once, at final shutdown, and fails every
// remaining pending operation since no further response can ever
// arrive.
func (ls *loopState) failAllPendingOnClose(err error) {
	ls.failAllPendingOnDisconnect()

	for _, call := range ls.pendingServiceCalls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.resultCh <- serviceResult{err: err}
	}
	ls.pendingServiceCalls = make(map[string]*pendingCall)

	for _, pc := range ls.pendingCLI {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resultCh <- cliResult{err: err}
	}
	ls.pendingCLI = make(map[string]*pendingCLI)
}
