// Package protocol builds the wire envelopes the client core sends and
// recognizes on receive: subscribe/unsubscribe/advertise/publish,
// call_service, send_action_goal/cancel_action_goal, and cli_request.
// Building is pure and total — these functions never fail on their own;
// the failure mode they exist to guard against is an *injected*
// alternative builder producing something without a usable op field.
package protocol

import (
	"errors"
)

// ErrInvalidEnvelope is returned when neither the injected builder nor
// the fallback builder produces an envelope with a non-empty "op" field.
var ErrInvalidEnvelope = errors.New("failed to build a valid protocol message")

// Builder produces protocol envelopes. The fallback implementation in
// this package satisfies it; callers may inject an alternative at
// client construction.
type Builder interface {
	Subscribe(topic, msgType, compression string) map[string]any
	Unsubscribe(topic string) map[string]any
	Advertise(topic, msgType string) map[string]any
	Publish(topic string, msg any) map[string]any
	CallService(service, msgType string, args any, id string) map[string]any
	SendActionGoal(action, actionType string, goal any, id, sessionID string) map[string]any
	CancelActionGoal(action, actionType, sessionID string) map[string]any
	CLIRequest(id, command string, args []string) map[string]any
}

// Fallback is the built-in Builder implementation, always available.
var Fallback Builder = fallbackBuilder{}

type fallbackBuilder struct{}

func (fallbackBuilder) Subscribe(topic, msgType, compression string) map[string]any {
	env := map[string]any{"op": "subscribe", "topic": topic, "type": msgType}
	if compression != "" {
		env["compression"] = compression
	}
	return env
}

func (fallbackBuilder) Unsubscribe(topic string) map[string]any {
	return map[string]any{"op": "unsubscribe", "topic": topic}
}

func (fallbackBuilder) Advertise(topic, msgType string) map[string]any {
	return map[string]any{"op": "advertise", "topic": topic, "type": msgType}
}

func (fallbackBuilder) Publish(topic string, msg any) map[string]any {
	return map[string]any{"op": "publish", "topic": topic, "msg": msg}
}

func (fallbackBuilder) CallService(service, msgType string, args any, id string) map[string]any {
	env := map[string]any{"op": "call_service", "service": service, "args": args}
	if msgType != "" {
		env["type"] = msgType
	}
	if id != "" {
		env["id"] = id
	}
	return env
}

func (fallbackBuilder) SendActionGoal(action, actionType string, goal any, id, sessionID string) map[string]any {
	env := map[string]any{"op": "send_action_goal", "action": action, "action_type": actionType, "goal": goal}
	if id != "" {
		env["id"] = id
	}
	if sessionID != "" {
		env["session_id"] = sessionID
	}
	return env
}

func (fallbackBuilder) CancelActionGoal(action, actionType, sessionID string) map[string]any {
	env := map[string]any{"op": "cancel_action_goal", "action": action}
	if actionType != "" {
		env["action_type"] = actionType
	}
	if sessionID != "" {
		env["session_id"] = sessionID
	}
	return env
}

func (fallbackBuilder) CLIRequest(id, command string, args []string) map[string]any {
	return map[string]any{"op": "cli_request", "id": id, "command": command, "args": args}
}

// hasValidOp reports whether env carries a non-empty string "op" field.
func hasValidOp(env map[string]any) bool {
	if env == nil {
		return false
	}
	op, ok := env["op"].(string)
	return ok && op != ""
}

// Build runs fn against primary (the injected builder, if any) first,
// falling back to the package Fallback builder if primary is nil or its
// result lacks a valid "op" field. It fails hard with ErrInvalidEnvelope
// if the fallback also fails to produce one, per spec's retry-then-fail
// contract for the builder abstraction.
func Build(primary Builder, fn func(Builder) map[string]any) (map[string]any, error) {
	if primary != nil {
		if env := fn(primary); hasValidOp(env) {
			return env, nil
		}
	}
	if env := fn(Fallback); hasValidOp(env) {
		return env, nil
	}
	return nil, ErrInvalidEnvelope
}
