package rosbridge

import (
	"github.com/brightloop/rosbridge-client/internal/protocol"
)

// Callback receives a decoded publish payload for a subscribed topic.
type Callback func(msg any)

// SubscriptionHandle identifies one Subscribe call's registration, used
// to remove exactly that callback via Unsubscribe.
type SubscriptionHandle struct {
	topic string
	token uint64
}

// subscriptionEntry tracks one topic's subscribers. callbackOrder
// preserves registration order so dispatch delivers in a deterministic
// sequence and replay/insertion order is stable.
type subscriptionEntry struct {
	msgType      string
	compression  string
	callbackOrder []uint64
	callbacks     map[uint64]Callback
}

// subscriptionOrder returns topics in first-subscribed order, used for
// resubscribe replay on reconnect.
func (ls *loopState) subscriptionOrder() []string {
	return ls.subscriptionTopicOrder
}

// advertisementOrder returns topics in first-advertised order.
func (ls *loopState) advertisementOrder() []string {
	return ls.advertisementTopicOrder
}

// SubscribeOption customizes a Subscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	compression string
}

// WithCompression sets the compression hint forwarded on the wire
// (e.g. "png", "cbor", "cbor-raw"). Any string is passed through
// unchanged.
func WithCompression(c string) SubscribeOption {
	return func(o *subscribeOptions) { o.compression = c }
}

// Subscribe registers cb to receive messages published on topic. If
// this is the first subscriber for topic, a subscribe envelope is
// sent; if msgType or compression differs from the existing entry,
// the entry is updated and a fresh subscribe envelope is sent.
func (c *Client) Subscribe(topic, msgType string, cb Callback, opts ...SubscribeOption) (SubscriptionHandle, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	resultCh := make(chan struct {
		handle SubscriptionHandle
		err    error
	}, 1)
	ok := c.submit(func(ls *loopState) {
		handle, err := ls.subscribe(topic, msgType, o.compression, cb)
		resultCh <- struct {
			handle SubscriptionHandle
			err    error
		}{handle, err}
	})
	if !ok {
		return SubscriptionHandle{}, ErrClosed
	}
	res := <-resultCh
	return res.handle, res.err
}

func (ls *loopState) subscribe(topic, msgType, compression string, cb Callback) (SubscriptionHandle, error) {
	ls.nextToken++
	token := ls.nextToken

	entry, exists := ls.subscriptions[topic]
	if !exists {
		entry = &subscriptionEntry{
			msgType:     msgType,
			compression: compression,
			callbacks:   make(map[uint64]Callback),
		}
		ls.subscriptions[topic] = entry
		ls.subscriptionTopicOrder = append(ls.subscriptionTopicOrder, topic)
		entry.callbackOrder = append(entry.callbackOrder, token)
		entry.callbacks[token] = cb
		return SubscriptionHandle{topic: topic, token: token}, ls.sendSubscribeEnvelope(topic, entry)
	}

	entry.callbackOrder = append(entry.callbackOrder, token)
	entry.callbacks[token] = cb

	changed := entry.msgType != msgType || entry.compression != compression
	if changed {
		entry.msgType = msgType
		entry.compression = compression
		return SubscriptionHandle{topic: topic, token: token}, ls.sendSubscribeEnvelope(topic, entry)
	}
	return SubscriptionHandle{topic: topic, token: token}, nil
}

func (ls *loopState) sendSubscribeEnvelope(topic string, entry *subscriptionEntry) error {
	env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
		return b.Subscribe(topic, entry.msgType, entry.compression)
	})
	if err != nil {
		return err
	}
	return ls.send(env)
}

// Unsubscribe removes the callback identified by handle. When its
// topic's callback set becomes empty, the subscription entry is
// removed and an unsubscribe envelope is sent.
func (c *Client) Unsubscribe(handle SubscriptionHandle) error {
	errCh := make(chan error, 1)
	ok := c.submit(func(ls *loopState) {
		errCh <- ls.unsubscribe(handle)
	})
	if !ok {
		return ErrClosed
	}
	return <-errCh
}

func (ls *loopState) unsubscribe(handle SubscriptionHandle) error {
	entry, ok := ls.subscriptions[handle.topic]
	if !ok {
		return nil
	}
	delete(entry.callbacks, handle.token)
	for i, tok := range entry.callbackOrder {
		if tok == handle.token {
			entry.callbackOrder = append(entry.callbackOrder[:i], entry.callbackOrder[i+1:]...)
			break
		}
	}
	if len(entry.callbacks) > 0 {
		return nil
	}

	delete(ls.subscriptions, handle.topic)
	for i, t := range ls.subscriptionTopicOrder {
		if t == handle.topic {
			ls.subscriptionTopicOrder = append(ls.subscriptionTopicOrder[:i], ls.subscriptionTopicOrder[i+1:]...)
			break
		}
	}

	env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
		return b.Unsubscribe(handle.topic)
	})
	if err != nil {
		return err
	}
	return ls.send(env)
}

// Advertise records topic as an advertised publisher and sends an
// advertise envelope. Never auto-removed.
func (c *Client) Advertise(topic, msgType string) error {
	errCh := make(chan error, 1)
	ok := c.submit(func(ls *loopState) {
		errCh <- ls.advertise(topic, msgType)
	})
	if !ok {
		return ErrClosed
	}
	return <-errCh
}

func (ls *loopState) advertise(topic, msgType string) error {
	if _, exists := ls.advertisements[topic]; !exists {
		ls.advertisementTopicOrder = append(ls.advertisementTopicOrder, topic)
	}
	ls.advertisements[topic] = msgType

	env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
		return b.Advertise(topic, msgType)
	})
	if err != nil {
		return err
	}
	return ls.send(env)
}

// Publish sends msg on topic. Does not require a prior Advertise.
func (c *Client) Publish(topic string, msg any) error {
	errCh := make(chan error, 1)
	ok := c.submit(func(ls *loopState) {
		env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
			return b.Publish(topic, msg)
		})
		if err != nil {
			errCh <- err
			return
		}
		errCh <- ls.send(env)
	})
	if !ok {
		return ErrClosed
	}
	return <-errCh
}

// deliverPublish dispatches a decoded publish payload to topic's
// subscribers, in registration order, snapshotting the callback set
// before iterating so a callback that unsubscribes itself mid-dispatch
// cannot corrupt the in-flight iteration.
func (ls *loopState) deliverPublish(topic string, msg any) {
	entry, ok := ls.subscriptions[topic]
	if !ok {
		return
	}
	order := make([]uint64, len(entry.callbackOrder))
	copy(order, entry.callbackOrder)
	callbacks := make([]Callback, 0, len(order))
	for _, tok := range order {
		if cb, ok := entry.callbacks[tok]; ok {
			callbacks = append(callbacks, cb)
		}
	}
	for _, cb := range callbacks {
		cb(msg)
	}
}
