package rosbridge

import "errors"

// Sentinel errors returned by client operations. Wrap with fmt.Errorf
// and "%w" when adding call-specific context (service name, action id,
// command); check with errors.Is.
var (
	// ErrNotConnected is returned when a send is attempted while the
	// transport is not open.
	ErrNotConnected = errors.New("websocket is not connected")
	// ErrDisconnected is returned to pending actions and cancels when
	// the transport closes while they are outstanding.
	ErrDisconnected = errors.New("interrupted by disconnect; resend after reconnect")
	// ErrInvalidEnvelope is returned when neither the injected builder
	// nor the fallback builder can produce a usable envelope. The
	// returned error wraps both this sentinel and
	// internal/protocol.ErrInvalidEnvelope; check with errors.Is.
	ErrInvalidEnvelope = errors.New("failed to build a valid protocol message")
	// ErrTimeout is wrapped into call-specific timeout errors.
	ErrTimeout = errors.New("timed out")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client is closed")
	// ErrNoTransportFactory is returned by Connect when the client was
	// constructed without a transport.Factory.
	ErrNoTransportFactory = errors.New("no transport factory configured")
)
