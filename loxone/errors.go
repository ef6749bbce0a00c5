package loxone

import "errors"

// Sentinel errors returned by the session core. Callers should use
// errors.Is to test for a specific kind rather than comparing strings.
var (
	// ErrBadFrame is returned when a binary frame header or payload is
	// malformed: bad magic byte, a length field that would overrun the
	// buffer, or trailing bytes after the last complete record.
	ErrBadFrame = errors.New("loxone: malformed binary frame")

	// ErrBadJSON is returned when a text frame cannot be parsed as the
	// expected JSON shape.
	ErrBadJSON = errors.New("loxone: malformed json message")

	// ErrRegistryEmpty is returned by CommandRegistry.Pop when no command
	// is awaiting a response. The dispatcher logs and drops the frame; it
	// never propagates this to a blocking caller.
	ErrRegistryEmpty = errors.New("loxone: no command awaiting response")

	// ErrConnectionFailure is recoverable: the auth or visu latch timed
	// out, or no connection slot was established. The send path retries on
	// this error. The shipped transports also wrap it in the error Send
	// returns when they are not open; the session logs that error and
	// neither retries nor returns it to the caller.
	ErrConnectionFailure = errors.New("loxone: connection failure")

	// ErrAuthTimeoutExceeded surfaces to the caller once retries are
	// exhausted.
	ErrAuthTimeoutExceeded = errors.New("loxone: authentication timed out after all retries")

	// ErrProtocolMismatch means a 200 response's control field didn't
	// contain the command's expected fragment. The message is logged and
	// dropped; it is never returned to a caller.
	ErrProtocolMismatch = errors.New("loxone: response control fragment does not match command")

	// ErrInvariantViolation means authCompleted/visuAuthCompleted fired
	// without an active latch. This indicates a bug in the session
	// controller, not a network condition.
	ErrInvariantViolation = errors.New("loxone: auth completion signalled without an active latch")

	// ErrCommandNotWSSupported is returned by SendCommand for a command
	// whose SupportsWebSocket flag is false.
	ErrCommandNotWSSupported = errors.New("loxone: command does not support websocket transport")
)
