package loxone

import (
	"context"
	"time"
)

// HTTPFetcher is the abstract bootstrap collaborator used by the auth
// engine to fetch the miniserver's RSA public key; the auth engine does not
// fetch the miniserver's API info (jdev/cfg/api) through it. Structure
// file / room / control parsing is out of scope here; HTTPFetcher only
// needs to hand back the generic envelope.
type HTTPFetcher interface {
	Get(ctx context.Context, command string) (LoxoneMessage, error)
}

// TransportCallbacks is implemented by the session controller and invoked
// by a WebSocketTransport as frames and lifecycle events arrive. It plays
// the role the source library fills by having the transport hold a direct
// reference to its owning socket object; here it's an explicit interface so
// transports can be tested against a fake controller.
type TransportCallbacks interface {
	ConnectionOpened()
	ProcessMessage(text string)
	ProcessEvents(header MessageHeader, payload []byte)
	ConnectionClosed(code int, remote bool)
	WSClosed()
}

// WebSocketTransport is the abstract transport the session controller
// drives. A fresh transport is constructed on every (re)connect.
type WebSocketTransport interface {
	Connect(ctx context.Context) error
	IsOpen() bool
	Send(text string) error
	CloseBlocking() error
}

// TransportFactory builds a new transport bound to callbacks and uri. The
// session controller calls this under its writer lock whenever it
// (re)establishes a connection.
type TransportFactory func(callbacks TransportCallbacks, uri string) WebSocketTransport

// CommandResponseState is the outcome of a single listener's look at a
// command response. It folds across the registered listeners: CONSUMED
// absorbs everything, ACCEPTED dominates IGNORED.
type CommandResponseState int

const (
	Ignored CommandResponseState = iota
	Accepted
	Consumed
)

// Fold combines the running state with the result of the next listener.
func (s CommandResponseState) Fold(next CommandResponseState) CommandResponseState {
	if s == Consumed || next == Consumed {
		return Consumed
	}
	if s == Accepted || next == Accepted {
		return Accepted
	}
	return Ignored
}

// CommandResponseListener receives parsed command responses. Accepts is
// checked against the command's statically declared ResponseCategory,
// replacing the source library's dynamic `accepts(Class<?>)` check.
type CommandResponseListener interface {
	Accepts(category ResponseCategory) bool
	OnCommand(cmd Command, message any) CommandResponseState
}

// EventListener receives parsed binary events. event is either a
// ValueEvent or a TextEvent.
type EventListener interface {
	OnEvent(event any)
}

// WebSocketListener observes the session's socket lifecycle.
type WebSocketListener interface {
	Opened()
	LocalClosed(code int)
	RemoteClosed(code int)
}

// AuthListener observes completion of the primary and visualisation
// authentication handshakes.
type AuthListener interface {
	AuthCompleted()
	VisuAuthCompleted()
}

// Scheduler is a single-threaded timed executor shared by the auth engine
// (token refresh) and the session controller (auto-restart, asynchronous
// post-open auth kickoff). Implementations must not spawn ad-hoc goroutines
// per call; they should run scheduled work off one dispatch goroutine so
// components that depend on the scheduler never need to reason about their
// own thread pools.
type Scheduler interface {
	// Schedule runs fn once after delay elapses. The returned cancel func
	// is safe to call multiple times and after fn has already run.
	Schedule(delay time.Duration, fn func()) (cancel func())

	// Close shuts the scheduler down, cancelling any pending work.
	Close() error
}

// EventListenerFunc adapts a plain function to EventListener.
type EventListenerFunc func(event any)

func (f EventListenerFunc) OnEvent(event any) { f(event) }

// CommandResponseListenerFunc adapts two plain functions to
// CommandResponseListener.
type CommandResponseListenerFunc struct {
	AcceptsFunc   func(ResponseCategory) bool
	OnCommandFunc func(Command, any) CommandResponseState
}

func (f CommandResponseListenerFunc) Accepts(category ResponseCategory) bool {
	return f.AcceptsFunc(category)
}

func (f CommandResponseListenerFunc) OnCommand(cmd Command, message any) CommandResponseState {
	return f.OnCommandFunc(cmd, message)
}
