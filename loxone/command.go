package loxone

import (
	"container/list"
	"strings"
	"sync"
)

// ResponseCategory statically declares what shape of response a command
// expects, replacing the source library's runtime type-assignability check
// (`accepts(Class<?>)`) with a tag commands declare up front and listeners
// subscribe to. This closes misdispatch bugs a dynamic accepts() check can't
// catch at compile time.
type ResponseCategory int

const (
	// ResponseNone means no response is expected; the command is never
	// enqueued in the registry.
	ResponseNone ResponseCategory = iota

	// ResponseMessage is the generic `{control, code, value}` envelope,
	// gated on the command's ShouldContain fragment when code is 200.
	ResponseMessage

	// ResponseSalt is the getkey2 salt/hash-algorithm DTO.
	ResponseSalt

	// ResponseToken is the gettoken/authwithtoken token DTO.
	ResponseToken

	// ResponseVisuSalt is the getvisusalt salt/hash-algorithm DTO.
	ResponseVisuSalt
)

// Command is an outbound request: its wire text, the category of response
// it expects, the control-path fragment a matching response must contain,
// and whether it may be sent over the WebSocket transport at all.
type Command struct {
	Command           string
	Response          ResponseCategory
	ShouldContain     string
	SupportsWebSocket bool
}

// NewCommand builds a websocket-capable Command expecting a generic
// LoxoneMessage response gated on shouldContain.
func NewCommand(command, shouldContain string) Command {
	return Command{Command: command, Response: ResponseMessage, ShouldContain: shouldContain, SupportsWebSocket: true}
}

// Is reports whether a response's control field contains this command's
// expected fragment.
func (c Command) Is(control string) bool {
	return strings.Contains(control, c.ShouldContain)
}

// KeepAlive is sent but never enqueued in the command registry: it expects
// no response at all.
var KeepAlive = Command{Command: "keepalive", Response: ResponseNone, SupportsWebSocket: true}

// CommandRegistry is the FIFO of in-flight commands awaiting a response. It
// is a concurrent FIFO: multiple senders may Submit concurrently, one
// receiver (the inbound pump) Pops.
//
// A sender that writes a command to the wire before Submitting it risks its
// response arriving first; Pop then returns ErrRegistryEmpty and the
// dispatcher logs and drops the orphan frame rather than blocking for a
// match. Session.sendInternal avoids this by Submitting before it writes.
type CommandRegistry struct {
	mu    sync.Mutex
	queue *list.List
}

// NewCommandRegistry returns an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{queue: list.New()}
}

// Submit pushes cmd onto the FIFO, unless its response category is
// ResponseNone.
func (r *CommandRegistry) Submit(cmd Command) {
	if cmd.Response == ResponseNone {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.PushBack(cmd)
}

// Pop removes and returns the oldest in-flight command, or ErrRegistryEmpty
// if none is waiting.
func (r *CommandRegistry) Pop() (Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	front := r.queue.Front()
	if front == nil {
		return Command{}, ErrRegistryEmpty
	}

	r.queue.Remove(front)
	return front.Value.(Command), nil
}

// Drain clears the queue. Called when the socket closes: no stale
// correlation may survive into a reconnection.
func (r *CommandRegistry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.Init()
}

// Len reports the number of commands currently awaiting a response. Mainly
// useful in tests.
func (r *CommandRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}
