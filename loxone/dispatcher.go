package loxone

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// encryptedCommandPrefix marks commands routed over the unsupported
// encrypted channel; responses to them are logged, never acted on.
const encryptedCommandPrefix = "dev/sys/enc"

// Dispatcher routes parsed command responses to CommandResponseListeners and
// parsed binary events to EventListeners. It pairs each inbound text frame
// with the command at the front of the registry: the pairing itself is the
// correlation, there is no per-command identifier on the wire.
type Dispatcher struct {
	registry *CommandRegistry
	log      *slog.Logger

	mu               sync.Mutex
	commandListeners []CommandResponseListener
	eventListeners   []EventListener
}

// NewDispatcher builds a dispatcher bound to registry. logger may be nil, in
// which case slog.Default() is used.
func NewDispatcher(registry *CommandRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, log: logger}
}

// RegisterCommandResponseListener registers l to receive future command
// responses, in registration order.
func (d *Dispatcher) RegisterCommandResponseListener(l CommandResponseListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commandListeners = append(d.commandListeners, l)
}

// RegisterEventListener registers l to receive future binary events, in
// registration order.
func (d *Dispatcher) RegisterEventListener(l EventListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventListeners = append(d.eventListeners, l)
}

// DispatchMessage handles one inbound text frame: pops the command it
// answers, parses it according to that command's declared response
// category, and routes the result to processCommand. Parse failures and
// registry misses are logged and the frame is dropped — nothing here ever
// surfaces to a caller blocked on sendCommand.
func (d *Dispatcher) DispatchMessage(text string) {
	cmd, err := d.registry.Pop()
	if err != nil {
		d.log.Warn("no command awaiting response, dropping frame", slog.String("message", text))
		return
	}

	switch cmd.Response {
	case ResponseMessage:
		msg, err := ParseLoxoneMessage([]byte(text))
		if err != nil {
			d.log.Warn("can't parse response", slog.Any("error", err))
			return
		}
		if !d.checkLoxoneMessage(cmd, msg) {
			return
		}
		d.processCommand(cmd, msg)

	case ResponseSalt, ResponseVisuSalt:
		msg, err := ParseLoxoneMessage([]byte(text))
		if err != nil {
			d.log.Warn("can't parse response", slog.Any("error", err))
			return
		}
		if !d.codeAllows(msg.Code) {
			return
		}
		var salt saltResponse
		if err := json.Unmarshal(msg.Value, &salt); err != nil {
			d.log.Warn("can't parse response", slog.Any("error", err))
			return
		}
		d.processCommand(cmd, salt)

	case ResponseToken:
		msg, err := ParseLoxoneMessage([]byte(text))
		if err != nil {
			d.log.Warn("can't parse response", slog.Any("error", err))
			return
		}
		if !d.codeAllows(msg.Code) {
			return
		}
		var tok tokenResponse
		if err := json.Unmarshal(msg.Value, &tok); err != nil {
			d.log.Warn("can't parse response", slog.Any("error", err))
			return
		}
		d.processCommand(cmd, tok)

	default:
		d.log.Warn("popped command has no declared response category", slog.String("command", cmd.Command))
	}
}

// checkLoxoneMessage classifies a generic envelope response by code. Only a
// 200 with a matching control fragment is forwarded to listeners.
func (d *Dispatcher) checkLoxoneMessage(cmd Command, msg LoxoneMessage) bool {
	if !d.codeAllows(msg.Code) {
		return false
	}
	if cmd.Is(msg.Control) {
		return true
	}
	d.log.Warn("response control fragment does not match command",
		slog.String("expected", cmd.ShouldContain), slog.String("got", msg.Control))
	return false
}

// codeAllows reports whether code is a success code, logging the reason at
// debug level for every other code in the response-code taxonomy. Applied to
// every response category, not just the generic envelope: a salt or token
// DTO accompanied by a failure code must not reach a listener as if it were
// a successful response.
func (d *Dispatcher) codeAllows(code StatusCode) bool {
	switch code {
	case StatusOK:
		return true
	case StatusAuthTookTooLong:
		d.log.Debug("not authenticated after connection, authentication took too long")
	case StatusNotAuthenticated:
		d.log.Debug("not authenticated, must send auth request first")
	case StatusAuthFailed:
		d.log.Debug("not authenticated, bad credentials")
	case StatusUnauthorized:
		d.log.Debug("not authenticated for secured action")
	case StatusNotFound:
		d.log.Debug("can't find device id")
	default:
		d.log.Debug("unknown response code", slog.Int("code", int(code)))
	}
	return false
}

// processCommand walks registered command-response listeners in order,
// folding their returned states. The walk short-circuits on CONSUMED. An
// IGNORED final state is logged as a warning; messages addressed to the
// unsupported encrypted channel are flagged regardless of listener outcome.
func (d *Dispatcher) processCommand(cmd Command, message any) {
	d.mu.Lock()
	listeners := append([]CommandResponseListener(nil), d.commandListeners...)
	d.mu.Unlock()

	state := Ignored
	for _, l := range listeners {
		if state == Consumed {
			break
		}
		if l.Accepts(cmd.Response) {
			state = state.Fold(l.OnCommand(cmd, message))
		}
	}

	if state == Ignored {
		d.log.Warn("no command listener consumed response", slog.String("command", cmd.Command))
	}

	if strings.HasPrefix(cmd.Command, encryptedCommandPrefix) {
		d.log.Warn("encrypted message channel is not supported")
	}
}

// DispatchEvents handles one inbound binary frame already split into header
// and payload. EVENT_VALUE and EVENT_TEXT payloads are parsed and delivered
// to every registered event listener, in registration order, preserving the
// order events were packed into the frame. Other kinds are logged and
// otherwise discarded.
func (d *Dispatcher) DispatchEvents(header MessageHeader, payload []byte) {
	switch header.Kind {
	case FrameEventValue:
		events, err := ParseValueEvents(payload)
		if err != nil {
			d.log.Warn("can't parse value events", slog.Any("error", err))
			return
		}
		deliverEvents(d.eventListenerSnapshot(), events)

	case FrameEventText:
		events, err := ParseTextEvents(payload)
		if err != nil {
			d.log.Warn("can't parse text events", slog.Any("error", err))
			return
		}
		deliverEvents(d.eventListenerSnapshot(), events)

	default:
		d.log.Debug("incoming binary frame", slog.String("kind", header.Kind.String()), slog.Int("length", len(payload)))
	}
}

func (d *Dispatcher) eventListenerSnapshot() []EventListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]EventListener(nil), d.eventListeners...)
}

// deliverEvents hands each event to every listener, in registration order.
func deliverEvents[T any](listeners []EventListener, events []T) {
	for _, event := range events {
		for _, l := range listeners {
			l.OnEvent(event)
		}
	}
}
