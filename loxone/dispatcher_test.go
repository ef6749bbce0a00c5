package loxone

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestDispatchMessageRoutesToMatchingListener(t *testing.T) {
	registry := NewCommandRegistry()
	cmd := NewCommand("jdev/sps/io/myswitch/on", "myswitch")
	registry.Submit(cmd)

	d := NewDispatcher(registry, nil)

	var got any
	d.RegisterCommandResponseListener(CommandResponseListenerFunc{
		AcceptsFunc: func(c ResponseCategory) bool { return c == ResponseMessage },
		OnCommandFunc: func(c Command, message any) CommandResponseState {
			got = message
			return Consumed
		},
	})

	d.DispatchMessage(`{"LL":{"control":"jdev/sps/io/myswitch/on","code":200,"value":"1"}}`)

	msg, ok := got.(LoxoneMessage)
	if !ok {
		t.Fatalf("listener received %T, want LoxoneMessage", got)
	}
	if msg.Control != cmd.Command {
		t.Errorf("Control = %q, want %q", msg.Control, cmd.Command)
	}
}

// TestDispatchMessageDropsNonOKResponses verifies the response-code
// taxonomy: a non-200 code never reaches a command listener.
func TestDispatchMessageDropsNonOKResponses(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"not authenticated", 400},
		{"auth failed", 401},
		{"not found", 404},
		{"auth took too long", 420},
		{"unauthorized", 500},
		{"unknown code", 999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewCommandRegistry()
			cmd := NewCommand("jdev/sps/io/myswitch/on", "myswitch")
			registry.Submit(cmd)

			d := NewDispatcher(registry, nil)

			called := false
			d.RegisterCommandResponseListener(CommandResponseListenerFunc{
				AcceptsFunc:   func(ResponseCategory) bool { return true },
				OnCommandFunc: func(Command, any) CommandResponseState { called = true; return Consumed },
			})

			text := envelope(cmd.Command, StatusCode(tt.code), `"err"`)
			d.DispatchMessage(text)

			if called {
				t.Errorf("listener called for code %d, want dropped", tt.code)
			}
		})
	}
}

func TestDispatchMessageDropsMismatchedControl(t *testing.T) {
	registry := NewCommandRegistry()
	cmd := NewCommand("jdev/sps/io/myswitch/on", "myswitch")
	registry.Submit(cmd)

	d := NewDispatcher(registry, nil)
	called := false
	d.RegisterCommandResponseListener(CommandResponseListenerFunc{
		AcceptsFunc:   func(ResponseCategory) bool { return true },
		OnCommandFunc: func(Command, any) CommandResponseState { called = true; return Consumed },
	})

	d.DispatchMessage(`{"LL":{"control":"jdev/sps/io/other/on","code":200,"value":"1"}}`)

	if called {
		t.Error("listener called despite mismatched control fragment")
	}
}

// TestDispatchMessageSaltGatedByCode verifies that a salt/token DTO response
// accompanied by a failure code is dropped rather than delivered as if it
// were a success, even though the value unmarshals cleanly.
func TestDispatchMessageSaltGatedByCode(t *testing.T) {
	registry := NewCommandRegistry()
	cmd := NewCommand("jdev/sys/getkey2/admin", "getkey2")
	cmd.Response = ResponseSalt
	registry.Submit(cmd)

	d := NewDispatcher(registry, nil)
	called := false
	d.RegisterCommandResponseListener(CommandResponseListenerFunc{
		AcceptsFunc:   func(ResponseCategory) bool { return true },
		OnCommandFunc: func(Command, any) CommandResponseState { called = true; return Consumed },
	})

	d.DispatchMessage(envelope(cmd.Command, StatusAuthFailed, `{}`))

	if called {
		t.Error("listener called for a salt response carrying a failure code")
	}
}

func TestDispatchMessageDropsOnRegistryMiss(t *testing.T) {
	d := NewDispatcher(NewCommandRegistry(), nil)

	called := false
	d.RegisterCommandResponseListener(CommandResponseListenerFunc{
		AcceptsFunc:   func(ResponseCategory) bool { return true },
		OnCommandFunc: func(Command, any) CommandResponseState { called = true; return Consumed },
	})

	d.DispatchMessage(`{"LL":{"control":"anything","code":200,"value":"1"}}`)

	if called {
		t.Error("listener called despite an empty registry")
	}
}

// TestProcessCommandFoldShortCircuitsOnConsumed verifies the fold semantics:
// a CONSUMED result stops the walk, so a later listener is never invoked.
func TestProcessCommandFoldShortCircuitsOnConsumed(t *testing.T) {
	registry := NewCommandRegistry()
	cmd := NewCommand("jdev/sps/io/myswitch/on", "myswitch")
	registry.Submit(cmd)

	d := NewDispatcher(registry, nil)

	secondCalled := false
	d.RegisterCommandResponseListener(CommandResponseListenerFunc{
		AcceptsFunc:   func(ResponseCategory) bool { return true },
		OnCommandFunc: func(Command, any) CommandResponseState { return Consumed },
	})
	d.RegisterCommandResponseListener(CommandResponseListenerFunc{
		AcceptsFunc:   func(ResponseCategory) bool { return true },
		OnCommandFunc: func(Command, any) CommandResponseState { secondCalled = true; return Accepted },
	})

	d.DispatchMessage(`{"LL":{"control":"jdev/sps/io/myswitch/on","code":200,"value":"1"}}`)

	if secondCalled {
		t.Error("second listener invoked after a CONSUMED result")
	}
}

func TestDispatchEventsDeliversValueEventsInOrder(t *testing.T) {
	d := NewDispatcher(NewCommandRegistry(), nil)

	first := ValueEvent{Value: 1}
	second := ValueEvent{Value: 2}

	buf := make([]byte, valueEventSize*2)
	copy(buf[0:16], uuidToLoxoneBytes(first.UUID))
	copy(buf[valueEventSize:valueEventSize+16], uuidToLoxoneBytes(second.UUID))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(first.Value))
	binary.LittleEndian.PutUint64(buf[valueEventSize+16:valueEventSize+24], math.Float64bits(second.Value))

	var got []float64
	d.RegisterEventListener(EventListenerFunc(func(event any) {
		if v, ok := event.(ValueEvent); ok {
			got = append(got, v.Value)
		}
	}))

	d.DispatchEvents(MessageHeader{Kind: FrameEventValue, PayloadLength: uint32(len(buf))}, buf)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("delivered values = %v, want [1 2] in order", got)
	}
}
