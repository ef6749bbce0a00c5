package loxone

import (
	"errors"
	"regexp"
	"testing"
)

func TestCommandRegistryFIFO(t *testing.T) {
	r := NewCommandRegistry()

	a := NewCommand("a", "a")
	b := NewCommand("b", "b")
	r.Submit(a)
	r.Submit(b)

	if got := r.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	first, err := r.Pop()
	if err != nil {
		t.Fatalf("Pop() error: %v", err)
	}
	if first.Command != "a" {
		t.Errorf("Pop() = %q, want %q", first.Command, "a")
	}

	second, err := r.Pop()
	if err != nil {
		t.Fatalf("Pop() error: %v", err)
	}
	if second.Command != "b" {
		t.Errorf("Pop() = %q, want %q", second.Command, "b")
	}
}

func TestCommandRegistryPopEmpty(t *testing.T) {
	r := NewCommandRegistry()
	if _, err := r.Pop(); !errors.Is(err, ErrRegistryEmpty) {
		t.Fatalf("Pop() error = %v, want ErrRegistryEmpty", err)
	}
}

// TestKeepAliveNeverEnqueued verifies invariant 2: submitting KEEP_ALIVE
// never changes the registry's size.
func TestKeepAliveNeverEnqueued(t *testing.T) {
	r := NewCommandRegistry()
	r.Submit(KeepAlive)
	if got := r.Len(); got != 0 {
		t.Fatalf("Len() after submitting KeepAlive = %d, want 0", got)
	}
}

func TestCommandRegistryDrain(t *testing.T) {
	r := NewCommandRegistry()
	r.Submit(NewCommand("a", "a"))
	r.Submit(NewCommand("b", "b"))
	r.Drain()
	if got := r.Len(); got != 0 {
		t.Fatalf("Len() after Drain() = %d, want 0", got)
	}
}

func TestCommandIs(t *testing.T) {
	cmd := NewCommand("jdev/sps/io/myswitch/on", "myswitch")
	if !cmd.Is("jdev/sps/io/myswitch/on") {
		t.Error("Is() = false, want true for matching control")
	}
	if cmd.Is("jdev/sps/io/other/on") {
		t.Error("Is() = true, want false for non-matching control")
	}
}

// TestSecuredCommandWireForm verifies scenario S5: the wrapped command's
// wire form is jdev/sps/ios/<64-hex-hash>/<inner command>.
func TestSecuredCommandWireForm(t *testing.T) {
	inner := NewCommand("jdev/sps/io/myswitch/on", "myswitch")
	secured := NewSecuredCommand(inner, "some-visu-hash")

	wire := secured.Command()

	re := regexp.MustCompile(`^jdev/sps/ios/[0-9a-f]{64}/jdev/sps/io/myswitch/on$`)
	if !re.MatchString(wire.Command) {
		t.Errorf("SecuredCommand.Command() = %q, does not match expected pattern", wire.Command)
	}
	if wire.Response != inner.Response {
		t.Errorf("Response = %v, want %v", wire.Response, inner.Response)
	}
}

func TestSecuredCommandRegeneratesOnRetry(t *testing.T) {
	inner := NewCommand("jdev/sps/io/x/on", "x")

	first := NewSecuredCommand(inner, "hash-one").Command()
	second := NewSecuredCommand(inner, "hash-two").Command()

	if first.Command == second.Command {
		t.Error("wire forms with different visu hashes should differ")
	}
}
