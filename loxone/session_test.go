package loxone

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeScheduler runs scheduled work on its own goroutine after delay, never
// blocking the caller. Cancellation is best-effort: a job already past its
// select is not interrupted mid-flight, matching the real scheduler's
// contract that cancel is safe but not a hard interrupt.
type fakeScheduler struct{}

func (fakeScheduler) Schedule(delay time.Duration, fn func()) func() {
	cancelled := make(chan struct{})
	var once sync.Once
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-cancelled:
				return
			}
		}
		select {
		case <-cancelled:
			return
		default:
		}
		fn()
	}()
	return func() { once.Do(func() { close(cancelled) }) }
}

func (fakeScheduler) Close() error { return nil }

// scriptedTransport is a WebSocketTransport whose Send calls a respond
// callback synchronously to compute the miniserver's reply, then delivers it
// back through TransportCallbacks on its own goroutine, mimicking an actual
// asynchronous round trip without a real socket.
type scriptedTransport struct {
	mu        sync.Mutex
	open      bool
	callbacks TransportCallbacks
	sent      []string
	respond   func(wire string) (response string, ok bool)

	connectErr error
}

func (f *scriptedTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.callbacks.ConnectionOpened()
	return nil
}

func (f *scriptedTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *scriptedTransport) Send(text string) error {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return ErrConnectionFailure
	}
	f.sent = append(f.sent, text)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return nil
	}
	if resp, ok := respond(text); ok {
		go f.callbacks.ProcessMessage(resp)
	}
	return nil
}

func (f *scriptedTransport) CloseBlocking() error {
	f.mu.Lock()
	wasOpen := f.open
	f.open = false
	f.mu.Unlock()
	if wasOpen {
		f.callbacks.WSClosed()
	}
	return nil
}

func (f *scriptedTransport) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// miniserverSim plays the miniserver side of the handshake: it hands back a
// real RSA certificate for getPublicKey, then answers keyexchange/getkey2/
// gettoken/getvisusalt/authwithvisuhash by command prefix, independent of
// the hash values the client actually computed. failGetTokenCount lets a
// test script a run of authentication failures before the first success.
type miniserverSim struct {
	certPEM string

	mu                sync.Mutex
	failGetTokenCount int
	getTokenAttempts  int
}

func newMiniserverSim(t *testing.T) *miniserverSim {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	return &miniserverSim{certPEM: string(pemBytes)}
}

func (m *miniserverSim) Get(ctx context.Context, command string) (LoxoneMessage, error) {
	if strings.Contains(command, "getPublicKey") {
		valueJSON := fmt.Sprintf("%q", m.certPEM)
		return LoxoneMessage{Control: command, Code: StatusOK, Value: []byte(valueJSON)}, nil
	}
	return LoxoneMessage{}, fmt.Errorf("unsupported bootstrap command %q", command)
}

func envelope(control string, code StatusCode, value string) string {
	return fmt.Sprintf(`{"LL":{"control":%q,"code":%d,"value":%s}}`, control, code, value)
}

func saltEnvelope(control string, code StatusCode) string {
	return envelope(control, code, `{"key":"deadbeef","salt":"cafef00d","hashAlg":"SHA256"}`)
}

func tokenEnvelope(control string, code StatusCode, token string, validUntil int64) string {
	return envelope(control, code, fmt.Sprintf(`{"token":%q,"validUntil":%d,"tokenRights":4,"unsecurePass":false}`, token, validUntil))
}

// respond implements the scriptedTransport respond callback.
func (m *miniserverSim) respond(wire string) (string, bool) {
	switch {
	case strings.HasPrefix(wire, "jdev/sys/keyexchange/"):
		return envelope(wire, StatusOK, `"OK"`), true

	case strings.HasPrefix(wire, "jdev/sys/getkey2/"):
		return saltEnvelope(wire, StatusOK), true

	case strings.HasPrefix(wire, "jdev/sys/gettoken/"):
		m.mu.Lock()
		attempt := m.getTokenAttempts
		m.getTokenAttempts++
		fail := attempt < m.failGetTokenCount
		m.mu.Unlock()
		if fail {
			return envelope(wire, StatusAuthFailed, `{}`), true
		}
		return tokenEnvelope(wire, StatusOK, "tok-123", 3600), true

	case strings.HasPrefix(wire, "jdev/sys/getvisusalt/"):
		return saltEnvelope(wire, StatusOK), true

	case strings.HasPrefix(wire, "authwithvisuhash/"):
		return envelope(wire, StatusOK, `"OK"`), true

	default:
		return envelope(wire, StatusOK, `"OK"`), true
	}
}

// testSessionConfig builds a SessionConfig wired to a fresh miniserverSim,
// with tuning fast enough for a unit test.
func testSessionConfig(sim *miniserverSim) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Endpoint = "ws://miniserver.example/ws/rfc6455"
	cfg.HTTPFetcher = sim
	cfg.Scheduler = fakeScheduler{}
	cfg.Auth = AuthConfig{
		User:            "admin",
		Password:        "secret",
		ClientUUID:      "test-client",
		ClientInfo:      "session_test",
		TokenPermission: 4,
		RequestTimeout:  300 * time.Millisecond,
	}
	cfg.AuthTimeoutSeconds = 1
	cfg.VisuTimeoutSeconds = 1
	cfg.Retries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.TransportFactory = func(callbacks TransportCallbacks, uri string) WebSocketTransport {
		return &scriptedTransport{callbacks: callbacks, respond: sim.respond}
	}
	return cfg
}

// TestSessionSendCommandSimple verifies scenario S1: a plain command
// completes the handshake and is sent on the wire.
func TestSessionSendCommandSimple(t *testing.T) {
	sim := newMiniserverSim(t)
	session := NewSession(testSessionConfig(sim))
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := session.SendCommand(ctx, NewCommand("jdev/sps/io/myswitch/on", "myswitch")); err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}
}

// TestSessionBadCredentialsSurfacesAuthTimeoutExceeded verifies scenario S2:
// with retries=0 and a miniserver that always rejects gettoken, sending a
// command surfaces ErrAuthTimeoutExceeded once the auth latch wait expires.
func TestSessionBadCredentialsSurfacesAuthTimeoutExceeded(t *testing.T) {
	sim := newMiniserverSim(t)
	sim.failGetTokenCount = 1000 // never succeeds

	cfg := testSessionConfig(sim)
	cfg.Retries = 0
	session := NewSession(cfg)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := session.SendCommand(ctx, NewCommand("jdev/sps/io/myswitch/on", "myswitch"))
	if !errors.Is(err, ErrAuthTimeoutExceeded) {
		t.Fatalf("SendCommand() error = %v, want ErrAuthTimeoutExceeded", err)
	}
}

// TestSessionRetriesOnBadCredentials verifies scenario S3: the miniserver
// rejects the first two gettoken attempts and accepts the third; with
// retries=3 the command eventually succeeds.
func TestSessionRetriesOnBadCredentials(t *testing.T) {
	sim := newMiniserverSim(t)
	sim.failGetTokenCount = 2

	cfg := testSessionConfig(sim)
	cfg.Retries = 3
	session := NewSession(cfg)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := session.SendCommand(ctx, NewCommand("jdev/sps/io/myswitch/on", "myswitch")); err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}

	sim.mu.Lock()
	attempts := sim.getTokenAttempts
	sim.mu.Unlock()
	if attempts < 3 {
		t.Errorf("gettoken attempts = %d, want at least 3", attempts)
	}
}

// TestSessionSecureCommandWireForm verifies scenario S5: a secure command is
// sent wrapped in the jdev/sps/ios/<hash>/ prefix after the visualisation
// handshake completes.
func TestSessionSecureCommandWireForm(t *testing.T) {
	sim := newMiniserverSim(t)
	cfg := testSessionConfig(sim)

	var transport *scriptedTransport
	var transportMu sync.Mutex
	cfg.TransportFactory = func(callbacks TransportCallbacks, uri string) WebSocketTransport {
		tr := &scriptedTransport{callbacks: callbacks, respond: sim.respond}
		transportMu.Lock()
		transport = tr
		transportMu.Unlock()
		return tr
	}

	session := NewSession(cfg)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	inner := NewCommand("jdev/sps/io/myswitch/on", "myswitch")
	if err := session.SendSecureCommand(ctx, inner); err != nil {
		t.Fatalf("SendSecureCommand() error: %v", err)
	}

	transportMu.Lock()
	sent := transport.sentCommands()
	transportMu.Unlock()

	var found bool
	for _, wire := range sent {
		if strings.HasPrefix(wire, "jdev/sps/ios/") && strings.HasSuffix(wire, "/jdev/sps/io/myswitch/on") {
			found = true
		}
	}
	if !found {
		t.Errorf("sent commands %v do not contain a securely wrapped form", sent)
	}
}

// TestSessionWsCloseResetsAuthState verifies invariant 4: after the socket
// closes, the next send re-runs the full handshake rather than reusing a
// stale token.
func TestSessionWsCloseResetsAuthState(t *testing.T) {
	sim := newMiniserverSim(t)
	session := NewSession(testSessionConfig(sim))
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := session.SendCommand(ctx, NewCommand("jdev/sps/io/a/on", "a")); err != nil {
		t.Fatalf("first SendCommand() error: %v", err)
	}
	if session.auth.State() != AuthTokenIssued {
		t.Fatalf("auth state after first send = %v, want AuthTokenIssued", session.auth.State())
	}

	cur := session.slot.Load()
	if err := cur.transport.CloseBlocking(); err != nil {
		t.Fatalf("CloseBlocking() error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && session.auth.State() != AuthUninitialised {
		time.Sleep(5 * time.Millisecond)
	}
	if session.auth.State() != AuthUninitialised {
		t.Fatalf("auth state after WSClosed = %v, want AuthUninitialised", session.auth.State())
	}

	if err := session.SendCommand(ctx, NewCommand("jdev/sps/io/b/on", "b")); err != nil {
		t.Fatalf("second SendCommand() error: %v", err)
	}
	if got := sim.gettokenSuccesses(); got < 2 {
		t.Errorf("gettoken successes = %d, want at least 2 (one per handshake)", got)
	}
}

func (m *miniserverSim) gettokenSuccesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getTokenAttempts - m.failGetTokenCount
}
