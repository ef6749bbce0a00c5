package loxone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaDialer mirrors the teacher's package-level dialer: a single shared
// Dialer instance reused across connects, compression enabled, a bounded
// handshake timeout.
var gorillaDialer = websocket.Dialer{
	EnableCompression: true,
	HandshakeTimeout:  10 * time.Second,
}

// GorillaTransport is the default WebSocketTransport, backed by
// github.com/gorilla/websocket. Every (re)connect gets a fresh instance: the
// session controller never reuses one across a reconnect.
//
// Unlike a plain JSON-only client, this transport demultiplexes the
// miniserver's paired framing: every payload frame is preceded by its own
// 8-byte binary header frame announcing kind and length, so the read pump
// holds the pending header until the matching payload frame arrives.
type GorillaTransport struct {
	uri       string
	callbacks TransportCallbacks
	log       *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewGorillaTransportFactory returns a TransportFactory producing
// GorillaTransports, all logging through logger (slog.Default() if nil).
func NewGorillaTransportFactory(logger *slog.Logger) TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(callbacks TransportCallbacks, uri string) WebSocketTransport {
		return &GorillaTransport{uri: uri, callbacks: callbacks, log: logger}
	}
}

// Connect dials the endpoint, starts the read pump in the background and
// reports ConnectionOpened to the callbacks synchronously before returning.
// ConnectionClosed/WSClosed are reported as the pump observes them; Connect
// does not block for the connection's lifetime.
func (t *GorillaTransport) Connect(ctx context.Context) error {
	conn, resp, err := gorillaDialer.DialContext(ctx, t.uri, nil)
	if err != nil {
		status := "no response"
		if resp != nil {
			status = resp.Status
		}
		return fmt.Errorf("loxone: dial %s: %w (%s)", t.uri, err, status)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	go t.readPump()

	t.callbacks.ConnectionOpened()
	return nil
}

// IsOpen reports whether the underlying connection is live.
func (t *GorillaTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

// Send writes text as a WebSocket text frame. Concurrent callers are
// serialised: gorilla/websocket requires at most one concurrent writer per
// connection.
func (t *GorillaTransport) Send(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return fmt.Errorf("%w: transport is not open", ErrConnectionFailure)
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// CloseBlocking closes the connection and waits for the read pump to notice.
func (t *GorillaTransport) CloseBlocking() error {
	t.mu.Lock()
	conn := t.conn
	already := t.closed
	t.closed = true
	t.mu.Unlock()

	if conn == nil || already {
		return nil
	}
	return conn.Close()
}

// readPump reads frames until the connection fails or is closed, pairing
// each 8-byte header frame with the payload frame that follows it.
func (t *GorillaTransport) readPump() {
	var pending *MessageHeader

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.handleReadError(err)
			return
		}

		if kind == websocket.BinaryMessage && len(data) == headerSize && pending == nil {
			var raw [headerSize]byte
			copy(raw[:], data)
			header, err := ParseHeader(raw)
			if err != nil {
				t.log.Warn("malformed frame header", slog.Any("error", err))
				continue
			}

			switch header.Kind {
			case FrameOutOfService:
				t.log.Warn("miniserver reports out of service")
				continue
			case FrameKeepalive:
				t.log.Debug("keepalive header received")
				continue
			}
			if header.PayloadLength == 0 {
				continue
			}

			h := header
			pending = &h
			continue
		}

		if pending == nil {
			t.log.Debug("binary message received without a preceding header, dropping", slog.Int("length", len(data)))
			continue
		}

		header := *pending
		pending = nil

		switch header.Kind {
		case FrameText:
			t.callbacks.ProcessMessage(string(data))
		default:
			t.callbacks.ProcessEvents(header, data)
		}
	}
}

func (t *GorillaTransport) handleReadError(err error) {
	t.mu.Lock()
	wasClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	remote := !wasClosed
	code := websocket.CloseNormalClosure
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	}

	t.log.Debug("read pump stopped", slog.Any("error", err))
	t.callbacks.ConnectionClosed(code, remote)
	t.callbacks.WSClosed()
}
