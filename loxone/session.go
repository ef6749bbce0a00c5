package loxone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// latch is a one-shot gate: open (not yet signalled) while unclosed, and
// permanently signalled once closed. Closing an already-closed latch is
// guarded against with closeLatch rather than relied on to panic.
type latch chan struct{}

func isClosed(l latch) bool {
	select {
	case <-l:
		return true
	default:
		return false
	}
}

func closeLatch(l latch) {
	if !isClosed(l) {
		close(l)
	}
}

// connState is the connection slot: the current transport together with the
// latch identities that gate sends against it. It is replaced wholesale,
// under writerMu, whenever a new connection or auth cycle begins, and read
// lock-free via an atomic.Pointer by every sender.
type connState struct {
	transport WebSocketTransport
	authLatch latch
	visuLatch latch // nil until the first secure-command attempt
}

// SessionConfig configures a Session. Start from DefaultSessionConfig and
// override only what differs; zero values for the tuning fields are
// meaningful (retries=0 is a valid, if aggressive, configuration) so
// NewSession never silently substitutes a default.
type SessionConfig struct {
	Endpoint         string
	TransportFactory TransportFactory
	HTTPFetcher      HTTPFetcher
	Scheduler        Scheduler
	Auth             AuthConfig
	Logger           *slog.Logger

	AuthTimeoutSeconds int
	VisuTimeoutSeconds int
	Retries            int
	AutoRestart        bool
	RetryBackoff       time.Duration
}

// DefaultSessionConfig returns the documented tuning defaults:
// authTimeoutSeconds=3, visuTimeoutSeconds=3, retries=5, autoRestart=false,
// retry back-off=10ms.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AuthTimeoutSeconds: 3,
		VisuTimeoutSeconds: 3,
		Retries:            5,
		AutoRestart:        false,
		RetryBackoff:       10 * time.Millisecond,
	}
}

// Session is the root owner of the socket lifecycle: it owns the transport
// (recreated on every connect), the auth engine (persists across reconnects,
// reset by wsClosed), and the scheduler. Listeners are borrowed, never
// owned.
type Session struct {
	endpoint         string
	transportFactory TransportFactory
	registry         *CommandRegistry
	dispatcher       *Dispatcher
	auth             *AuthEngine
	sched            Scheduler
	log              *slog.Logger

	slot     atomic.Pointer[connState]
	writerMu sync.Mutex

	authTimeoutSeconds atomic.Int64
	visuTimeoutSeconds atomic.Int64
	retries            atomic.Int64
	autoRestart        atomic.Bool
	retryBackoff       time.Duration

	autoRestartCancel func()

	wsListenersMu sync.Mutex
	wsListeners   []WebSocketListener
}

// NewSession wires a Session from cfg: the auth engine is registered as a
// command-response listener and given the session's sendInternal as its
// command sender, and the session registers itself as the auth engine's
// AuthListener so completed handshakes signal the right latch.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewCommandRegistry()
	dispatcher := NewDispatcher(registry, logger)
	auth := NewAuthEngine(cfg.Auth, cfg.HTTPFetcher, cfg.Scheduler, logger)

	s := &Session{
		endpoint:         cfg.Endpoint,
		transportFactory: cfg.TransportFactory,
		registry:         registry,
		dispatcher:       dispatcher,
		auth:             auth,
		sched:            cfg.Scheduler,
		log:              logger,
		retryBackoff:     cfg.RetryBackoff,
	}
	s.authTimeoutSeconds.Store(int64(cfg.AuthTimeoutSeconds))
	s.visuTimeoutSeconds.Store(int64(cfg.VisuTimeoutSeconds))
	s.retries.Store(int64(cfg.Retries))
	s.autoRestart.Store(cfg.AutoRestart)

	auth.SetCommandSender(s.sendInternal)
	dispatcher.RegisterCommandResponseListener(auth)
	auth.RegisterAuthListener(s)

	return s
}

// SendCommand submits cmd for sending, retrying on connection/auth failure
// up to the configured retry count.
func (s *Session) SendCommand(ctx context.Context, cmd Command) error {
	if !cmd.SupportsWebSocket {
		return ErrCommandNotWSSupported
	}
	return s.sendWithRetry(ctx, cmd, int(s.retries.Load()))
}

// SendSecureCommand wraps cmd as a SecuredCommand, triggering the
// visualisation handshake on first use, and submits it with the same retry
// policy as SendCommand.
func (s *Session) SendSecureCommand(ctx context.Context, cmd Command) error {
	return s.sendSecureWithRetry(ctx, cmd, int(s.retries.Load()))
}

func (s *Session) SetAuthTimeoutSeconds(n int) { s.authTimeoutSeconds.Store(int64(n)) }
func (s *Session) SetVisuTimeoutSeconds(n int) { s.visuTimeoutSeconds.Store(int64(n)) }
func (s *Session) SetRetries(n int)            { s.retries.Store(int64(n)) }
func (s *Session) SetAutoRestart(b bool)       { s.autoRestart.Store(b) }

func (s *Session) RegisterCommandResponseListener(l CommandResponseListener) {
	s.dispatcher.RegisterCommandResponseListener(l)
}

func (s *Session) RegisterEventListener(l EventListener) {
	s.dispatcher.RegisterEventListener(l)
}

func (s *Session) RegisterWebSocketListener(l WebSocketListener) {
	s.wsListenersMu.Lock()
	defer s.wsListenersMu.Unlock()
	s.wsListeners = append(s.wsListeners, l)
}

// Close shuts the scheduler down and closes the transport blocking-style.
func (s *Session) Close() error {
	if err := s.sched.Close(); err != nil {
		s.log.Warn("scheduler close", slog.Any("error", err))
	}

	cur := s.slot.Load()
	if cur == nil || cur.transport == nil {
		return nil
	}
	if err := cur.transport.CloseBlocking(); err != nil {
		return fmt.Errorf("loxone: close websocket: %w", err)
	}
	return nil
}

// ensureConnection establishes or reuses a connection. If no transport
// exists or it's closed, a single writer (first to win the try-lock)
// constructs a fresh transport under a fresh auth latch; the rest proceed
// straight to the wait phase. If a transport is open but the held token
// isn't usable, a fresh auth latch is installed and a new authentication
// sequence kicked off.
func (s *Session) ensureConnection(ctx context.Context) {
	if !s.auth.IsInitialised() {
		if err := s.auth.Init(ctx); err != nil {
			s.log.Error("auth engine initialisation failed", slog.Any("error", err))
		}
	}

	cur := s.slot.Load()
	if cur == nil || !cur.transport.IsOpen() {
		s.log.Debug("(re)opening websocket connection")
		if s.writerMu.TryLock() {
			next := &connState{authLatch: make(latch)}
			transport := s.transportFactory(s, s.endpoint)
			next.transport = transport
			s.slot.Store(next)
			s.writerMu.Unlock()
			// Connect is called outside writerMu: both shipped transports
			// invoke ConnectionOpened synchronously, which itself takes
			// writerMu, and sync.Mutex isn't reentrant.
			if err := transport.Connect(ctx); err != nil {
				s.log.Error("connect failed", slog.Any("error", err))
			}
		}
		return
	}

	if !s.auth.IsUsable() {
		s.log.Info("authentication is not usable, starting authentication")
		s.writerMu.Lock()
		next := &connState{transport: cur.transport, authLatch: make(latch), visuLatch: cur.visuLatch}
		s.slot.Store(next)
		s.writerMu.Unlock()
		s.auth.StartAuthentication(ctx)
	}
}

// ensureVisuLatch returns the latch gating secure commands, creating a fresh
// one (and kicking off the visualisation handshake) if none is active or
// the previous one already completed. When a visu hash is already held the
// handshake is a no-op, so the fresh latch is signalled here directly.
// Replacement is serialised with writerMu, per the connection-slot
// replacement discipline.
func (s *Session) ensureVisuLatch(ctx context.Context, cur *connState) latch {
	s.writerMu.Lock()
	latest := s.slot.Load()
	if latest == nil {
		latest = cur
	}

	needsStart := latest.visuLatch == nil || isClosed(latest.visuLatch)
	var result latch
	if needsStart {
		next := &connState{transport: latest.transport, authLatch: latest.authLatch, visuLatch: make(latch)}
		s.slot.Store(next)
		result = next.visuLatch
	} else {
		result = latest.visuLatch
	}
	s.writerMu.Unlock()

	// StartVisuAuthentication runs its handshake to completion (or timeout)
	// synchronously; it must run outside writerMu so a slow visu round trip
	// doesn't serialise unrelated reconnect/re-auth activity behind it.
	if needsStart {
		s.auth.StartVisuAuthentication(ctx)
		if s.auth.VisuHash() != "" {
			closeLatch(result)
		}
	}
	return result
}

// waitForAuth blocks up to timeoutSeconds for l to signal. On timeout, and
// only if closeOnTimeout, the connection is torn down so the next attempt
// reconnects from scratch.
func (s *Session) waitForAuth(ctx context.Context, l latch, timeoutSeconds int64, closeOnTimeout bool, cur *connState) error {
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	select {
	case <-l:
		return nil
	case <-waitCtx.Done():
		if closeOnTimeout {
			s.closeTransport(cur)
		}
		return fmt.Errorf("%w: authentication not completed within %ds", ErrConnectionFailure, timeoutSeconds)
	}
}

func (s *Session) closeTransport(cur *connState) {
	if cur == nil || cur.transport == nil {
		return
	}
	if err := cur.transport.CloseBlocking(); err != nil {
		s.log.Warn("close websocket after auth timeout", slog.Any("error", err))
	}
}

func (s *Session) sendWithRetry(ctx context.Context, cmd Command, retriesLeft int) error {
	s.ensureConnection(ctx)

	cur := s.slot.Load()
	if cur == nil {
		return s.retryOrGiveUp(ctx, cmd, retriesLeft, fmt.Errorf("%w: no connection established", ErrConnectionFailure), false)
	}

	if err := s.waitForAuth(ctx, cur.authLatch, s.authTimeoutSeconds.Load(), true, cur); err != nil {
		return s.retryOrGiveUp(ctx, cmd, retriesLeft, err, false)
	}

	s.sendInternal(cmd)
	return nil
}

func (s *Session) sendSecureWithRetry(ctx context.Context, cmd Command, retriesLeft int) error {
	s.ensureConnection(ctx)

	cur := s.slot.Load()
	if cur == nil {
		return s.retryOrGiveUp(ctx, cmd, retriesLeft, fmt.Errorf("%w: no connection established", ErrConnectionFailure), true)
	}

	if err := s.waitForAuth(ctx, cur.authLatch, s.authTimeoutSeconds.Load(), true, cur); err != nil {
		return s.retryOrGiveUp(ctx, cmd, retriesLeft, err, true)
	}

	visuLatch := s.ensureVisuLatch(ctx, cur)
	if err := s.waitForAuth(ctx, visuLatch, s.visuTimeoutSeconds.Load(), false, cur); err != nil {
		return s.retryOrGiveUp(ctx, cmd, retriesLeft, err, true)
	}

	secured := NewSecuredCommand(cmd, s.auth.VisuHash())
	s.sendInternal(secured.Command())
	return nil
}

func (s *Session) retryOrGiveUp(ctx context.Context, cmd Command, retriesLeft int, err error, secure bool) error {
	if !errors.Is(err, ErrConnectionFailure) {
		return err
	}

	if retriesLeft > 0 {
		s.log.Info("connection or authentication failed, retrying")
		time.Sleep(s.retryBackoff)
		if secure {
			return s.sendSecureWithRetry(ctx, cmd, retriesLeft-1)
		}
		return s.sendWithRetry(ctx, cmd, retriesLeft-1)
	}

	s.log.Info("connection or authentication failed too many times, giving up")
	return fmt.Errorf("%w", ErrAuthTimeoutExceeded)
}

// sendInternal writes cmd's wire text directly to the current transport,
// enqueueing it in the registry first (closing the response-before-submit
// race the design explicitly allows either order for). It is both the path
// ordinary sends funnel through and the callback the auth engine uses to
// emit its own handshake commands, which bypass ensureConnection/waitForAuth
// entirely since they ARE what establishes auth.
func (s *Session) sendInternal(cmd Command) {
	cur := s.slot.Load()
	if cur == nil || cur.transport == nil {
		s.log.Error("cannot send, no transport", slog.String("command", cmd.Command))
		return
	}

	s.log.Debug("sending websocket message", slog.String("command", cmd.Command))

	if cmd.Response != ResponseNone {
		s.registry.Submit(cmd)
	}
	if err := cur.transport.Send(cmd.Command); err != nil {
		s.log.Error("send failed", slog.Any("error", err))
	}
}

// ConnectionOpened implements TransportCallbacks. It cancels any pending
// auto-restart and drives authentication asynchronously via the scheduler,
// so the transport's inbound I/O path is never blocked waiting on it.
func (s *Session) ConnectionOpened() {
	s.writerMu.Lock()
	if s.autoRestartCancel != nil {
		s.autoRestartCancel()
		s.autoRestartCancel = nil
	}
	s.writerMu.Unlock()

	s.sched.Schedule(0, func() {
		s.auth.StartAuthentication(context.Background())
		s.notifyOpened()
	})
}

// ProcessMessage implements TransportCallbacks.
func (s *Session) ProcessMessage(text string) {
	s.dispatcher.DispatchMessage(text)
}

// ProcessEvents implements TransportCallbacks.
func (s *Session) ProcessEvents(header MessageHeader, payload []byte) {
	s.dispatcher.DispatchEvents(header, payload)
}

// ConnectionClosed implements TransportCallbacks.
func (s *Session) ConnectionClosed(code int, remote bool) {
	s.notifyClosed(code, remote)
	if remote && s.autoRestart.Load() {
		s.armAutoRestart()
	}
}

// WSClosed implements TransportCallbacks: drains the in-flight FIFO and
// resets the auth engine so no stale correlation survives reconnection.
func (s *Session) WSClosed() {
	s.registry.Drain()
	s.auth.WsClosed()
}

// armAutoRestart schedules a periodic ensureConnection attempt at rate
// (retries+1)*authTimeoutSeconds+1 seconds, implemented as a one-shot
// reschedule loop since Scheduler only exposes one-shot delays. It stops
// re-arming itself the moment a live connection exists again — either
// because ConnectionOpened cancelled it directly, or because this attempt's
// own ensureConnection call just succeeded — so a healthy reconnect doesn't
// leave the periodic task running forever.
func (s *Session) armAutoRestart() {
	rate := time.Duration(s.retries.Load()+1)*time.Duration(s.authTimeoutSeconds.Load())*time.Second + time.Second
	s.log.Info("scheduling automatic websocket restart", slog.Duration("interval", rate))

	var reschedule func()
	reschedule = func() {
		s.ensureConnection(context.Background())

		cur := s.slot.Load()
		if cur != nil && cur.transport != nil && cur.transport.IsOpen() {
			s.log.Debug("automatic restart succeeded, stopping periodic retries")
			return
		}

		s.writerMu.Lock()
		s.autoRestartCancel = s.sched.Schedule(rate, reschedule)
		s.writerMu.Unlock()
	}

	s.writerMu.Lock()
	s.autoRestartCancel = s.sched.Schedule(rate, reschedule)
	s.writerMu.Unlock()
}

func (s *Session) notifyOpened() {
	for _, l := range s.wsListenerSnapshot() {
		l.Opened()
	}
}

func (s *Session) notifyClosed(code int, remote bool) {
	for _, l := range s.wsListenerSnapshot() {
		if remote {
			l.RemoteClosed(code)
		} else {
			l.LocalClosed(code)
		}
	}
}

func (s *Session) wsListenerSnapshot() []WebSocketListener {
	s.wsListenersMu.Lock()
	defer s.wsListenersMu.Unlock()
	return append([]WebSocketListener(nil), s.wsListeners...)
}

// AuthCompleted implements AuthListener: it signals the current connection
// slot's auth latch. Firing without an active latch indicates a bug in the
// session controller, not a network condition — it panics rather than
// silently continuing with a half-authenticated sender blocked forever.
func (s *Session) AuthCompleted() {
	s.log.Info("authentication completed")
	cur := s.slot.Load()
	if cur == nil || cur.authLatch == nil {
		panic(fmt.Errorf("%w: authentication completed without an active latch", ErrInvariantViolation))
	}
	closeLatch(cur.authLatch)
}

// VisuAuthCompleted implements AuthListener: it signals the current
// connection slot's visu latch, under the same invariant as AuthCompleted.
func (s *Session) VisuAuthCompleted() {
	s.log.Info("visualisation authentication completed")
	cur := s.slot.Load()
	if cur == nil || cur.visuLatch == nil {
		panic(fmt.Errorf("%w: visualisation authentication completed without an active latch", ErrInvariantViolation))
	}
	closeLatch(cur.visuLatch)
}
