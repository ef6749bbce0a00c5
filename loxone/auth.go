package loxone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smarteon-go/loxone/internal/cryptoutil"
)

// AuthState is the auth engine's state machine position.
type AuthState int

const (
	AuthUninitialised AuthState = iota
	AuthKeyExchanged
	AuthChallenged
	AuthTokenIssued
	AuthRefreshing
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthUninitialised:
		return "uninitialised"
	case AuthKeyExchanged:
		return "key_exchanged"
	case AuthChallenged:
		return "challenged"
	case AuthTokenIssued:
		return "token_issued"
	case AuthRefreshing:
		return "refreshing"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// refreshFraction is how far into a token's validity window the proactive
// refresh is scheduled, per spec: "roughly 80% of the token's validity
// window".
const refreshFraction = 0.8

// authRequestTimeout bounds how long the auth engine waits for a response
// to a single outbound step before giving up on the whole sequence. It is
// independent of the session controller's authTimeoutSeconds latch wait
// (3 seconds by default), which is what callers actually observe.
const authRequestTimeout = 5 * time.Second

// saltResponse is the getkey2/getvisusalt DTO.
type saltResponse struct {
	OneTimeSalt   string             `json:"key"`
	Salt          string             `json:"salt"`
	HashAlgorithm cryptoutil.HashAlg `json:"hashAlg"`
}

// tokenResponse is the gettoken/authwithtoken DTO.
type tokenResponse struct {
	Token        string `json:"token"`
	ValidUntil   int64  `json:"validUntil"`
	TokenRights  int32  `json:"tokenRights"`
	UnsecurePass bool   `json:"unsecurePass"`
}

// AuthConfig carries the credentials and identity the auth engine needs.
type AuthConfig struct {
	User            string
	Password        string
	VisuPassword    string // defaults to Password when empty
	ClientUUID      string // identifies this client instance to gettoken
	ClientInfo      string // free-form client info string, e.g. "loxone-go"
	TokenPermission int32  // 2 = web, 4 = app; see miniserver docs

	// RequestTimeout bounds how long a single handshake step waits for its
	// response before giving up. Zero uses authRequestTimeout.
	RequestTimeout time.Duration
}

func (c AuthConfig) visuPassword() string {
	if c.VisuPassword != "" {
		return c.VisuPassword
	}
	return c.Password
}

type pendingRequest struct {
	category ResponseCategory
	result   chan pendingResult
}

type pendingResult struct {
	value any
	err   error
}

// AuthEngine drives the challenge/response handshake, token acquisition,
// periodic token refresh and the secondary visualisation handshake. It
// never touches the socket directly: outbound commands flow through an
// injected CommandSender, and refresh scheduling flows through an injected
// Scheduler, so the engine never spawns its own goroutines.
type AuthEngine struct {
	cfg     AuthConfig
	fetcher HTTPFetcher
	sched   Scheduler
	log     *slog.Logger

	send           func(Command)
	requestTimeout time.Duration

	mu              sync.Mutex
	state           AuthState
	initialised     bool
	publicKeyValue  string
	hashAlg         cryptoutil.HashAlg
	pendingUserHash string
	lastOneTimeSalt string
	token           string
	tokenValidity   time.Time
	cancelRefresh   func()

	visuMu   sync.Mutex
	visuHash string

	pendingMu sync.Mutex
	pending   *pendingRequest

	listenersMu sync.Mutex
	listeners   []AuthListener
}

// NewAuthEngine builds an auth engine. fetcher and sched must not be nil;
// logger may be nil, in which case slog.Default() is used.
func NewAuthEngine(cfg AuthConfig, fetcher HTTPFetcher, sched Scheduler, logger *slog.Logger) *AuthEngine {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = authRequestTimeout
	}
	return &AuthEngine{cfg: cfg, fetcher: fetcher, sched: sched, log: logger, state: AuthUninitialised, requestTimeout: timeout}
}

// SetCommandSender injects the callback used to emit outbound commands. The
// session controller calls this once, at construction, so the auth engine
// never owns the socket.
func (a *AuthEngine) SetCommandSender(send func(Command)) {
	a.send = send
}

// RegisterAuthListener registers a listener notified when the primary or
// visualisation handshake completes.
func (a *AuthEngine) RegisterAuthListener(l AuthListener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Accepts implements CommandResponseListener: the auth engine is interested
// in every category it itself ever submits a command for.
func (a *AuthEngine) Accepts(category ResponseCategory) bool {
	switch category {
	case ResponseMessage, ResponseSalt, ResponseToken, ResponseVisuSalt:
		return true
	default:
		return false
	}
}

// OnCommand implements CommandResponseListener. It delivers the parsed
// message to whichever sendAndAwait call is currently pending, if any.
func (a *AuthEngine) OnCommand(cmd Command, message any) CommandResponseState {
	a.pendingMu.Lock()
	req := a.pending
	if req == nil || req.category != cmd.Response {
		a.pendingMu.Unlock()
		return Ignored
	}
	a.pending = nil
	a.pendingMu.Unlock()

	req.result <- pendingResult{value: message}
	return Consumed
}

// sendAndAwait submits cmd through the injected sender and blocks until a
// matching response arrives, the context is cancelled, or the engine's
// request timeout (AuthConfig.RequestTimeout, else authRequestTimeout)
// elapses.
func (a *AuthEngine) sendAndAwait(ctx context.Context, cmd Command, category ResponseCategory) (any, error) {
	req := &pendingRequest{category: category, result: make(chan pendingResult, 1)}

	a.pendingMu.Lock()
	a.pending = req
	a.pendingMu.Unlock()

	a.send(cmd)

	select {
	case res := <-req.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.requestTimeout):
		return nil, fmt.Errorf("loxone: timed out waiting for %s response to %q", describeCategory(category), cmd.Command)
	}
}

func describeCategory(c ResponseCategory) string {
	switch c {
	case ResponseMessage:
		return "message"
	case ResponseSalt:
		return "salt"
	case ResponseToken:
		return "token"
	case ResponseVisuSalt:
		return "visu-salt"
	default:
		return "none"
	}
}

// State returns the current auth state.
func (a *AuthEngine) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsInitialised reports whether Init has successfully fetched the
// miniserver's public key.
func (a *AuthEngine) IsInitialised() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialised
}

// IsUsable reports whether the currently held token is issued and not yet
// expired.
func (a *AuthEngine) IsUsable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AuthTokenIssued && a.state != AuthRefreshing {
		return false
	}
	return time.Now().Before(a.tokenValidity)
}

// VisuHash returns the currently held visualisation hash, or "" if the visu
// handshake hasn't completed yet.
func (a *AuthEngine) VisuHash() string {
	a.visuMu.Lock()
	defer a.visuMu.Unlock()
	return a.visuHash
}

// Init fetches the miniserver's RSA public key via the HTTP collaborator.
// It is idempotent: calling it again after success is a no-op.
func (a *AuthEngine) Init(ctx context.Context) error {
	a.mu.Lock()
	if a.initialised {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	msg, err := a.fetcher.Get(ctx, "jdev/sys/getPublicKey")
	if err != nil {
		return fmt.Errorf("loxone: fetch public key: %w", err)
	}

	var pubKeyValue string
	if err := json.Unmarshal(msg.Value, &pubKeyValue); err != nil {
		return fmt.Errorf("loxone: parse public key value: %w", err)
	}

	a.mu.Lock()
	a.publicKeyValue = pubKeyValue
	a.initialised = true
	a.mu.Unlock()

	a.log.Info("auth engine initialised", slog.String("user", a.cfg.User))
	return nil
}

// StartAuthentication drives the full challenge/response sequence. It is
// idempotent under state: a call while already at TOKEN_ISSUED with a
// usable token is a no-op; a call from FAILED restarts the sequence.
func (a *AuthEngine) StartAuthentication(ctx context.Context) {
	a.mu.Lock()
	if a.state == AuthTokenIssued && time.Now().Before(a.tokenValidity) {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if err := a.runAuthSequence(ctx); err != nil {
		a.log.Warn("authentication sequence failed", slog.Any("error", err))
		a.mu.Lock()
		a.state = AuthFailed
		a.mu.Unlock()
	}
}

func (a *AuthEngine) runAuthSequence(ctx context.Context) error {
	if err := a.keyExchange(ctx); err != nil {
		return fmt.Errorf("key exchange: %w", err)
	}
	if err := a.challenge(ctx); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}
	if err := a.acquireToken(ctx); err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	return nil
}

func (a *AuthEngine) keyExchange(ctx context.Context) error {
	sessionKey, err := cryptoutil.NewSessionKey()
	if err != nil {
		return err
	}

	a.mu.Lock()
	publicKeyValue := a.publicKeyValue
	a.mu.Unlock()

	pub, err := cryptoutil.ParsePublicKey(publicKeyValue)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	cipherHex, err := cryptoutil.EncryptForKeyExchange(pub, sessionKey)
	if err != nil {
		return err
	}

	cmd := NewCommand(fmt.Sprintf("jdev/sys/keyexchange/%s", cipherHex), "keyexchange")
	if _, err := a.sendAndAwait(ctx, cmd, ResponseMessage); err != nil {
		return err
	}

	a.mu.Lock()
	a.state = AuthKeyExchanged
	a.mu.Unlock()

	return nil
}

func (a *AuthEngine) challenge(ctx context.Context) error {
	cmd := NewCommand(fmt.Sprintf("jdev/sys/getkey2/%s", a.cfg.User), "getkey2")
	cmd.Response = ResponseSalt

	raw, err := a.sendAndAwait(ctx, cmd, ResponseSalt)
	if err != nil {
		return err
	}
	salt := raw.(saltResponse)

	if !salt.HashAlgorithm.Valid() {
		return fmt.Errorf("unsupported hash algorithm %q", salt.HashAlgorithm)
	}

	hash, err := cryptoutil.HashUser(a.cfg.User, a.cfg.Password, salt.Salt, salt.OneTimeSalt, salt.HashAlgorithm)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.hashAlg = salt.HashAlgorithm
	a.pendingUserHash = hash
	a.lastOneTimeSalt = salt.OneTimeSalt
	a.state = AuthChallenged
	a.mu.Unlock()

	return nil
}

func (a *AuthEngine) acquireToken(ctx context.Context) error {
	a.mu.Lock()
	userHash := a.pendingUserHash
	a.mu.Unlock()

	cmd := NewCommand(fmt.Sprintf("jdev/sys/gettoken/%s/%s/%d/%s/%s",
		userHash, a.cfg.User, a.cfg.TokenPermission, a.cfg.ClientUUID, a.cfg.ClientInfo), "gettoken")
	cmd.Response = ResponseToken

	raw, err := a.sendAndAwait(ctx, cmd, ResponseToken)
	if err != nil {
		return err
	}
	tok := raw.(tokenResponse)

	a.mu.Lock()
	a.token = tok.Token
	a.tokenValidity = time.Now().Add(time.Duration(tok.ValidUntil) * time.Second)
	a.state = AuthTokenIssued
	a.mu.Unlock()

	a.notifyAuthCompleted()
	a.scheduleRefresh(time.Duration(tok.ValidUntil) * time.Second)

	return nil
}

func (a *AuthEngine) scheduleRefresh(validity time.Duration) {
	a.mu.Lock()
	if a.cancelRefresh != nil {
		a.cancelRefresh()
	}
	delay := time.Duration(float64(validity) * refreshFraction)
	a.cancelRefresh = a.sched.Schedule(delay, a.refresh)
	a.mu.Unlock()
}

func (a *AuthEngine) refresh() {
	a.mu.Lock()
	a.state = AuthRefreshing
	oneTimeSalt := a.lastOneTimeSalt
	hashAlg := a.hashAlg
	token := a.token
	a.mu.Unlock()

	hash, err := cryptoutil.HashToken(token, oneTimeSalt, hashAlg)
	if err != nil {
		a.log.Warn("token refresh: hash token", slog.Any("error", err))
		return
	}

	cmd := NewCommand(fmt.Sprintf("authwithtoken/%s/%s", hash, a.cfg.User), "authwithtoken")
	cmd.Response = ResponseToken

	raw, err := a.sendAndAwait(context.Background(), cmd, ResponseToken)
	if err != nil {
		a.log.Warn("token refresh failed", slog.Any("error", err))
		a.mu.Lock()
		a.state = AuthFailed
		a.mu.Unlock()
		return
	}
	tok := raw.(tokenResponse)

	a.mu.Lock()
	a.tokenValidity = time.Now().Add(time.Duration(tok.ValidUntil) * time.Second)
	a.state = AuthTokenIssued
	a.mu.Unlock()

	a.scheduleRefresh(time.Duration(tok.ValidUntil) * time.Second)
}

// StartVisuAuthentication drives the secondary visualisation handshake. It
// is idempotent under state: called while a visu hash is already held, it's
// a no-op.
func (a *AuthEngine) StartVisuAuthentication(ctx context.Context) {
	if a.VisuHash() != "" {
		return
	}

	if err := a.runVisuSequence(ctx); err != nil {
		a.log.Warn("visualisation authentication failed", slog.Any("error", err))
	}
}

func (a *AuthEngine) runVisuSequence(ctx context.Context) error {
	cmd := NewCommand(fmt.Sprintf("jdev/sys/getvisusalt/%s", a.cfg.User), "getvisusalt")
	cmd.Response = ResponseVisuSalt

	raw, err := a.sendAndAwait(ctx, cmd, ResponseVisuSalt)
	if err != nil {
		return err
	}
	salt := raw.(saltResponse)

	if !salt.HashAlgorithm.Valid() {
		return fmt.Errorf("unsupported hash algorithm %q", salt.HashAlgorithm)
	}

	hash, err := cryptoutil.HashVisu(a.cfg.User, a.cfg.visuPassword(), salt.Salt, salt.OneTimeSalt, salt.HashAlgorithm)
	if err != nil {
		return err
	}

	authCmd := NewCommand(fmt.Sprintf("authwithvisuhash/%s/%s", hash, a.cfg.User), "authwithvisuhash")
	authCmd.Response = ResponseMessage
	if _, err := a.sendAndAwait(ctx, authCmd, ResponseMessage); err != nil {
		return err
	}

	a.visuMu.Lock()
	a.visuHash = hash
	a.visuMu.Unlock()

	a.notifyVisuAuthCompleted()
	return nil
}

// WsClosed resets the engine to UNINITIALISED and cancels any pending
// refresh. Called by the session controller when the socket closes; no
// stale credential state survives reconnection, though a fresh connection
// must still re-run the full handshake.
func (a *AuthEngine) WsClosed() {
	a.mu.Lock()
	if a.cancelRefresh != nil {
		a.cancelRefresh()
		a.cancelRefresh = nil
	}
	a.state = AuthUninitialised
	a.initialised = false
	a.token = ""
	a.tokenValidity = time.Time{}
	a.mu.Unlock()

	a.visuMu.Lock()
	a.visuHash = ""
	a.visuMu.Unlock()

	a.pendingMu.Lock()
	a.pending = nil
	a.pendingMu.Unlock()
}

func (a *AuthEngine) notifyAuthCompleted() {
	a.listenersMu.Lock()
	listeners := append([]AuthListener(nil), a.listeners...)
	a.listenersMu.Unlock()

	for _, l := range listeners {
		l.AuthCompleted()
	}
}

func (a *AuthEngine) notifyVisuAuthCompleted() {
	a.listenersMu.Lock()
	listeners := append([]AuthListener(nil), a.listeners...)
	a.listenersMu.Unlock()

	for _, l := range listeners {
		l.VisuAuthCompleted()
	}
}
