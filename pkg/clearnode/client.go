package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/base"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

type Config struct {
	Application   string
	Scope         string
	SessionExpiry time.Duration
	Allowances    []Allowance

	RequestTimeout      time.Duration
	ResizeRetryDelay    time.Duration
	NotificationWorkers int
	RefreshLedger       bool
}

func DefaultConfig() Config {
	return Config{
		Application:         "channel-settlement",
		Scope:               "console",
		SessionExpiry:       24 * time.Hour,
		RequestTimeout:      DefaultRequestTimeout,
		ResizeRetryDelay:    time.Second,
		NotificationWorkers: 8,
		RefreshLedger:       true,
	}
}

// NotificationHandler receives one decoded unsolicited frame
type NotificationHandler func(ctx context.Context, msg Inbound) error

var notificationMethods = []Method{
	MethodAppStateUpdate,
	MethodTransferNotice,
	MethodBalanceUpdate,
	MethodChannelUpdate,
}

// Client is the single protocol client of the process. It owns the
// connection, the handshake and every pending call.
type Client struct {
	cfg        Config
	conn       connection.ConnectionManager
	wallet     security.Signer
	sessionKey security.Signer
	auth       *Authenticator
	correlator *Correlator
	registry   *base.HandlerRegistry
	dispatcher *base.AsyncHandler
	metrics    performance.Metrics
	logger     logging.ApplicationLogger

	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	subsMu      sync.RWMutex
	subscribers map[Method][]NotificationHandler

	sessionMu    sync.Mutex
	sessionLocks map[string]*sessionLock

	ledgerMu sync.RWMutex
	entries  []LedgerEntry
	balances map[string]decimal.Decimal
}

func NewClient(
	cfg Config,
	conn connection.ConnectionManager,
	wallet security.Signer,
	sessionKey security.Signer,
	metrics performance.Metrics,
	logger logging.ApplicationLogger,
) (*Client, error) {
	if wallet == nil || sessionKey == nil {
		return nil, errors.New("wallet and session key are required")
	}
	defaults := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ResizeRetryDelay <= 0 {
		cfg.ResizeRetryDelay = defaults.ResizeRetryDelay
	}
	if cfg.NotificationWorkers <= 0 {
		cfg.NotificationWorkers = defaults.NotificationWorkers
	}
	if cfg.Application == "" {
		cfg.Application = defaults.Application
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		conn:       conn,
		wallet:     wallet,
		sessionKey: sessionKey,
		auth: NewAuthenticator(AuthConfig{
			Application:   cfg.Application,
			Scope:         cfg.Scope,
			SessionExpiry: cfg.SessionExpiry,
			Allowances:    cfg.Allowances,
		}, wallet, sessionKey),
		correlator:   NewCorrelator(cfg.RequestTimeout, metrics, logger),
		registry:     base.NewHandlerRegistry(logger),
		metrics:      metrics,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		subscribers:  make(map[Method][]NotificationHandler),
		sessionLocks: make(map[string]*sessionLock),
		balances:     make(map[string]decimal.Decimal),
	}

	methods := make([]string, 0, len(notificationMethods))
	for _, m := range notificationMethods {
		methods = append(methods, string(m))
	}
	if err := c.registry.RegisterHandler(base.NewHandlerFunc(c.fanOut, methods...)); err != nil {
		cancel()
		return nil, err
	}
	router := base.NewValidationHandler(base.NewHandlerFunc(c.registry.RouteMessage, methods...), validateNotification, logger)
	c.dispatcher = base.NewAsyncHandler(router, cfg.NotificationWorkers, logger)

	c.OnBalanceUpdate(c.applyBalanceUpdate)

	conn.SetCallbacks(connection.Callbacks{
		OnOpen:      c.onOpen,
		OnClose:     c.onClose,
		OnMessage:   c.onMessage,
		OnExhausted: c.onExhausted,
	})
	return c, nil
}

// Connect opens the connection; authentication follows automatically
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Close disconnects and rejects everything still pending
func (c *Client) Close() error {
	err := c.conn.Disconnect()
	c.correlator.RejectAll(ErrClosed)
	c.cancel()
	c.dispatcher.Wait()
	return err
}

// WaitAuthenticated blocks until the handshake has completed
func (c *Client) WaitAuthenticated(ctx context.Context) error {
	return c.auth.Wait(ctx)
}

func (c *Client) Address() string {
	return c.wallet.Address().Hex()
}

func (c *Client) SessionKeyAddress() string {
	return c.sessionKey.Address().Hex()
}

// Healthy reports a live, authenticated connection that has seen traffic
// within the read timeout
func (c *Client) Healthy() bool {
	return c.conn.IsHealthy() && c.auth.State() == AuthAuthenticated
}

func (c *Client) AuthState() AuthState {
	return c.auth.State()
}

// Stats merges connection stats with handshake and correlator state
func (c *Client) Stats() map[string]interface{} {
	stats := c.conn.GetConnectionStats()
	stats["auth_state"] = c.auth.State().String()
	stats["pending"] = c.correlator.Pending()
	stats["wallet"] = c.Address()
	stats["session_key"] = c.SessionKeyAddress()
	return stats
}

// Subscribe adds a handler for one notification method. Handlers run off
// the read loop.
func (c *Client) Subscribe(method Method, handler NotificationHandler) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subscribers[method] = append(c.subscribers[method], handler)
}

func (c *Client) OnAppStateUpdate(fn func(ctx context.Context, update *AppStateUpdate) error) {
	c.Subscribe(MethodAppStateUpdate, func(ctx context.Context, msg Inbound) error {
		return fn(ctx, msg.(*AppStateUpdate))
	})
}

func (c *Client) OnTransfer(fn func(ctx context.Context, notice *TransferNotification) error) {
	c.Subscribe(MethodTransferNotice, func(ctx context.Context, msg Inbound) error {
		return fn(ctx, msg.(*TransferNotification))
	})
}

func (c *Client) OnBalanceUpdate(fn func(ctx context.Context, update *BalanceUpdate) error) {
	c.Subscribe(MethodBalanceUpdate, func(ctx context.Context, msg Inbound) error {
		return fn(ctx, msg.(*BalanceUpdate))
	})
}

func (c *Client) OnChannelUpdate(fn func(ctx context.Context, update *ChannelUpdate) error) {
	c.Subscribe(MethodChannelUpdate, func(ctx context.Context, msg Inbound) error {
		return fn(ctx, msg.(*ChannelUpdate))
	})
}

func (c *Client) fanOut(ctx context.Context, method string, payload interface{}) error {
	msg, ok := payload.(Inbound)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, method)
	}

	c.subsMu.RLock()
	handlers := append([]NotificationHandler(nil), c.subscribers[Method(method)]...)
	c.subsMu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// validateNotification rejects notifications that cannot be routed to a
// session or channel
func validateNotification(payload interface{}) error {
	switch m := payload.(type) {
	case *AppStateUpdate:
		if m.AppSession.AppSessionID == "" {
			return errors.New("app state update without app_session_id")
		}
	case *ChannelUpdate:
		if m.ChannelID == "" {
			return errors.New("channel update without channel_id")
		}
	}
	return nil
}

func (c *Client) onOpen() {
	request := c.auth.Begin()
	frame, err := EncodeRequest(c.nextID.Add(1), MethodAuthRequest, request, nowMillis(), nil)
	if err != nil {
		c.auth.Fail(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}
	if err := c.conn.Send(frame); err != nil {
		c.logger.Error("Failed to send auth request: %v", err)
		return
	}
	c.logger.Info("Sent auth request for %s with session key %s", request.Address, request.SessionKey)
}

func (c *Client) onClose(err error) {
	c.auth.Reset()
	if err != nil {
		c.logger.Warn("Clearnode connection lost, session must re-authenticate: %v", err)
	}
}

func (c *Client) onExhausted(err error) {
	c.auth.Fail(err)
	c.correlator.RejectAll(err)
}

// onMessage runs on the read loop. Correlated responses are resolved here;
// notifications are handed to the async dispatcher.
func (c *Client) onMessage(frame []byte) {
	msg, err := Decode(frame)
	if err != nil {
		c.logger.Warn("Dropping undecodable frame: %v", err)
		if c.metrics != nil {
			c.metrics.IncrementDropped()
		}
		return
	}

	switch m := msg.(type) {
	case *AuthChallenge:
		c.handleChallenge(m)

	case *AuthVerifyResult:
		if !m.Success {
			c.auth.Fail(fmt.Errorf("%w: verification rejected", ErrAuthFailed))
			c.logger.Error("Authentication rejected for %s", c.Address())
			return
		}
		c.auth.Succeed(m.JWTToken)
		c.conn.MarkAuthenticated()
		c.logger.Info("Authenticated as %s", c.Address())
		if c.cfg.RefreshLedger {
			go c.refreshAfter("authentication")
		}

	case *ErrorFrame:
		c.handleErrorFrame(m)

	case *Response:
		kind := m.Method
		if kind == MethodPong {
			kind = MethodPing
		}
		if !c.correlator.Resolve(kind, m.RequestID, m.Params) {
			c.logger.Debug("No pending %s call for response %d", kind, m.RequestID)
		}

	case *AppStateUpdate:
		c.notify(MethodAppStateUpdate, m)
	case *TransferNotification:
		c.notify(MethodTransferNotice, m)
	case *BalanceUpdate:
		c.notify(MethodBalanceUpdate, m)
	case *ChannelUpdate:
		c.notify(MethodChannelUpdate, m)

	case *Unrecognized:
		c.logger.Debug("Ignoring unrecognized method %s", m.Method)
	}
}

func (c *Client) notify(method Method, msg Inbound) {
	_ = c.dispatcher.Handle(c.ctx, string(method), msg)
}

func (c *Client) handleChallenge(challenge *AuthChallenge) {
	params, sigs, err := c.auth.HandleChallenge(challenge.Challenge)
	if err != nil {
		c.logger.Error("Failed to answer auth challenge: %v", err)
		return
	}

	frame, err := encodeWithSignatures(c.nextID.Add(1), MethodAuthVerify, params, nowMillis(), sigs)
	if err != nil {
		c.auth.Fail(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}
	if err := c.conn.Send(frame); err != nil {
		c.logger.Error("Failed to send auth verify: %v", err)
	}
}

// handleErrorFrame rejects every pending call. The server does not say
// which request an error belongs to.
func (c *Client) handleErrorFrame(frame *ErrorFrame) {
	rpcErr := &RPCError{Message: frame.Message}

	switch {
	case isExpiredMessage(frame.Message):
		c.auth.Fail(fmt.Errorf("%w: %s", ErrSessionExpired, frame.Message))
		c.logger.Error("Session key expired, closing connection: %s", frame.Message)
		go func() {
			if err := c.conn.Disconnect(); err != nil {
				c.logger.Warn("Error closing expired session: %v", err)
			}
		}()
	case c.auth.InHandshake():
		c.auth.Fail(fmt.Errorf("%w: %s", ErrAuthFailed, frame.Message))
		c.logger.Error("Authentication failed: %s", frame.Message)
	default:
		c.logger.Warn("Clearnode error frame: %s", frame.Message)
	}

	c.correlator.RejectAll(rpcErr)
}

// call is the shared await-auth, sign, correlate, send, await path
func (c *Client) call(ctx context.Context, kind Method, params interface{}) (json.RawMessage, error) {
	authCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err := c.auth.Wait(authCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s: %w", kind, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	id := c.nextID.Add(1)
	frame, err := EncodeRequest(id, kind, params, nowMillis(), c.sessionKey)
	if err != nil {
		return nil, err
	}

	pending, err := c.correlator.Register(kind, id)
	if err != nil {
		return nil, err
	}

	if err := c.conn.Send(frame); err != nil {
		c.correlator.Reject(kind, id, err)
		return nil, fmt.Errorf("failed to send %s: %w", kind, err)
	}

	result, err := pending.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", kind, err)
	}
	return result, nil
}

// Ping round-trips a ping/pong through the authenticated session
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, MethodPing, nil)
	return err
}

// sessionLock serializes local submitters of one app session. The entry
// lives while anyone holds or waits on it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession blocks until the caller owns appSessionID and returns the
// matching unlock
func (c *Client) lockSession(appSessionID string) func() {
	c.sessionMu.Lock()
	lock, ok := c.sessionLocks[appSessionID]
	if !ok {
		lock = &sessionLock{}
		c.sessionLocks[appSessionID] = lock
	}
	lock.refs++
	c.sessionMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		c.sessionMu.Lock()
		defer c.sessionMu.Unlock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.sessionLocks, appSessionID)
		}
	}
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
