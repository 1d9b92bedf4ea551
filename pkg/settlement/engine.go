package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
)

// SessionClient is the protocol surface the engine settles through
type SessionClient interface {
	Address() string
	SubmitAppState(ctx context.Context, appSessionID string, allocations []clearnode.Allocation, intent clearnode.Intent, payload interface{}) (uint64, error)
	Transfer(ctx context.Context, destination string, allocations []clearnode.TransferAllocation) ([]clearnode.TransferTx, error)
	GetAppSessions(ctx context.Context, participant, status string) ([]clearnode.AppSession, error)
}

// PriceFeed returns the last USD price of a ticker
type PriceFeed interface {
	FetchPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// EventSink receives settlement events
type EventSink interface {
	Emit(eventType string, data map[string]interface{})
}

// Notifications is the subscription surface of the protocol client
type Notifications interface {
	OnAppStateUpdate(fn func(ctx context.Context, update *clearnode.AppStateUpdate) error)
	OnTransfer(fn func(ctx context.Context, notice *clearnode.TransferNotification) error)
}

const (
	EventPositionFilled   = "position_filled"
	EventPositionClosed   = "position_closed"
	EventPayoutSent       = "payout_sent"
	EventSwapFilled       = "swap_filled"
	EventSwapSettled      = "swap_settled"
	EventSettlementFailed = "settlement_failed"
)

type Config struct {
	Enabled           bool
	StableAsset       string
	MaintenanceMargin decimal.Decimal
	FallbackPrice     decimal.Decimal

	// Broker is the counterparty the trader opens sessions with
	Broker            string
	PositionRetention time.Duration
	SweepInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		StableAsset:       "usdc",
		MaintenanceMargin: DefaultMaintenanceMargin,
		FallbackPrice:     decimal.NewFromInt(100),
		PositionRetention: 24 * time.Hour,
		SweepInterval:     time.Minute,
	}
}

// Engine reacts to app state updates and inbound transfers by pricing and
// settling trades without a further round trip from the user
type Engine struct {
	cfg     Config
	client  SessionClient
	prices  PriceFeed
	events  EventSink
	metrics performance.Metrics
	clock   temporal.TimeProvider
	logger  logging.ApplicationLogger
	trading logging.TradingLogger

	mu       sync.Mutex
	sessions map[string]clearnode.AppSession
	settling map[string]bool
}

func NewEngine(
	cfg Config,
	client SessionClient,
	prices PriceFeed,
	events EventSink,
	metrics performance.Metrics,
	clock temporal.TimeProvider,
	logger logging.ApplicationLogger,
	trading logging.TradingLogger,
) *Engine {
	if cfg.StableAsset == "" {
		cfg.StableAsset = DefaultConfig().StableAsset
	}
	if cfg.MaintenanceMargin.IsZero() {
		cfg.MaintenanceMargin = DefaultMaintenanceMargin
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		prices:   prices,
		events:   events,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
		trading:  trading,
		sessions: make(map[string]clearnode.AppSession),
		settling: make(map[string]bool),
	}
}

// Attach subscribes the engine to the client's notifications
func (e *Engine) Attach(source Notifications) {
	if !e.cfg.Enabled {
		e.logger.Info("Settlement engine disabled")
		return
	}
	source.OnAppStateUpdate(e.HandleAppStateUpdate)
	source.OnTransfer(e.HandleTransfer)
}

// HandleAppStateUpdate dispatches one state update to the perpetual or spot
// branch. Payloads without data, or already handled, are ignored.
func (e *Engine) HandleAppStateUpdate(ctx context.Context, update *clearnode.AppStateUpdate) error {
	session := update.AppSession
	e.remember(session)

	payload, err := ParsePayload(session.SessionData)
	if err != nil {
		e.logger.Warn("Ignoring app session %s with undecodable payload: %v", session.AppSessionID, err)
		return nil
	}
	if payload == nil {
		return nil
	}

	if payload.IsPerpetual() {
		return e.handlePerpetual(ctx, session, update.ParticipantAllocations, payload)
	}
	return e.handleSpot(ctx, session, update.ParticipantAllocations, payload)
}

func (e *Engine) handlePerpetual(ctx context.Context, session clearnode.AppSession, allocations []clearnode.Allocation, p *Payload) error {
	if p.Status == StatusFilled || p.Status == StatusClosed {
		e.logger.Debug("Position %s already %s, ignoring update", p.PositionID, p.Status)
		e.count("perpetual", "duplicate")
		return nil
	}

	switch p.Action {
	case ActionOpen:
		return e.openPosition(ctx, session, allocations, p)
	case ActionClose:
		if p.EntryPrice == nil {
			e.logger.Warn("Close of position %s has no entry price, skipping", p.PositionID)
			e.count("perpetual", "skipped")
			return nil
		}
		return e.closePosition(ctx, session, allocations, p)
	default:
		e.logger.Debug("Position %s has no actionable action %q", p.PositionID, p.Action)
		return nil
	}
}

func (e *Engine) openPosition(ctx context.Context, session clearnode.AppSession, allocations []clearnode.Allocation, p *Payload) error {
	kind := p.Kind
	if !kind.Valid() {
		kind = Long
	}
	ticker := Ticker(p.Market)
	leverage := valueOr(p.Leverage, decimal.NewFromInt(1))
	collateral := valueOr(p.Collateral, decimal.Zero)

	key := positionKey(session.AppSessionID, p.PositionID, ActionOpen)
	if !e.claim(key) {
		e.logger.Debug("Position %s is already being filled, ignoring update", p.PositionID)
		e.count("perpetual", "duplicate")
		return nil
	}

	entry := e.priceOrFallback(ctx, ticker)

	size, err := PositionSize(collateral, leverage, entry)
	if err != nil {
		e.release(key)
		return e.fail(session.AppSessionID, ticker, fmt.Errorf("position %s: %w", p.PositionID, err))
	}
	liquidation, err := LiquidationPrice(kind, entry, leverage, e.cfg.MaintenanceMargin)
	if err != nil {
		e.release(key)
		return e.fail(session.AppSessionID, ticker, fmt.Errorf("position %s: %w", p.PositionID, err))
	}

	next := p.Clone()
	next.Kind = kind
	next.Status = StatusFilled
	next.EntryPrice = dec(entry)
	next.PositionSize = dec(size)
	next.LiquidationPrice = dec(liquidation)
	next.Timestamp = e.clock.Now().UnixMilli()

	if _, err := e.client.SubmitAppState(ctx, session.AppSessionID, e.shadow(session, allocations, p.Asset), clearnode.IntentOperate, next); err != nil {
		e.release(key)
		return e.fail(session.AppSessionID, ticker, fmt.Errorf("failed to fill position %s: %w", p.PositionID, err))
	}

	e.trading.Success("perpetual", ticker, "Filled %s position %s at %s (size %s, liquidation %s)",
		kind, p.PositionID, entry, size, liquidation)
	e.count("perpetual", "filled")
	e.emit(EventPositionFilled, map[string]interface{}{
		"app_session_id":    session.AppSessionID,
		"position_id":       p.PositionID,
		"kind":              string(kind),
		"market":            p.Market,
		"entry_price":       entry.String(),
		"position_size":     size.String(),
		"liquidation_price": liquidation.String(),
	})
	return nil
}

func (e *Engine) closePosition(ctx context.Context, session clearnode.AppSession, allocations []clearnode.Allocation, p *Payload) error {
	ticker := Ticker(p.Market)
	leverage := valueOr(p.Leverage, decimal.NewFromInt(1))
	collateral := valueOr(p.Collateral, decimal.Zero)
	entry := *p.EntryPrice

	key := positionKey(session.AppSessionID, p.PositionID, ActionClose)
	if !e.claim(key) {
		e.logger.Debug("Position %s is already closed or closing, ignoring update", p.PositionID)
		e.count("perpetual", "duplicate")
		return nil
	}

	exit := e.priceOrFallback(ctx, ticker)

	pnl := decimal.Zero
	if change, ok := PriceChange(p.Kind, entry, exit); ok {
		pnl = PnL(collateral, leverage, change)
	} else {
		e.logger.Warn("Position %s has a zero entry price, closing without PnL", p.PositionID)
	}
	returnAmount := ReturnAmount(collateral, pnl)

	next := p.Clone()
	next.Status = StatusClosed
	next.ExitPrice = dec(exit)
	next.PnL = dec(pnl)
	next.ReturnAmount = dec(returnAmount)
	next.Timestamp = e.clock.Now().UnixMilli()

	if _, err := e.client.SubmitAppState(ctx, session.AppSessionID, e.shadow(session, allocations, p.Asset), clearnode.IntentOperate, next); err != nil {
		e.release(key)
		return e.fail(session.AppSessionID, ticker, fmt.Errorf("failed to close position %s: %w", p.PositionID, err))
	}

	e.trading.Success("perpetual", ticker, "Closed position %s at %s with pnl %s", p.PositionID, exit, pnl)
	e.count("perpetual", "closed")
	e.emit(EventPositionClosed, map[string]interface{}{
		"app_session_id": session.AppSessionID,
		"position_id":    p.PositionID,
		"exit_price":     exit.String(),
		"pnl":            pnl.String(),
		"return_amount":  returnAmount.String(),
	})

	if !returnAmount.IsPositive() {
		e.trading.Info("Position %s liquidated, nothing to pay out", p.PositionID)
		return nil
	}

	owner := p.Owner
	if owner == "" {
		owner = e.counterparty(session)
	}
	if owner == "" {
		return e.fail(session.AppSessionID, ticker, fmt.Errorf("position %s has no owner to pay", p.PositionID))
	}

	asset := e.assetOrStable(p.Asset)
	if _, err := e.client.Transfer(ctx, owner, []clearnode.TransferAllocation{{Asset: asset, Amount: returnAmount}}); err != nil {
		return e.fail(session.AppSessionID, ticker, fmt.Errorf("payout of %s %s for position %s failed: %w", returnAmount, asset, p.PositionID, err))
	}

	e.trading.OrderLifecycle(fmt.Sprintf("Paid %s %s to %s for position %s", returnAmount, asset, owner, p.PositionID), asset)
	e.emit(EventPayoutSent, map[string]interface{}{
		"app_session_id": session.AppSessionID,
		"position_id":    p.PositionID,
		"destination":    owner,
		"asset":          asset,
		"amount":         returnAmount.String(),
	})
	return nil
}

func (e *Engine) handleSpot(ctx context.Context, session clearnode.AppSession, allocations []clearnode.Allocation, p *Payload) error {
	if p.Action == "" || p.ExecutionStatus != "" {
		return nil
	}

	target, payment, err := ParseMarket(p.Market)
	if err != nil {
		return e.fail(session.AppSessionID, p.Market, err)
	}
	if p.PayAmount == nil || !p.PayAmount.IsPositive() {
		return e.fail(session.AppSessionID, target, fmt.Errorf("swap in %s has no pay amount", session.AppSessionID))
	}

	targetPrice, err := e.fetchPrice(ctx, target)
	if err != nil {
		return e.fail(session.AppSessionID, target, fmt.Errorf("no price for %s, swap not filled: %w", target, err))
	}

	paymentPrice := decimal.NewFromInt(1)
	if !strings.EqualFold(payment, e.cfg.StableAsset) {
		paymentPrice, err = e.fetchPrice(ctx, payment)
		if err != nil {
			return e.fail(session.AppSessionID, payment, fmt.Errorf("no price for %s, swap not filled: %w", payment, err))
		}
	}

	payValue, quantity, err := SpotQuote(*p.PayAmount, Precision(payment, e.cfg.StableAsset), paymentPrice, targetPrice)
	if err != nil {
		return e.fail(session.AppSessionID, target, err)
	}

	next := p.Clone()
	next.ExecutionStatus = ExecutionFilled
	next.TargetPrice = dec(targetPrice)
	next.PaymentPrice = dec(paymentPrice)
	next.PayValueUSD = dec(payValue)
	next.TargetQuantity = dec(quantity)
	next.ExecutedAt = e.clock.Now().UnixMilli()

	if _, err := e.client.SubmitAppState(ctx, session.AppSessionID, e.shadow(session, allocations, payment), clearnode.IntentOperate, next); err != nil {
		return e.fail(session.AppSessionID, target, fmt.Errorf("failed to fill swap %s: %w", session.AppSessionID, err))
	}

	session.SessionData = mustJSON(next)
	e.remember(session)

	e.trading.Success("spot", target, "Filled swap %s: %s %s buys %s %s", session.AppSessionID,
		FromAtomic(*p.PayAmount, Precision(payment, e.cfg.StableAsset)), payment, quantity, target)
	e.count("spot", "filled")
	e.emit(EventSwapFilled, map[string]interface{}{
		"app_session_id":  session.AppSessionID,
		"market":          p.Market,
		"target_price":    targetPrice.String(),
		"payment_price":   paymentPrice.String(),
		"pay_value_usd":   payValue.String(),
		"target_quantity": quantity.String(),
	})
	return nil
}

// HandleTransfer completes a filled swap when the counterparty's payment
// arrives by sending the filled quantity back
func (e *Engine) HandleTransfer(ctx context.Context, notice *clearnode.TransferNotification) error {
	self := e.client.Address()

	var errs []error
	for _, tx := range notice.Transactions {
		if strings.EqualFold(tx.FromAccount, self) {
			continue
		}
		if tx.ToAccount != "" && !strings.EqualFold(tx.ToAccount, self) {
			continue
		}

		session, payload, ok := e.findFilledSwap(ctx, tx)
		if !ok {
			e.logger.Debug("No filled swap matches transfer %d of %s %s from %s", tx.ID, tx.Amount, tx.Asset, tx.FromAccount)
			continue
		}
		if err := e.settleSwap(ctx, session, payload, tx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) settleSwap(ctx context.Context, session clearnode.AppSession, p *Payload, tx clearnode.TransferTx) error {
	if !e.claim(session.AppSessionID) {
		return nil
	}

	target, _, err := ParseMarket(p.Market)
	if err != nil {
		e.release(session.AppSessionID)
		return e.fail(session.AppSessionID, p.Market, err)
	}
	asset := strings.ToLower(target)
	quantity := *p.TargetQuantity

	if _, err := e.client.Transfer(ctx, tx.FromAccount, []clearnode.TransferAllocation{{Asset: asset, Amount: quantity}}); err != nil {
		e.release(session.AppSessionID)
		return e.fail(session.AppSessionID, target, fmt.Errorf("swap %s payback failed: %w", session.AppSessionID, err))
	}

	next := p.Clone()
	next.ExecutionStatus = ExecutionSettled
	next.SettledAt = e.clock.Now().UnixMilli()

	// payback already sent; the settling guard still covers this session
	if _, err := e.client.SubmitAppState(ctx, session.AppSessionID, e.shadow(session, nil, asset), clearnode.IntentOperate, next); err != nil {
		e.logger.Warn("Swap %s paid back but settled marker failed: %v", session.AppSessionID, err)
	}

	session.SessionData = mustJSON(next)
	e.remember(session)

	e.trading.Success("spot", target, "Settled swap %s: sent %s %s to %s", session.AppSessionID, quantity, asset, tx.FromAccount)
	e.count("spot", "settled")
	e.emit(EventSwapSettled, map[string]interface{}{
		"app_session_id": session.AppSessionID,
		"destination":    tx.FromAccount,
		"asset":          asset,
		"amount":         quantity.String(),
		"payment_asset":  tx.Asset,
		"payment_amount": tx.Amount.String(),
	})
	return nil
}

func (e *Engine) findFilledSwap(ctx context.Context, tx clearnode.TransferTx) (clearnode.AppSession, *Payload, bool) {
	if session, payload, ok := e.matchSwap(e.knownSessions(), tx); ok {
		return session, payload, true
	}

	sessions, err := e.client.GetAppSessions(ctx, e.client.Address(), "open")
	if err != nil {
		e.logger.Warn("Failed to list app sessions for transfer %d: %v", tx.ID, err)
		return clearnode.AppSession{}, nil, false
	}
	for _, session := range sessions {
		e.remember(session)
	}
	return e.matchSwap(sessions, tx)
}

func (e *Engine) matchSwap(sessions []clearnode.AppSession, tx clearnode.TransferTx) (clearnode.AppSession, *Payload, bool) {
	for _, session := range sessions {
		payload, err := ParsePayload(session.SessionData)
		if err != nil || payload == nil || payload.IsPerpetual() {
			continue
		}
		if payload.ExecutionStatus != ExecutionFilled || payload.TargetQuantity == nil {
			continue
		}
		_, payment, err := ParseMarket(payload.Market)
		if err != nil || !strings.EqualFold(payment, tx.Asset) {
			continue
		}
		if !session.HasParticipant(tx.FromAccount) {
			continue
		}
		if e.isSettling(session.AppSessionID) {
			continue
		}
		return session, payload, true
	}
	return clearnode.AppSession{}, nil, false
}

func (e *Engine) priceOrFallback(ctx context.Context, ticker string) decimal.Decimal {
	price, err := e.fetchPrice(ctx, ticker)
	if err != nil {
		e.logger.Warn("Price lookup for %s failed, using fallback %s: %v", ticker, e.cfg.FallbackPrice, err)
		return e.cfg.FallbackPrice
	}
	return price
}

func (e *Engine) fetchPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	price, err := e.prices.FetchPrice(ctx, ticker)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s for %s", price, ticker)
	}
	return price, nil
}

// shadow keeps allocations unchanged; value moves through transfers
func (e *Engine) shadow(session clearnode.AppSession, allocations []clearnode.Allocation, asset string) []clearnode.Allocation {
	if len(allocations) > 0 {
		return allocations
	}
	asset = e.assetOrStable(asset)
	shadow := make([]clearnode.Allocation, 0, len(session.Participants))
	for _, participant := range session.Participants {
		shadow = append(shadow, clearnode.Allocation{Participant: participant, Asset: asset, Amount: decimal.Zero})
	}
	return shadow
}

func (e *Engine) counterparty(session clearnode.AppSession) string {
	self := e.client.Address()
	for _, participant := range session.Participants {
		if !strings.EqualFold(participant, self) {
			return participant
		}
	}
	return ""
}

func (e *Engine) assetOrStable(asset string) string {
	if asset == "" {
		return e.cfg.StableAsset
	}
	return strings.ToLower(asset)
}

func (e *Engine) remember(session clearnode.AppSession) {
	if session.AppSessionID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if session.Status == "closed" {
		delete(e.sessions, session.AppSessionID)
		prefix := session.AppSessionID + "/"
		for key := range e.settling {
			if strings.HasPrefix(key, prefix) {
				delete(e.settling, key)
			}
		}
		return
	}
	e.sessions[session.AppSessionID] = session
}

func (e *Engine) knownSessions() []clearnode.AppSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessions := make([]clearnode.AppSession, 0, len(e.sessions))
	for _, session := range e.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// positionKey guards one action on one position. It stays claimed after the
// new state is submitted and is dropped when the session closes.
func positionKey(appSessionID, positionID, action string) string {
	return appSessionID + "/" + positionID + "/" + action
}

func (e *Engine) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settling[key] {
		return false
	}
	e.settling[key] = true
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.settling, key)
}

func (e *Engine) isSettling(appSessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settling[appSessionID]
}

func (e *Engine) fail(appSessionID, asset string, err error) error {
	e.trading.Failed("settlement", asset, "%v", err)
	e.count("settlement", "failed")
	e.emit(EventSettlementFailed, map[string]interface{}{
		"app_session_id": appSessionID,
		"error":          err.Error(),
	})
	return err
}

func (e *Engine) count(branch, outcome string) {
	if e.metrics != nil {
		e.metrics.IncrementSettlement(branch, outcome)
	}
}

func (e *Engine) emit(eventType string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	data["timestamp"] = e.clock.Now().UTC().Format(time.RFC3339Nano)
	e.events.Emit(eventType, data)
}
