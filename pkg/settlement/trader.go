package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
)

// TraderClient is the protocol surface the trader side needs
type TraderClient interface {
	Address() string
	CreateAppSession(ctx context.Context, participants []string, allocations []clearnode.Allocation, name string, opts ...clearnode.SessionOption) (string, error)
	SubmitAppState(ctx context.Context, appSessionID string, allocations []clearnode.Allocation, intent clearnode.Intent, payload interface{}) (uint64, error)
	Transfer(ctx context.Context, destination string, allocations []clearnode.TransferAllocation) ([]clearnode.TransferTx, error)
}

type OpenRequest struct {
	Market     string
	Kind       PositionKind
	Leverage   decimal.Decimal
	Collateral decimal.Decimal
	Asset      string
}

type SwapRequest struct {
	Market    string
	PayAmount decimal.Decimal
}

type pendingSwap struct {
	payment string
	amount  decimal.Decimal
}

// Trader opens and closes positions and requests swaps against a broker.
// The broker's engine prices them; the trader follows along through the
// same notifications.
type Trader struct {
	client  TraderClient
	book    *PositionBook
	broker  string
	stable  string
	clock   temporal.TimeProvider
	logger  logging.ApplicationLogger
	trading logging.TradingLogger

	mu          sync.Mutex
	swaps       map[string]pendingSwap
	earlyFilled map[string]bool
}

func NewTrader(client TraderClient, book *PositionBook, broker, stableAsset string, clock temporal.TimeProvider, logger logging.ApplicationLogger, trading logging.TradingLogger) *Trader {
	if stableAsset == "" {
		stableAsset = DefaultConfig().StableAsset
	}
	return &Trader{
		client:      client,
		book:        book,
		broker:      broker,
		stable:      strings.ToLower(stableAsset),
		clock:       clock,
		logger:      logger,
		trading:     trading,
		swaps:       make(map[string]pendingSwap),
		earlyFilled: make(map[string]bool),
	}
}

// Attach follows app state updates for positions and swaps this trader opened
func (t *Trader) Attach(source Notifications) {
	source.OnAppStateUpdate(t.HandleAppStateUpdate)
}

func (t *Trader) Positions() []Position {
	return t.book.List()
}

// OpenPosition creates the position's app session and sends the collateral
// to the broker. The position stays pending until the engine fills it.
func (t *Trader) OpenPosition(ctx context.Context, req OpenRequest) (*Position, error) {
	if t.broker == "" {
		return nil, fmt.Errorf("no broker address configured")
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("kind must be long or short, got %q", req.Kind)
	}
	if req.Leverage.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("leverage must be at least 1, got %s", req.Leverage)
	}
	if !req.Collateral.IsPositive() {
		return nil, fmt.Errorf("collateral must be positive, got %s", req.Collateral)
	}

	asset := strings.ToLower(req.Asset)
	if asset == "" {
		asset = t.stable
	}

	self := t.client.Address()
	position := Position{
		PositionID:       uuid.NewString(),
		Kind:             req.Kind,
		Market:           req.Market,
		Asset:            asset,
		Leverage:         req.Leverage,
		Collateral:       req.Collateral,
		CollateralAtomic: ToAtomic(req.Collateral, Precision(asset, t.stable)),
		Status:           StatusPending,
	}

	payload := &Payload{
		PositionID: position.PositionID,
		Action:     ActionOpen,
		Kind:       req.Kind,
		Market:     req.Market,
		Leverage:   dec(req.Leverage),
		Collateral: dec(req.Collateral),
		Asset:      asset,
		Owner:      self,
		Status:     StatusPending,
		Timestamp:  t.clock.Now().UnixMilli(),
	}

	// booked before the session exists so an early fill is not lost
	t.book.Add(position)

	participants := []string{self, t.broker}
	sessionID, err := t.client.CreateAppSession(ctx, participants, zeroAllocations(participants, asset), "perpetual", clearnode.WithSessionData(payload))
	if err != nil {
		t.book.Remove(position.PositionID)
		return nil, fmt.Errorf("failed to open position session: %w", err)
	}
	t.book.SetAppSession(position.PositionID, sessionID)

	if _, err := t.client.Transfer(ctx, t.broker, []clearnode.TransferAllocation{{Asset: asset, Amount: req.Collateral}}); err != nil {
		return nil, fmt.Errorf("failed to post collateral for %s: %w", position.PositionID, err)
	}

	t.trading.OrderLifecycle(fmt.Sprintf("Opened %s %s x%s with %s collateral", req.Kind, req.Market, req.Leverage, req.Collateral), asset)
	stored, _ := t.book.Get(position.PositionID)
	return &stored, nil
}

// ClosePosition asks the engine to close a filled position at market
func (t *Trader) ClosePosition(ctx context.Context, positionID string) (*Position, error) {
	position, ok := t.book.Get(positionID)
	if !ok {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	if position.Status != StatusFilled {
		return nil, fmt.Errorf("position %s is %s, only filled positions can be closed", positionID, position.Status)
	}

	payload := &Payload{
		PositionID:       position.PositionID,
		Action:           ActionClose,
		Kind:             position.Kind,
		Market:           position.Market,
		Leverage:         dec(position.Leverage),
		Collateral:       dec(position.Collateral),
		Asset:            position.Asset,
		Owner:            t.client.Address(),
		Status:           StatusClosing,
		EntryPrice:       position.EntryPrice,
		PositionSize:     position.Size,
		LiquidationPrice: position.LiquidationPrice,
		Timestamp:        t.clock.Now().UnixMilli(),
	}

	participants := []string{t.client.Address(), t.broker}
	if _, err := t.client.SubmitAppState(ctx, position.AppSessionID, zeroAllocations(participants, position.Asset), clearnode.IntentOperate, payload); err != nil {
		return nil, fmt.Errorf("failed to request close of %s: %w", positionID, err)
	}

	closing, err := t.book.MarkClosing(positionID)
	if err != nil {
		return nil, err
	}
	t.trading.OrderLifecycle(fmt.Sprintf("Requested close of %s", positionID), position.Asset)
	return &closing, nil
}

// RequestSwap opens a swap session. The payment is sent once the engine
// has filled the quote.
func (t *Trader) RequestSwap(ctx context.Context, req SwapRequest) (string, error) {
	if t.broker == "" {
		return "", fmt.Errorf("no broker address configured")
	}
	_, payment, err := ParseMarket(req.Market)
	if err != nil {
		return "", err
	}
	if !req.PayAmount.IsPositive() {
		return "", fmt.Errorf("pay amount must be positive, got %s", req.PayAmount)
	}

	paymentAsset := strings.ToLower(payment)
	self := t.client.Address()
	payload := &Payload{
		Action:    ActionSwap,
		Market:    req.Market,
		PayAmount: dec(ToAtomic(req.PayAmount, Precision(paymentAsset, t.stable))),
		Trader:    self,
		Timestamp: t.clock.Now().UnixMilli(),
	}

	participants := []string{self, t.broker}
	sessionID, err := t.client.CreateAppSession(ctx, participants, zeroAllocations(participants, paymentAsset), "spot", clearnode.WithSessionData(payload))
	if err != nil {
		return "", fmt.Errorf("failed to open swap session: %w", err)
	}

	swap := pendingSwap{payment: paymentAsset, amount: req.PayAmount}
	t.mu.Lock()
	filled := t.earlyFilled[sessionID]
	delete(t.earlyFilled, sessionID)
	if !filled {
		t.swaps[sessionID] = swap
	}
	t.mu.Unlock()

	t.trading.OrderLifecycle(fmt.Sprintf("Requested swap %s paying %s", req.Market, req.PayAmount), paymentAsset)

	if filled {
		if err := t.pay(ctx, sessionID, swap); err != nil {
			return sessionID, err
		}
	}
	return sessionID, nil
}

// HandleAppStateUpdate advances the position book and pays for filled swaps
func (t *Trader) HandleAppStateUpdate(ctx context.Context, update *clearnode.AppStateUpdate) error {
	payload, err := ParsePayload(update.AppSession.SessionData)
	if err != nil || payload == nil {
		return nil
	}

	if payload.IsPerpetual() {
		if position, changed := t.book.Apply(update.AppSession.AppSessionID, payload); changed {
			t.trading.Info("Position %s is now %s", position.PositionID, position.Status)
		}
		return nil
	}

	if payload.ExecutionStatus != ExecutionFilled {
		return nil
	}

	sessionID := update.AppSession.AppSessionID
	t.mu.Lock()
	swap, ok := t.swaps[sessionID]
	delete(t.swaps, sessionID)
	if !ok && strings.EqualFold(payload.Trader, t.client.Address()) {
		// filled before RequestSwap learned the session id
		t.earlyFilled[sessionID] = true
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.pay(ctx, sessionID, swap)
}

func (t *Trader) pay(ctx context.Context, sessionID string, swap pendingSwap) error {
	if _, err := t.client.Transfer(ctx, t.broker, []clearnode.TransferAllocation{{Asset: swap.payment, Amount: swap.amount}}); err != nil {
		t.trading.Failed("spot", swap.payment, "Payment for swap %s failed: %v", sessionID, err)
		return err
	}
	t.trading.Success("spot", swap.payment, "Paid %s %s for swap %s", swap.amount, swap.payment, sessionID)
	return nil
}

func zeroAllocations(participants []string, asset string) []clearnode.Allocation {
	allocations := make([]clearnode.Allocation, 0, len(participants))
	for _, participant := range participants {
		allocations = append(allocations, clearnode.Allocation{Participant: participant, Asset: asset, Amount: decimal.Zero})
	}
	return allocations
}
