package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
)

// Position is the client-side record of a leveraged position
type Position struct {
	PositionID       string           `json:"position_id"`
	AppSessionID     string           `json:"app_session_id"`
	Kind             PositionKind     `json:"kind"`
	Market           string           `json:"market"`
	Asset            string           `json:"asset"`
	Leverage         decimal.Decimal  `json:"leverage"`
	Collateral       decimal.Decimal  `json:"collateral"`
	CollateralAtomic decimal.Decimal  `json:"collateral_atomic"`
	EntryPrice       *decimal.Decimal `json:"entry_price,omitempty"`
	Size             *decimal.Decimal `json:"size,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	Status           string           `json:"status"`
	PnL              *decimal.Decimal `json:"pnl,omitempty"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	ReturnAmount     *decimal.Decimal `json:"return_amount,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
}

var statusRank = map[string]int{
	StatusPending: 0,
	StatusFilled:  1,
	StatusClosing: 2,
	StatusClosed:  3,
}

// PositionBook tracks positions through pending, filled, closing and
// closed. Closed positions are evicted after the retention period.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*Position
	retention time.Duration
	clock     temporal.TimeProvider
	logger    logging.ApplicationLogger
}

func NewPositionBook(retention time.Duration, clock temporal.TimeProvider, logger logging.ApplicationLogger) *PositionBook {
	return &PositionBook{
		positions: make(map[string]*Position),
		retention: retention,
		clock:     clock,
		logger:    logger,
	}
}

func (pb *PositionBook) Add(position Position) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := pb.clock.Now()
	if position.OpenedAt.IsZero() {
		position.OpenedAt = now
	}
	if position.Status == "" {
		position.Status = StatusPending
	}
	position.UpdatedAt = now
	pb.positions[position.PositionID] = &position
}

func (pb *PositionBook) Get(positionID string) (Position, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	position, ok := pb.positions[positionID]
	if !ok {
		return Position{}, false
	}
	return *position, true
}

// List returns positions ordered by opening time
func (pb *PositionBook) List() []Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	positions := make([]Position, 0, len(pb.positions))
	for _, position := range pb.positions {
		positions = append(positions, *position)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
	return positions
}

// SetAppSession records the session a position trades in
func (pb *PositionBook) SetAppSession(positionID, appSessionID string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if position, ok := pb.positions[positionID]; ok {
		position.AppSessionID = appSessionID
	}
}

func (pb *PositionBook) Remove(positionID string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	delete(pb.positions, positionID)
}

// MarkClosing moves a filled position to closing
func (pb *PositionBook) MarkClosing(positionID string) (Position, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	position, ok := pb.positions[positionID]
	if !ok {
		return Position{}, fmt.Errorf("position %s not found", positionID)
	}
	switch position.Status {
	case StatusClosing, StatusClosed:
		return *position, nil
	case StatusFilled:
	default:
		return Position{}, fmt.Errorf("position %s is %s, only filled positions can be closed", positionID, position.Status)
	}
	position.Status = StatusClosing
	position.UpdatedAt = pb.clock.Now()
	return *position, nil
}

// Apply folds a session payload into the matching position. Updates that
// would move a position backwards are ignored.
func (pb *PositionBook) Apply(appSessionID string, payload *Payload) (Position, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	position, ok := pb.positions[payload.PositionID]
	if !ok {
		return Position{}, false
	}
	if statusRank[payload.Status] <= statusRank[position.Status] {
		return *position, false
	}

	now := pb.clock.Now()
	position.AppSessionID = appSessionID
	position.Status = payload.Status
	position.UpdatedAt = now

	switch payload.Status {
	case StatusFilled:
		position.EntryPrice = payload.EntryPrice
		position.Size = payload.PositionSize
		position.LiquidationPrice = payload.LiquidationPrice
	case StatusClosed:
		position.ExitPrice = payload.ExitPrice
		position.PnL = payload.PnL
		position.ReturnAmount = payload.ReturnAmount
		position.ClosedAt = &now
	}
	return *position, true
}

// Sweep evicts closed positions older than the retention period
func (pb *PositionBook) Sweep() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := pb.clock.Now()
	evicted := 0
	for id, position := range pb.positions {
		if position.ClosedAt != nil && now.Sub(*position.ClosedAt) >= pb.retention {
			delete(pb.positions, id)
			evicted++
		}
	}
	if evicted > 0 {
		pb.logger.Debug("Evicted %d closed positions", evicted)
	}
	return evicted
}

// Run sweeps every interval until ctx ends
func (pb *PositionBook) Run(ctx context.Context, interval time.Duration) {
	ticker := pb.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			pb.Sweep()
		}
	}
}
