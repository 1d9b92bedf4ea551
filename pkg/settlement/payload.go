package settlement

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"
	ActionSwap  = "swap"

	StatusPending = "pending"
	StatusFilled  = "filled"
	StatusClosing = "closing"
	StatusClosed  = "closed"

	ExecutionFilled  = "filled"
	ExecutionSettled = "settled"
)

// Payload is the opaque session_data of a trade session. Perpetual
// positions carry positionId and leverage; everything else is a spot swap.
// Optional numbers are pointers so that an explicit zero survives a
// round trip.
type Payload struct {
	// perpetual
	PositionID       string           `json:"positionId,omitempty"`
	Kind             PositionKind     `json:"kind,omitempty"`
	Leverage         *decimal.Decimal `json:"leverage,omitempty"`
	Collateral       *decimal.Decimal `json:"collateral,omitempty"`
	Asset            string           `json:"asset,omitempty"`
	Owner            string           `json:"owner,omitempty"`
	Status           string           `json:"status,omitempty"`
	EntryPrice       *decimal.Decimal `json:"entryPrice,omitempty"`
	PositionSize     *decimal.Decimal `json:"positionSize,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidationPrice,omitempty"`
	ExitPrice        *decimal.Decimal `json:"exitPrice,omitempty"`
	PnL              *decimal.Decimal `json:"pnl,omitempty"`
	ReturnAmount     *decimal.Decimal `json:"returnAmount,omitempty"`

	// shared
	Action    string `json:"action,omitempty"`
	Market    string `json:"market,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// spot
	PayAmount       *decimal.Decimal `json:"payAmount,omitempty"`
	Trader          string           `json:"trader,omitempty"`
	ExecutionStatus string           `json:"executionStatus,omitempty"`
	TargetPrice     *decimal.Decimal `json:"targetPrice,omitempty"`
	PaymentPrice    *decimal.Decimal `json:"paymentPrice,omitempty"`
	PayValueUSD     *decimal.Decimal `json:"payValueUSD,omitempty"`
	TargetQuantity  *decimal.Decimal `json:"targetQuantity,omitempty"`
	ExecutedAt      int64            `json:"executedAt,omitempty"`
	SettledAt       int64            `json:"settledAt,omitempty"`
}

// ParsePayload returns nil for an empty session_data
func ParsePayload(sessionData string) (*Payload, error) {
	if strings.TrimSpace(sessionData) == "" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(sessionData), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Payload) IsPerpetual() bool {
	return p.PositionID != "" && p.Leverage != nil
}

func (p *Payload) Clone() *Payload {
	clone := *p
	return &clone
}

func dec(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func valueOr(d *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if d == nil {
		return fallback
	}
	return *d
}

func mustJSON(p *Payload) string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}
