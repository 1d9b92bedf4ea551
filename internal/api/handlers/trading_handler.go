package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
)

// Trading is the trader side of the settlement engine
type Trading interface {
	Positions() []settlement.Position
	OpenPosition(ctx context.Context, req settlement.OpenRequest) (*settlement.Position, error)
	ClosePosition(ctx context.Context, positionID string) (*settlement.Position, error)
	RequestSwap(ctx context.Context, req settlement.SwapRequest) (string, error)
}

type TradingHandler struct {
	trading Trading
	logger  logging.ApplicationLogger
}

func NewTradingHandler(trading Trading, logger logging.ApplicationLogger) *TradingHandler {
	return &TradingHandler{
		trading: trading,
		logger:  logger,
	}
}

type OpenPositionRequest struct {
	Market     string `json:"market" binding:"required"`
	Kind       string `json:"kind" binding:"required"`
	Leverage   string `json:"leverage" binding:"required,positive_decimal"`
	Collateral string `json:"collateral" binding:"required,positive_decimal"`
	Asset      string `json:"asset"`
}

type SwapRequest struct {
	Market    string `json:"market" binding:"required"`
	PayAmount string `json:"pay_amount" binding:"required,positive_decimal"`
}

// ListPositions
// GET /api/v1/positions
func (h *TradingHandler) ListPositions(c *gin.Context) {
	ok(c, gin.H{"positions": h.trading.Positions()})
}

// OpenPosition opens a perpetual against the broker
// POST /api/v1/positions
func (h *TradingHandler) OpenPosition(c *gin.Context) {
	var req OpenPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	kind := settlement.PositionKind(strings.ToLower(req.Kind))
	if !kind.Valid() {
		badRequest(c, errors.New("kind must be long or short"))
		return
	}

	position, err := h.trading.OpenPosition(c.Request.Context(), settlement.OpenRequest{
		Market:     req.Market,
		Kind:       kind,
		Leverage:   decimalOf(req.Leverage),
		Collateral: decimalOf(req.Collateral),
		Asset:      req.Asset,
	})
	if err != nil {
		h.logger.Error("Failed to open %s %s: %v", kind, req.Market, err)
		failed(c, err)
		return
	}

	ok(c, gin.H{"position": position})
}

// ClosePosition
// POST /api/v1/positions/:positionId/close
func (h *TradingHandler) ClosePosition(c *gin.Context) {
	positionID := c.Param("positionId")

	position, err := h.trading.ClosePosition(c.Request.Context(), positionID)
	if err != nil {
		h.logger.Error("Failed to close position %s: %v", positionID, err)
		failed(c, err)
		return
	}

	ok(c, gin.H{"position": position})
}

// RequestSwap
// POST /api/v1/swaps
func (h *TradingHandler) RequestSwap(c *gin.Context) {
	var req SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sessionID, err := h.trading.RequestSwap(c.Request.Context(), settlement.SwapRequest{
		Market:    req.Market,
		PayAmount: decimalOf(req.PayAmount),
	})
	if err != nil {
		h.logger.Error("Failed to request swap %s: %v", req.Market, err)
		failed(c, err)
		return
	}

	ok(c, gin.H{"app_session_id": sessionID})
}
