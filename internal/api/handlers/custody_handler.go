package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

// Vault moves funds between the wallet and the custody contract
type Vault interface {
	Deposit(ctx context.Context, networkID uint64, token string, amount decimal.Decimal) (string, error)
	Withdraw(ctx context.Context, networkID uint64, token string, amount decimal.Decimal) (string, error)
}

type CustodyHandler struct {
	vault  Vault
	logger logging.ApplicationLogger
}

func NewCustodyHandler(vault Vault, logger logging.ApplicationLogger) *CustodyHandler {
	return &CustodyHandler{
		vault:  vault,
		logger: logger,
	}
}

type CustodyRequest struct {
	NetworkID uint64 `json:"network_id" binding:"required"`
	Token     string `json:"token" binding:"required,startswith=0x,hexadecimal"`
	Amount    string `json:"amount" binding:"required,positive_decimal"`
}

// Deposit
// POST /api/v1/custody/deposit
func (h *CustodyHandler) Deposit(c *gin.Context) {
	h.move(c, "deposit", h.vault.Deposit)
}

// Withdraw
// POST /api/v1/custody/withdraw
func (h *CustodyHandler) Withdraw(c *gin.Context) {
	h.move(c, "withdraw", h.vault.Withdraw)
}

func (h *CustodyHandler) move(c *gin.Context, action string, fn func(context.Context, uint64, string, decimal.Decimal) (string, error)) {
	var req CustodyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount := decimalOf(req.Amount)

	txHash, err := fn(c.Request.Context(), req.NetworkID, req.Token, amount)
	if err != nil {
		h.logger.Error("Custody %s of %s %s on network %d failed: %v", action, amount, req.Token, req.NetworkID, err)
		failed(c, err)
		return
	}

	h.logger.Info("Custody %s of %s %s on network %d sent in tx %s", action, amount, req.Token, req.NetworkID, txHash)
	ok(c, gin.H{"tx_hash": txHash})
}
