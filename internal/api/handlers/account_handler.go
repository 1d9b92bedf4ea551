package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

// Account reads ledger state for the authenticated wallet
type Account interface {
	Address() string
	RefreshBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	GetLedgerEntries(ctx context.Context, asset string) ([]clearnode.LedgerEntry, error)
	GetAppSessions(ctx context.Context, participant, status string) ([]clearnode.AppSession, error)
	Stats() map[string]interface{}
	Healthy() bool
	Ping(ctx context.Context) error
}

const healthPingTimeout = 5 * time.Second

type AccountHandler struct {
	account Account
	logger  logging.ApplicationLogger
}

func NewAccountHandler(account Account, logger logging.ApplicationLogger) *AccountHandler {
	return &AccountHandler{
		account: account,
		logger:  logger,
	}
}

// GetHealth reports the clearnode session as healthy only when the
// connection is live and a ping round-trips
// GET /health
func (h *AccountHandler) GetHealth(c *gin.Context) {
	if !h.account.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "degraded",
			"service":   "channel-settlement",
			"clearnode": "disconnected",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()
	if err := h.account.Ping(ctx); err != nil {
		h.logger.Warn("Health ping failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "degraded",
			"service":   "channel-settlement",
			"clearnode": "unresponsive",
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "channel-settlement",
		"clearnode": "connected",
	})
}

// GetBalances aggregates the ledger per asset
// GET /api/v1/balances
func (h *AccountHandler) GetBalances(c *gin.Context) {
	balances, err := h.account.RefreshBalances(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get balances: %v", err)
		failed(c, err)
		return
	}

	out := make(map[string]string, len(balances))
	for asset, amount := range balances {
		out[asset] = amount.String()
	}
	ok(c, gin.H{"balances": out})
}

// GetLedgerEntries
// GET /api/v1/ledger?asset=usdc
func (h *AccountHandler) GetLedgerEntries(c *gin.Context) {
	entries, err := h.account.GetLedgerEntries(c.Request.Context(), c.Query("asset"))
	if err != nil {
		h.logger.Error("Failed to get ledger entries: %v", err)
		failed(c, err)
		return
	}
	ok(c, gin.H{"entries": entries})
}

// GetSessions lists app sessions the wallet participates in
// GET /api/v1/sessions?status=open
func (h *AccountHandler) GetSessions(c *gin.Context) {
	sessions, err := h.account.GetAppSessions(c.Request.Context(), h.account.Address(), c.Query("status"))
	if err != nil {
		h.logger.Error("Failed to get app sessions: %v", err)
		failed(c, err)
		return
	}
	ok(c, gin.H{"sessions": sessions})
}

// GetStatus reports connection, authentication and correlator state
// GET /api/v1/status
func (h *AccountHandler) GetStatus(c *gin.Context) {
	ok(c, gin.H{"status": h.account.Stats()})
}
