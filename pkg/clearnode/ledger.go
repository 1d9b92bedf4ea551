package clearnode

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type ledgerEntriesParams struct {
	AccountID string `json:"account_id,omitempty"`
	Asset     string `json:"asset,omitempty"`
}

// GetLedgerEntries returns the wallet's ledger entries, optionally for one asset
func (c *Client) GetLedgerEntries(ctx context.Context, asset string) ([]LedgerEntry, error) {
	raw, err := c.call(ctx, MethodGetLedgerEntries, ledgerEntriesParams{
		AccountID: c.Address(),
		Asset:     asset,
	})
	if err != nil {
		return nil, err
	}

	entries, err := decodeList[LedgerEntry](raw)
	if err != nil {
		return nil, fmt.Errorf("get_ledger_entries: %w", err)
	}
	return entries, nil
}

// AggregateBalances nets credit minus debit per asset
func AggregateBalances(entries []LedgerEntry) map[string]decimal.Decimal {
	balances := make(map[string]decimal.Decimal)
	for _, entry := range entries {
		asset := strings.ToLower(entry.Asset)
		balances[asset] = balances[asset].Add(entry.Credit).Sub(entry.Debit)
	}
	return balances
}

// RefreshBalances reloads the ledger and replaces the cached balances
func (c *Client) RefreshBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	entries, err := c.GetLedgerEntries(ctx, "")
	if err != nil {
		return nil, err
	}

	balances := AggregateBalances(entries)

	c.ledgerMu.Lock()
	c.entries = entries
	c.balances = balances
	c.ledgerMu.Unlock()

	return c.Balances(), nil
}

// Balances returns a copy of the last known per-asset balances
func (c *Client) Balances() map[string]decimal.Decimal {
	c.ledgerMu.RLock()
	defer c.ledgerMu.RUnlock()

	out := make(map[string]decimal.Decimal, len(c.balances))
	for asset, amount := range c.balances {
		out[asset] = amount
	}
	return out
}

func (c *Client) applyBalanceUpdate(_ context.Context, update *BalanceUpdate) error {
	c.ledgerMu.Lock()
	defer c.ledgerMu.Unlock()

	for _, balance := range update.Balances {
		c.balances[strings.ToLower(balance.Asset)] = balance.Amount
	}
	return nil
}

func (c *Client) refreshLater(reason string) {
	if c.cfg.RefreshLedger {
		go c.refreshAfter(reason)
	}
}

func (c *Client) refreshAfter(reason string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	if _, err := c.RefreshBalances(ctx); err != nil {
		c.logger.Warn("Ledger refresh after %s failed: %v", reason, err)
		return
	}
	c.logger.Debug("Ledger refreshed after %s", reason)
}
