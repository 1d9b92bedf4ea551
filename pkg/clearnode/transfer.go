package clearnode

import (
	"context"
	"fmt"
)

type transferParams struct {
	Destination string               `json:"destination"`
	Allocations []TransferAllocation `json:"allocations"`
}

// Transfer moves ledger funds to destination. Responses are matched to the
// oldest pending transfer, so overlapping transfers from one process may be
// paired with the wrong response.
func (c *Client) Transfer(ctx context.Context, destination string, allocations []TransferAllocation) ([]TransferTx, error) {
	if destination == "" {
		return nil, fmt.Errorf("transfer: destination is required")
	}
	if len(allocations) == 0 {
		return nil, fmt.Errorf("transfer: at least one allocation is required")
	}
	for _, allocation := range allocations {
		if !allocation.Amount.IsPositive() {
			return nil, fmt.Errorf("transfer: amount for %s must be positive", allocation.Asset)
		}
	}

	raw, err := c.call(ctx, MethodTransfer, transferParams{
		Destination: destination,
		Allocations: allocations,
	})
	if err != nil {
		return nil, err
	}

	txs, err := decodeTransferResult(raw)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	c.logger.Info("Transferred %d allocations to %s", len(allocations), destination)
	c.refreshLater("transfer")
	return txs, nil
}

func decodeTransferResult(raw []byte) ([]TransferTx, error) {
	var wrapped TransferNotification
	if err := decodeParams(raw, &wrapped); err == nil && len(wrapped.Transactions) > 0 {
		return wrapped.Transactions, nil
	}
	return decodeList[TransferTx](raw)
}
