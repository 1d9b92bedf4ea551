package clearnode

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var channelIDPattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

type createChannelParams struct {
	ChainID    uint64 `json:"chain_id"`
	Token      string `json:"token"`
	SessionKey string `json:"session_key"`
}

type closeChannelParams struct {
	ChannelID        string `json:"channel_id"`
	FundsDestination string `json:"funds_destination"`
}

type resizeChannelParams struct {
	ChannelID        string           `json:"channel_id"`
	ResizeAmount     *decimal.Decimal `json:"resize_amount,omitempty"`
	AllocateAmount   *decimal.Decimal `json:"allocate_amount,omitempty"`
	FundsDestination string           `json:"funds_destination"`
}

// ResizeRequest moves funds between custody and the channel (ResizeAmount)
// and between the channel and the unified ledger (AllocateAmount)
type ResizeRequest struct {
	ChannelID        string
	ResizeAmount     *decimal.Decimal
	AllocateAmount   *decimal.Decimal
	FundsDestination string
	NetworkID        uint64
}

// CreateChannel opens a channel for token on networkID. A channel that
// already exists remotely is returned as Recovered rather than as an error.
func (c *Client) CreateChannel(ctx context.Context, networkID uint64, token string) (*ChannelHandle, error) {
	params := createChannelParams{
		ChainID:    networkID,
		Token:      token,
		SessionKey: c.SessionKeyAddress(),
	}

	raw, err := c.call(ctx, MethodCreateChannel, params)
	if err != nil {
		if IsAlreadyExists(err) {
			if channelID := channelIDPattern.FindString(err.Error()); channelID != "" {
				c.logger.Info("Channel already exists on network %d, reusing %s", networkID, channelID)
				return &ChannelHandle{
					ChannelID:    channelID,
					TokenAddress: token,
					NetworkID:    networkID,
					CreatedAt:    time.Now(),
					Recovered:    true,
				}, nil
			}
		}
		return nil, err
	}

	var descriptor SettlementDescriptor
	if err := decodeParams(raw, &descriptor); err != nil {
		return nil, fmt.Errorf("create_channel: %w", err)
	}
	if descriptor.ChannelID == "" {
		return nil, fmt.Errorf("create_channel: response without channel_id")
	}

	balance := decimal.Zero
	for _, allocation := range descriptor.State.Allocations {
		if sameAddress(allocation.Destination.Hex(), c.Address()) {
			balance = balance.Add(allocation.Amount)
		}
	}

	c.logger.Info("Created channel %s on network %d", descriptor.ChannelID, networkID)
	return &ChannelHandle{
		ChannelID:    descriptor.ChannelID,
		TokenAddress: token,
		NetworkID:    networkID,
		Balance:      balance,
		CreatedAt:    time.Now(),
		Settlement:   &descriptor,
	}, nil
}

// CloseChannel asks the server to co-sign a final state. The returned
// descriptor is finalized on-chain by the caller.
func (c *Client) CloseChannel(ctx context.Context, channelID, fundsDestination string) (*SettlementDescriptor, error) {
	if fundsDestination == "" {
		fundsDestination = c.Address()
	}

	raw, err := c.call(ctx, MethodCloseChannel, closeChannelParams{
		ChannelID:        channelID,
		FundsDestination: fundsDestination,
	})
	if err != nil {
		return nil, err
	}

	var descriptor SettlementDescriptor
	if err := decodeParams(raw, &descriptor); err != nil {
		return nil, fmt.Errorf("close_channel: %w", err)
	}
	if descriptor.ChannelID == "" {
		descriptor.ChannelID = channelID
	}

	c.refreshLater("close_channel")
	return &descriptor, nil
}

// ResizeChannel retries once after ResizeRetryDelay when the server does not
// see the channel yet
func (c *Client) ResizeChannel(ctx context.Context, req ResizeRequest) (*SettlementDescriptor, error) {
	if req.ResizeAmount == nil && req.AllocateAmount == nil {
		return nil, fmt.Errorf("resize_channel: resize or allocate amount is required")
	}
	if req.FundsDestination == "" {
		req.FundsDestination = c.Address()
	}

	params := resizeChannelParams{
		ChannelID:        req.ChannelID,
		ResizeAmount:     req.ResizeAmount,
		AllocateAmount:   req.AllocateAmount,
		FundsDestination: req.FundsDestination,
	}

	raw, err := c.call(ctx, MethodResizeChannel, params)
	if err != nil && IsChannelNotFound(err) {
		c.logger.Warn("Channel %s not visible yet, retrying resize in %v", req.ChannelID, c.cfg.ResizeRetryDelay)

		timer := time.NewTimer(c.cfg.ResizeRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		raw, err = c.call(ctx, MethodResizeChannel, params)
	}
	if err != nil {
		return nil, err
	}

	var descriptor SettlementDescriptor
	if err := decodeParams(raw, &descriptor); err != nil {
		return nil, fmt.Errorf("resize_channel: %w", err)
	}
	if descriptor.ChannelID == "" {
		descriptor.ChannelID = req.ChannelID
	}

	c.refreshLater("resize_channel")
	return &descriptor, nil
}
