package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

// ChannelService is the channel cache surface exposed over HTTP
type ChannelService interface {
	GetOrCreate(ctx context.Context, networkID uint64, token string) (*clearnode.ChannelHandle, error)
	Close(ctx context.Context, channelID string, networkID uint64, fundsDestination string) (string, error)
	Resize(ctx context.Context, req clearnode.ResizeRequest) (string, error)
	Handles() []clearnode.ChannelHandle
}

type ChannelsHandler struct {
	channels ChannelService
	wallet   string
	logger   logging.ApplicationLogger
}

// NewChannelsHandler sends released funds to wallet unless a request names
// another destination
func NewChannelsHandler(channels ChannelService, wallet string, logger logging.ApplicationLogger) *ChannelsHandler {
	return &ChannelsHandler{
		channels: channels,
		wallet:   wallet,
		logger:   logger,
	}
}

type CreateChannelRequest struct {
	NetworkID uint64 `json:"network_id" binding:"required"`
	Token     string `json:"token" binding:"omitempty,startswith=0x,hexadecimal"`
}

type CloseChannelRequest struct {
	NetworkID        uint64 `json:"network_id"`
	FundsDestination string `json:"funds_destination" binding:"omitempty,startswith=0x,hexadecimal"`
}

type ResizeChannelRequest struct {
	NetworkID        uint64 `json:"network_id"`
	ResizeAmount     string `json:"resize_amount" binding:"omitempty,positive_decimal"`
	AllocateAmount   string `json:"allocate_amount" binding:"omitempty,positive_decimal"`
	FundsDestination string `json:"funds_destination" binding:"omitempty,startswith=0x,hexadecimal"`
}

type channelView struct {
	ChannelID    string `json:"channel_id"`
	NetworkID    uint64 `json:"network_id"`
	TokenAddress string `json:"token"`
	Balance      string `json:"balance"`
	Recovered    bool   `json:"recovered"`
}

func toChannelView(handle clearnode.ChannelHandle) channelView {
	return channelView{
		ChannelID:    handle.ChannelID,
		NetworkID:    handle.NetworkID,
		TokenAddress: handle.TokenAddress,
		Balance:      handle.Balance.String(),
		Recovered:    handle.Recovered,
	}
}

// ListChannels returns every cached channel
// GET /api/v1/channels
func (h *ChannelsHandler) ListChannels(c *gin.Context) {
	handles := h.channels.Handles()
	views := make([]channelView, 0, len(handles))
	for _, handle := range handles {
		views = append(views, toChannelView(handle))
	}
	ok(c, gin.H{"channels": views})
}

// CreateChannel returns the cached channel for a network or opens one
// POST /api/v1/channels
func (h *ChannelsHandler) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	handle, err := h.channels.GetOrCreate(c.Request.Context(), req.NetworkID, req.Token)
	if err != nil {
		h.logger.Error("Failed to create channel on network %d: %v", req.NetworkID, err)
		failed(c, err)
		return
	}

	ok(c, gin.H{"channel": toChannelView(*handle)})
}

// CloseChannel co-signs and finalizes a close
// POST /api/v1/channels/:channelId/close
func (h *ChannelsHandler) CloseChannel(c *gin.Context) {
	channelID := c.Param("channelId")
	if err := hexParam("channel id", channelID); err != nil {
		badRequest(c, err)
		return
	}

	var req CloseChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	txHash, err := h.channels.Close(c.Request.Context(), channelID, req.NetworkID, h.destination(req.FundsDestination))
	if err != nil {
		h.logger.Error("Failed to close channel %s: %v", channelID, err)
		failed(c, err)
		return
	}

	ok(c, gin.H{"tx_hash": txHash})
}

// ResizeChannel co-signs and finalizes a resize
// POST /api/v1/channels/:channelId/resize
func (h *ChannelsHandler) ResizeChannel(c *gin.Context) {
	channelID := c.Param("channelId")
	if err := hexParam("channel id", channelID); err != nil {
		badRequest(c, err)
		return
	}

	var req ResizeChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ResizeAmount == "" && req.AllocateAmount == "" {
		badRequest(c, errors.New("resize_amount or allocate_amount is required"))
		return
	}

	txHash, err := h.channels.Resize(c.Request.Context(), clearnode.ResizeRequest{
		ChannelID:        channelID,
		ResizeAmount:     optionalAmount(req.ResizeAmount),
		AllocateAmount:   optionalAmount(req.AllocateAmount),
		FundsDestination: h.destination(req.FundsDestination),
		NetworkID:        req.NetworkID,
	})
	if err != nil {
		h.logger.Error("Failed to resize channel %s: %v", channelID, err)
		failed(c, err)
		return
	}

	ok(c, gin.H{"tx_hash": txHash})
}

func (h *ChannelsHandler) destination(requested string) string {
	if requested == "" {
		return h.wallet
	}
	return requested
}
