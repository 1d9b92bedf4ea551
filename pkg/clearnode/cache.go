package clearnode

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

const DefaultChannelSettleDelay = 10 * time.Second

// ChannelAPI is the subset of Client the cache drives
type ChannelAPI interface {
	CreateChannel(ctx context.Context, networkID uint64, token string) (*ChannelHandle, error)
	CloseChannel(ctx context.Context, channelID, fundsDestination string) (*SettlementDescriptor, error)
	ResizeChannel(ctx context.Context, req ResizeRequest) (*SettlementDescriptor, error)
}

// Finalizer anchors server-signed channel states on-chain and returns the
// transaction hash
type Finalizer interface {
	Create(ctx context.Context, networkID uint64, descriptor *SettlementDescriptor) (string, error)
	Close(ctx context.Context, networkID uint64, descriptor *SettlementDescriptor) (string, error)
	Resize(ctx context.Context, networkID uint64, descriptor *SettlementDescriptor) (string, error)
}

// ChannelCache holds one established channel per network
type ChannelCache struct {
	api         ChannelAPI
	finalizer   Finalizer
	tokens      map[uint64]string
	settleDelay time.Duration
	logger      logging.ApplicationLogger

	mu       sync.RWMutex
	channels map[uint64]*ChannelHandle
	group    singleflight.Group
}

// NewChannelCache uses tokens as the default token per network
func NewChannelCache(api ChannelAPI, finalizer Finalizer, tokens map[uint64]string, settleDelay time.Duration, logger logging.ApplicationLogger) *ChannelCache {
	if settleDelay < 0 {
		settleDelay = DefaultChannelSettleDelay
	}
	if tokens == nil {
		tokens = make(map[uint64]string)
	}
	return &ChannelCache{
		api:         api,
		finalizer:   finalizer,
		tokens:      tokens,
		settleDelay: settleDelay,
		logger:      logger,
		channels:    make(map[uint64]*ChannelHandle),
	}
}

// GetOrCreate returns the cached channel for networkID or creates,
// finalizes and caches one. Concurrent callers for one network share a
// single creation. A recovered channel already exists on-chain and is not
// finalized again.
func (cc *ChannelCache) GetOrCreate(ctx context.Context, networkID uint64, token string) (*ChannelHandle, error) {
	if handle, ok := cc.Get(networkID); ok {
		return handle, nil
	}

	if token == "" {
		token = cc.tokens[networkID]
	}
	if token == "" {
		return nil, fmt.Errorf("no token configured for network %d", networkID)
	}

	result, err, _ := cc.group.Do(strconv.FormatUint(networkID, 10), func() (interface{}, error) {
		if handle, ok := cc.Get(networkID); ok {
			return handle, nil
		}
		return cc.create(ctx, networkID, token)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ChannelHandle), nil
}

func (cc *ChannelCache) create(ctx context.Context, networkID uint64, token string) (*ChannelHandle, error) {
	handle, err := cc.api.CreateChannel(ctx, networkID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel on network %d: %w", networkID, err)
	}

	if !handle.Recovered {
		if handle.Settlement == nil {
			return nil, fmt.Errorf("channel %s has no settlement state to finalize", handle.ChannelID)
		}

		txHash, err := cc.finalizer.Create(ctx, networkID, handle.Settlement)
		if err != nil {
			return nil, fmt.Errorf("failed to finalize channel %s on network %d: %w", handle.ChannelID, networkID, err)
		}
		cc.logger.Info("Channel %s finalized on network %d in tx %s", handle.ChannelID, networkID, txHash)

		if cc.settleDelay > 0 {
			timer := time.NewTimer(cc.settleDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	cc.mu.Lock()
	cc.channels[networkID] = handle
	cc.mu.Unlock()
	return handle, nil
}

func (cc *ChannelCache) Get(networkID uint64) (*ChannelHandle, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	handle, ok := cc.channels[networkID]
	return handle, ok
}

func (cc *ChannelCache) Remove(networkID uint64) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.channels, networkID)
}

// Handles lists cached channels ordered by network
func (cc *ChannelCache) Handles() []ChannelHandle {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	handles := make([]ChannelHandle, 0, len(cc.channels))
	for _, handle := range cc.channels {
		handles = append(handles, *handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].NetworkID < handles[j].NetworkID })
	return handles
}

// Close co-signs and finalizes a channel close, then drops it from the cache.
// networkID may be zero when the channel is cached.
func (cc *ChannelCache) Close(ctx context.Context, channelID string, networkID uint64, fundsDestination string) (string, error) {
	networkID, err := cc.resolveNetwork(channelID, networkID)
	if err != nil {
		return "", err
	}

	descriptor, err := cc.api.CloseChannel(ctx, channelID, fundsDestination)
	if err != nil {
		return "", err
	}

	txHash, err := cc.finalizer.Close(ctx, networkID, descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to finalize close of %s: %w", channelID, err)
	}

	cc.mu.Lock()
	if handle, ok := cc.channels[networkID]; ok && handle.ChannelID == channelID {
		delete(cc.channels, networkID)
	}
	cc.mu.Unlock()

	cc.logger.Info("Channel %s closed on network %d in tx %s", channelID, networkID, txHash)
	return txHash, nil
}

// Resize co-signs and finalizes a resize
func (cc *ChannelCache) Resize(ctx context.Context, req ResizeRequest) (string, error) {
	networkID, err := cc.resolveNetwork(req.ChannelID, req.NetworkID)
	if err != nil {
		return "", err
	}
	req.NetworkID = networkID

	descriptor, err := cc.api.ResizeChannel(ctx, req)
	if err != nil {
		return "", err
	}

	txHash, err := cc.finalizer.Resize(ctx, networkID, descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to finalize resize of %s: %w", req.ChannelID, err)
	}

	cc.logger.Info("Channel %s resized on network %d in tx %s", req.ChannelID, networkID, txHash)
	return txHash, nil
}

// HandleChannelUpdate evicts a cached channel the server reports as closed,
// including closes made outside this process
func (cc *ChannelCache) HandleChannelUpdate(_ context.Context, update *ChannelUpdate) error {
	if update.Status != ChannelStatusClosed {
		return nil
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	for networkID, handle := range cc.channels {
		if sameAddress(handle.ChannelID, update.ChannelID) {
			delete(cc.channels, networkID)
			cc.logger.Info("Channel %s on network %d closed by the server, removed from cache", update.ChannelID, networkID)
		}
	}
	return nil
}

func (cc *ChannelCache) resolveNetwork(channelID string, networkID uint64) (uint64, error) {
	if networkID != 0 {
		return networkID, nil
	}

	cc.mu.RLock()
	defer cc.mu.RUnlock()
	for id, handle := range cc.channels {
		if sameAddress(handle.ChannelID, channelID) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("network for channel %s: %w", channelID, ErrChannelNotFound)
}
