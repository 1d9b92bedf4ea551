package clearnode

import (
	"time"

	"go.uber.org/fx"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

// Keys are the primary wallet and the ephemeral session key
type Keys struct {
	Wallet     security.Signer
	SessionKey security.Signer
}

// CacheConfig configures the channel cache
type CacheConfig struct {
	Tokens      map[uint64]string
	SettleDelay time.Duration
}

type clientParams struct {
	fx.In

	Config     Config
	ConnConfig connection.Config
	Keys       Keys
	Validator  security.MessageValidator
	Metrics    performance.Metrics
	Logger     logging.ApplicationLogger
}

func provideClient(p clientParams) (*Client, error) {
	conn := connection.NewConnectionManager(p.ConnConfig, nil, p.Validator, p.Metrics, p.Logger)
	return NewClient(p.Config, conn, p.Keys.Wallet, p.Keys.SessionKey, p.Metrics, p.Logger)
}

func provideCache(client *Client, finalizer Finalizer, cfg CacheConfig, logger logging.ApplicationLogger) *ChannelCache {
	cache := NewChannelCache(client, finalizer, cfg.Tokens, cfg.SettleDelay, logger)
	client.OnChannelUpdate(cache.HandleChannelUpdate)
	return cache
}

// Module provides the protocol client and the channel cache
var Module = fx.Module("clearnode",
	fx.Provide(
		provideClient,
		provideCache,
	),
)
