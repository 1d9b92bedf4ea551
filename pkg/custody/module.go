package custody

import (
	"go.uber.org/fx"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

func provideClient(config Config, keys clearnode.Keys, logger logging.ApplicationLogger) *Client {
	return NewClient(config, keys.Wallet, nil, logger)
}

func asFinalizer(client *Client) clearnode.Finalizer {
	return client
}

// Module provides the on-chain custody client, also as the channel finalizer
var Module = fx.Module("custody",
	fx.Provide(
		provideClient,
		asFinalizer,
	),
)
