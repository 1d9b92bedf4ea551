package pricefeed

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
)

// NewPriceFeed picks the provider named in the config
func NewPriceFeed(config Config, clock temporal.TimeProvider, logger logging.ApplicationLogger) (settlement.PriceFeed, error) {
	switch config.Provider {
	case "", "bybit":
		return NewBybitFeed(config, clock, logger)
	case "static":
		return NewStaticFeed(config)
	default:
		return nil, fmt.Errorf("unknown price feed provider %q", config.Provider)
	}
}

var Module = fx.Module("pricefeed",
	fx.Provide(NewPriceFeed),
)
